// Package gossip drives anti-entropy between devices.
//
// A Session pulls one store from one peer: it sends the local knowledge,
// receives the deltas above it in bounded batches and hands every batch to
// the engine. A Round runs many pulls concurrently, paced by a rate
// limiter. Requests that fail with a retryable error are retried with
// exponential backoff; a permission failure or an epoch mismatch ends the
// pull at once.
package gossip
