// Package authority submits local versions to a remote authority that
// takes over canonical ordering of an object's history.
//
// Operations travel in batches of at most MaxBatch as canonical JSON. Every
// tick is sent as a decimal string so the authority never parses it as a
// float.
package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/roach88/replica/internal/ids"
	"github.com/roach88/replica/internal/metrics"
	"github.com/roach88/replica/internal/retry"
	"github.com/roach88/replica/internal/syncerr"
	"github.com/roach88/replica/internal/wire"
)

// MaxBatch is the largest number of operations the authority accepts in
// one request.
const MaxBatch = 50

const (
	defaultHTTPTimeout    = 60 * time.Second
	defaultConnectTimeout = 5 * time.Second
	defaultTLSTimeout     = 5 * time.Second
)

func defaultHTTPClient() *http.Client {
	dialer := &net.Dialer{Timeout: defaultConnectTimeout}
	return &http.Client{
		Transport: &http.Transport{
			DialContext:         dialer.DialContext,
			TLSHandshakeTimeout: defaultTLSTimeout,
		},
		Timeout: defaultHTTPTimeout,
	}
}

// Operation submits the local version of one component.
type Operation struct {
	Store     ids.SID           `json:"store"`
	OID       ids.OID           `json:"oid"`
	Component ids.CID           `json:"component"`
	Version   map[string]string `json:"version"`
	Aliases   []ids.OID         `json:"aliases,omitempty"`
}

// Result reports the fate of one operation, in request order.
type Result struct {
	OID     ids.OID `json:"oid"`
	Success bool    `json:"success"`
	Error   string  `json:"error,omitempty"`
}

type submitRequest struct {
	Operations []Operation `json:"operations"`
}

type submitResponse struct {
	Results   []Result `json:"results"`
	HighWater uint64   `json:"high_water"`
}

// Client talks to one authority endpoint.
type Client struct {
	url     string
	token   string
	http    *http.Client
	backoff retry.Backoff
	metrics *metrics.Metrics
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithToken sends token as a bearer credential.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

// WithBackoff replaces the retry policy.
func WithBackoff(b retry.Backoff) ClientOption {
	return func(c *Client) { c.backoff = b }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// NewClient creates a client posting to url.
func NewClient(url string, opts ...ClientOption) *Client {
	c := &Client{
		url:     url,
		http:    defaultHTTPClient(),
		backoff: retry.DefaultBackoff("authority.submit"),
		metrics: metrics.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.backoff.Metrics == nil {
		c.backoff.Metrics = c.metrics
	}
	return c
}

// Submit sends one batch and returns the per-operation results and the
// authority's new high-water mark. Transport failures, server errors and
// malformed responses are retried; a refused credential is not.
func (c *Client) Submit(ctx context.Context, ops []Operation) ([]Result, uint64, error) {
	if len(ops) == 0 {
		return nil, 0, nil
	}
	if len(ops) > MaxBatch {
		return nil, 0, syncerr.Invariant("authority batch of %d operations exceeds %d", len(ops), MaxBatch)
	}
	body, err := wire.MarshalCanonical(submitRequest{Operations: ops})
	if err != nil {
		return nil, 0, fmt.Errorf("encode authority batch: %w", err)
	}

	resp, err := retry.Do(ctx, c.backoff, func(ctx context.Context, attempt int) retry.Result[submitResponse] {
		return retry.Classify(c.post(ctx, body, len(ops)))
	})
	if err != nil {
		c.metrics.AuthoritySubmitted.WithLabelValues("error").Add(float64(len(ops)))
		return nil, 0, err
	}
	for _, r := range resp.Results {
		if r.Success {
			c.metrics.AuthoritySubmitted.WithLabelValues("ok").Inc()
		} else {
			c.metrics.AuthoritySubmitted.WithLabelValues("rejected").Inc()
		}
	}
	return resp.Results, resp.HighWater, nil
}

func (c *Client) post(ctx context.Context, body []byte, want int) (submitResponse, error) {
	var out submitResponse
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return out, syncerr.Invariant("authority request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	r, err := c.http.Do(req)
	if err != nil {
		return out, fmt.Errorf("post authority batch: %w", err)
	}
	defer r.Body.Close()
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return out, fmt.Errorf("read authority response: %w", err)
	}

	switch {
	case r.StatusCode == http.StatusUnauthorized || r.StatusCode == http.StatusForbidden:
		return out, syncerr.New(syncerr.CodePermission, "authority refused batch: %s", strings.TrimSpace(string(raw)))
	case r.StatusCode != http.StatusOK:
		return out, syncerr.New(syncerr.CodeProtocol, "authority answered %d: %s", r.StatusCode, strings.TrimSpace(string(raw)))
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, syncerr.Wrap(syncerr.CodeProtocol, err, "decode authority response")
	}
	if len(out.Results) != want {
		return out, syncerr.New(syncerr.CodeProtocol, "authority answered %d results for %d operations", len(out.Results), want)
	}
	return out, nil
}
