package store

import (
	"context"

	"github.com/roach88/replica/internal/ids"
	"github.com/roach88/replica/internal/syncerr"
)

// DeviceID returns the identity of this replica, if one was assigned.
func (t *Tx) DeviceID(ctx context.Context) (ids.DID, bool, error) {
	raw, found, err := t.GetMeta(ctx, MetaDeviceID)
	if err != nil || !found {
		return ids.DID{}, false, err
	}
	did, err := ids.ParseDID(raw)
	if err != nil {
		return ids.DID{}, false, syncerr.Wrap(syncerr.CodeCorruption, err, "meta %q", MetaDeviceID)
	}
	return did, true, nil
}

// EnsureDeviceID returns the persisted identity, assigning want on first
// use. A zero want generates a fresh identity. An identity that is already
// persisted never changes; asking for a different one is an invariant
// violation.
func (t *Tx) EnsureDeviceID(ctx context.Context, want ids.DID) (ids.DID, error) {
	cur, found, err := t.DeviceID(ctx)
	if err != nil {
		return ids.DID{}, err
	}
	if found {
		if !want.IsZero() && want != cur {
			return ids.DID{}, syncerr.Invariant("device id is %s, refusing to become %s", cur, want)
		}
		return cur, nil
	}
	if want.IsZero() {
		want = ids.NewDID()
	}
	return want, t.SetMeta(ctx, MetaDeviceID, want.String())
}
