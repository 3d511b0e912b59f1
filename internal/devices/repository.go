package devices

import (
	"context"
	"time"
)

// Repository is the persistence contract for paired peers. Implementations
// must apply NormalizeID to every id they receive.
type Repository interface {
	// Upsert inserts the peer or replaces its name, key and transport.
	Upsert(ctx context.Context, d *PeerDevice) error

	// Get returns the peer with the given id, or common.ErrNotFound.
	Get(ctx context.Context, id string) (*PeerDevice, error)

	// List returns all paired peers.
	List(ctx context.Context) ([]*PeerDevice, error)

	// Delete removes the peer. Deleting an unknown id is not an error.
	Delete(ctx context.Context, id string) error

	// TouchSeen records seen as the last-seen timestamp and the last successful
	// transport for the peer.
	TouchSeen(ctx context.Context, id string, transport string, seen time.Time) error
}
