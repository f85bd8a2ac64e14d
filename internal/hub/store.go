package hub

import "context"

// Store is the write-through contract with the external persistent store.
// Implementations live in internal/store and must be safe for concurrent
// writers; the hub never calls a Store under its table lock.
//
// Store failures are logged and never surfaced to clients; the in-memory
// table remains authoritative.
type Store interface {
	// SaveChannel upserts the channel row keyed by snapshot ID. Must be
	// idempotent.
	SaveChannel(ctx context.Context, snap ChannelSnapshot) error

	// LoadChannels returns all persisted channel rows. Called once at
	// startup; failures degrade to an empty table.
	LoadChannels(ctx context.Context) ([]ChannelSnapshot, error)
}
