// Package store provides the persistent channel store implementations
// behind the hub.Store contract: SQLite for single-node deployments,
// PostgreSQL for shared ones, and a no-op store for running without a
// database. The variant is chosen at construction from configuration.
package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gundalpha/Freematics-CONF/internal/config"
	"github.com/gundalpha/Freematics-CONF/internal/hub"
)

// Open constructs the store selected by cfg.Driver. The returned closer
// releases the underlying connection pool; for the no-op store it does
// nothing.
func Open(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (hub.Store, func() error, error) {
	switch cfg.Driver {
	case "none", "":
		return Nop{}, func() error { return nil }, nil
	case "sqlite":
		s, err := OpenSQLite(ctx, cfg.Path, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, s.Close, nil
	case "postgres":
		s, err := OpenPostgres(ctx, cfg.PostgresDSN(), logger)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres store: %w", err)
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// Nop is a store that persists nothing and loads nothing. The in-memory
// channel table is authoritative either way; Nop just makes the hub
// usable with no database at all.
type Nop struct{}

// SaveChannel discards the snapshot.
func (Nop) SaveChannel(context.Context, hub.ChannelSnapshot) error { return nil }

// LoadChannels returns no rows.
func (Nop) LoadChannels(context.Context) ([]hub.ChannelSnapshot, error) { return nil, nil }
