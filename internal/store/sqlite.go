package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"

	"github.com/gundalpha/Freematics-CONF/internal/hub"
)

// sqliteSchema creates the channels table. Columns mirror the persisted
// subset of hub.ChannelSnapshot; sample data is not persisted (the core
// keeps only the latest value per PID in memory).
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS channels (
	id                 TEXT PRIMARY KEY,
	devid              TEXT UNIQUE NOT NULL,
	vin                TEXT,
	flags              INTEGER DEFAULT 0,
	device_tick        INTEGER DEFAULT 0,
	server_data_tick   INTEGER DEFAULT 0,
	server_ping_tick   INTEGER DEFAULT 0,
	session_start_tick INTEGER DEFAULT 0,
	elapsed            INTEGER DEFAULT 0,
	recv_count         INTEGER DEFAULT 0,
	tx_count           INTEGER DEFAULT 0,
	data_received      INTEGER DEFAULT 0,
	sample_rate        REAL DEFAULT 0,
	rssi               INTEGER DEFAULT 0,
	device_temp        INTEGER DEFAULT 0,
	devflags           INTEGER DEFAULT 0,
	ip_addr            TEXT,
	created_at         INTEGER DEFAULT 0,
	updated_at         INTEGER DEFAULT 0
)`

const sqliteUpsert = `
INSERT INTO channels (
	id, devid, vin, flags, device_tick, server_data_tick, server_ping_tick,
	session_start_tick, elapsed, recv_count, tx_count, data_received,
	sample_rate, rssi, device_temp, devflags, ip_addr, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, unixepoch('subsec') * 1000)
ON CONFLICT(id) DO UPDATE SET
	devid = excluded.devid,
	vin = excluded.vin,
	flags = excluded.flags,
	device_tick = excluded.device_tick,
	server_data_tick = excluded.server_data_tick,
	server_ping_tick = excluded.server_ping_tick,
	session_start_tick = excluded.session_start_tick,
	elapsed = excluded.elapsed,
	recv_count = excluded.recv_count,
	tx_count = excluded.tx_count,
	data_received = excluded.data_received,
	sample_rate = excluded.sample_rate,
	rssi = excluded.rssi,
	device_temp = excluded.device_temp,
	devflags = excluded.devflags,
	ip_addr = excluded.ip_addr,
	updated_at = excluded.updated_at`

const sqliteSelect = `
SELECT id, devid, vin, flags, device_tick, server_data_tick, server_ping_tick,
	session_start_tick, elapsed, recv_count, tx_count, data_received,
	sample_rate, rssi, device_temp, devflags, ip_addr, created_at
FROM channels`

// SQLite is a hub.Store backed by a local SQLite file via modernc.org/sqlite
// (pure Go, no cgo). database/sql serializes writers internally, so the
// store is safe for concurrent use.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenSQLite opens (creating if needed) the database at path and ensures
// the schema exists.
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLite{
		db:     db,
		logger: logger.With(slog.String("component", "store.sqlite")),
	}, nil
}

// Close releases the database handle.
func (s *SQLite) Close() error { return s.db.Close() }

// SaveChannel upserts the channel row keyed by snapshot ID.
func (s *SQLite) SaveChannel(ctx context.Context, snap hub.ChannelSnapshot) error {
	_, err := s.db.ExecContext(ctx, sqliteUpsert,
		snap.ID, snap.DevID, snap.VIN, snap.Flags, snap.DeviceTick,
		snap.ServerDataTick, snap.ServerPingTick, snap.SessionStartTick,
		snap.Elapsed, snap.RecvCount, snap.TxCount, snap.DataReceived,
		snap.SampleRate, snap.RSSI, snap.DeviceTemp, snap.DevFlags,
		snap.IPAddr, snap.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert channel %s: %w", snap.ID, err)
	}
	return nil
}

// LoadChannels returns all persisted channel rows.
func (s *SQLite) LoadChannels(ctx context.Context) ([]hub.ChannelSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, sqliteSelect)
	if err != nil {
		return nil, fmt.Errorf("select channels: %w", err)
	}
	defer rows.Close()

	var out []hub.ChannelSnapshot
	for rows.Next() {
		var snap hub.ChannelSnapshot
		var vin, ip sql.NullString
		if err := rows.Scan(
			&snap.ID, &snap.DevID, &vin, &snap.Flags, &snap.DeviceTick,
			&snap.ServerDataTick, &snap.ServerPingTick, &snap.SessionStartTick,
			&snap.Elapsed, &snap.RecvCount, &snap.TxCount, &snap.DataReceived,
			&snap.SampleRate, &snap.RSSI, &snap.DeviceTemp, &snap.DevFlags,
			&ip, &snap.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan channel row: %w", err)
		}
		snap.VIN = vin.String
		snap.IPAddr = ip.String
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channel rows: %w", err)
	}

	s.logger.Debug("channels loaded", slog.Int("count", len(out)))
	return out, nil
}
