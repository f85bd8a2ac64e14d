package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gundalpha/Freematics-CONF/internal/hub"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS channels (
	id                 TEXT PRIMARY KEY,
	devid              TEXT UNIQUE NOT NULL,
	vin                TEXT,
	flags              BIGINT DEFAULT 0,
	device_tick        BIGINT DEFAULT 0,
	server_data_tick   BIGINT DEFAULT 0,
	server_ping_tick   BIGINT DEFAULT 0,
	session_start_tick BIGINT DEFAULT 0,
	elapsed            BIGINT DEFAULT 0,
	recv_count         BIGINT DEFAULT 0,
	tx_count           BIGINT DEFAULT 0,
	data_received      BIGINT DEFAULT 0,
	sample_rate        DOUBLE PRECISION DEFAULT 0,
	rssi               INTEGER DEFAULT 0,
	device_temp        INTEGER DEFAULT 0,
	devflags           INTEGER DEFAULT 0,
	ip_addr            TEXT,
	created_at         BIGINT DEFAULT 0,
	updated_at         BIGINT DEFAULT 0
)`

const postgresUpsert = `
INSERT INTO channels (
	id, devid, vin, flags, device_tick, server_data_tick, server_ping_tick,
	session_start_tick, elapsed, recv_count, tx_count, data_received,
	sample_rate, rssi, device_temp, devflags, ip_addr, created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18,
	(extract(epoch from now()) * 1000)::bigint)
ON CONFLICT (id) DO UPDATE SET
	devid = EXCLUDED.devid,
	vin = EXCLUDED.vin,
	flags = EXCLUDED.flags,
	device_tick = EXCLUDED.device_tick,
	server_data_tick = EXCLUDED.server_data_tick,
	server_ping_tick = EXCLUDED.server_ping_tick,
	session_start_tick = EXCLUDED.session_start_tick,
	elapsed = EXCLUDED.elapsed,
	recv_count = EXCLUDED.recv_count,
	tx_count = EXCLUDED.tx_count,
	data_received = EXCLUDED.data_received,
	sample_rate = EXCLUDED.sample_rate,
	rssi = EXCLUDED.rssi,
	device_temp = EXCLUDED.device_temp,
	devflags = EXCLUDED.devflags,
	ip_addr = EXCLUDED.ip_addr,
	updated_at = EXCLUDED.updated_at`

const postgresSelect = `
SELECT id, devid, COALESCE(vin, ''), flags, device_tick, server_data_tick,
	server_ping_tick, session_start_tick, elapsed, recv_count, tx_count,
	data_received, sample_rate, rssi, device_temp, devflags,
	COALESCE(ip_addr, ''), created_at
FROM channels`

// Postgres is a hub.Store backed by a PostgreSQL connection pool (pgx).
// The pool is safe for concurrent writers.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// OpenPostgres connects to dsn and ensures the schema exists.
func OpenPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Postgres{
		pool:   pool,
		logger: logger.With(slog.String("component", "store.postgres")),
	}, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// SaveChannel upserts the channel row keyed by snapshot ID.
func (p *Postgres) SaveChannel(ctx context.Context, snap hub.ChannelSnapshot) error {
	_, err := p.pool.Exec(ctx, postgresUpsert,
		snap.ID, snap.DevID, snap.VIN, int64(snap.Flags), snap.DeviceTick,
		snap.ServerDataTick, snap.ServerPingTick, snap.SessionStartTick,
		snap.Elapsed, int64(snap.RecvCount), int64(snap.TxCount), int64(snap.DataReceived),
		snap.SampleRate, snap.RSSI, snap.DeviceTemp, snap.DevFlags,
		snap.IPAddr, snap.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert channel %s: %w", snap.ID, err)
	}
	return nil
}

// LoadChannels returns all persisted channel rows.
func (p *Postgres) LoadChannels(ctx context.Context) ([]hub.ChannelSnapshot, error) {
	rows, err := p.pool.Query(ctx, postgresSelect)
	if err != nil {
		return nil, fmt.Errorf("select channels: %w", err)
	}
	defer rows.Close()

	var out []hub.ChannelSnapshot
	for rows.Next() {
		var snap hub.ChannelSnapshot
		var flags, recv, tx, data int64
		if err := rows.Scan(
			&snap.ID, &snap.DevID, &snap.VIN, &flags, &snap.DeviceTick,
			&snap.ServerDataTick, &snap.ServerPingTick, &snap.SessionStartTick,
			&snap.Elapsed, &recv, &tx, &data,
			&snap.SampleRate, &snap.RSSI, &snap.DeviceTemp, &snap.DevFlags,
			&snap.IPAddr, &snap.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan channel row: %w", err)
		}
		snap.Flags = uint32(flags)
		snap.RecvCount = uint64(recv)
		snap.TxCount = uint64(tx)
		snap.DataReceived = uint64(data)
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channel rows: %w", err)
	}

	p.logger.Debug("channels loaded", slog.Int("count", len(out)))
	return out, nil
}
