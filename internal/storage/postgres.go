package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/KevinKickass/OpenMeasurementCore/internal/config"
	"github.com/KevinKickass/OpenMeasurementCore/internal/telemetry"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const samplesTable = "samples"

var sampleColumns = []string{"ts", "path", "channel_id", "value", "raw", "unit"}

type PostgresClient struct {
	pool *pgxpool.Pool
}

func NewPostgresClient(ctx context.Context, cfg config.PostgresConfig) (*PostgresClient, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse pool config: %w", err)
	}

	if cfg.MaxConnections > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConnections)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	// Connection testen
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresClient{pool: pool}, nil
}

func (p *PostgresClient) Close() {
	p.pool.Close()
}

// EnsureSchema creates the samples table and its lookup index.
func (p *PostgresClient) EnsureSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS samples (
			id         BIGSERIAL PRIMARY KEY,
			ts         TIMESTAMPTZ NOT NULL,
			path       TEXT NOT NULL,
			channel_id INTEGER NOT NULL,
			value      DOUBLE PRECISION NOT NULL,
			raw        DOUBLE PRECISION NOT NULL,
			unit       TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS samples_path_ts_idx ON samples (path, ts);
	`)
	if err != nil {
		return fmt.Errorf("failed to create samples table: %w", err)
	}
	return nil
}

// InsertSamples bulk-loads a batch with COPY.
func (p *PostgresClient) InsertSamples(ctx context.Context, samples []telemetry.Sample) error {
	if len(samples) == 0 {
		return nil
	}
	_, err := p.pool.CopyFrom(ctx,
		pgx.Identifier{samplesTable},
		sampleColumns,
		pgx.CopyFromSlice(len(samples), func(i int) ([]any, error) {
			s := samples[i]
			return []any{s.Timestamp, s.Path, s.ChannelID, s.Value, s.Raw, s.Unit}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to copy %d samples: %w", len(samples), err)
	}
	return nil
}

// QuerySamples returns the samples of one channel path within [from, to),
// oldest first.
func (p *PostgresClient) QuerySamples(ctx context.Context, path string, from, to time.Time, limit int) ([]telemetry.Sample, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := p.pool.Query(ctx, `
		SELECT ts, path, channel_id, value, raw, unit
		FROM samples
		WHERE path = $1 AND ts >= $2 AND ts < $3
		ORDER BY ts
		LIMIT $4
	`, path, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query samples: %w", err)
	}
	defer rows.Close()

	samples := make([]telemetry.Sample, 0)
	for rows.Next() {
		var s telemetry.Sample
		if err := rows.Scan(&s.Timestamp, &s.Path, &s.ChannelID, &s.Value, &s.Raw, &s.Unit); err != nil {
			return nil, fmt.Errorf("failed to scan sample: %w", err)
		}
		samples = append(samples, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read samples: %w", err)
	}
	return samples, nil
}
