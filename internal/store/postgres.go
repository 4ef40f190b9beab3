package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aircast-audio/aircast/pkg/audio"
)

// Compile-time interface check.
var _ Store = (*Postgres)(nil)

const ddlRecordings = `
CREATE TABLE IF NOT EXISTS recordings (
    handle       TEXT         PRIMARY KEY,
    owner        TEXT         NOT NULL,
    sample_rate  INTEGER      NOT NULL,
    duration_ns  BIGINT       NOT NULL,
    size_bytes   BIGINT       NOT NULL,
    data         BYTEA        NOT NULL,
    created_at   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_recordings_owner
    ON recordings (owner);

CREATE INDEX IF NOT EXISTS idx_recordings_owner_created_at
    ON recordings (owner, created_at DESC);
`

// Postgres is the PostgreSQL-backed recording catalog. It holds a single
// [pgxpool.Pool]. All operations are safe for concurrent use.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres establishes a connection pool to the database at dsn and runs
// [Migrate] to ensure the recordings table exists.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("recording store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("recording store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("recording store: migrate: %w", err)
	}

	return &Postgres{pool: pool}, nil
}

// Migrate creates the recordings table and its indexes if they do not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlRecordings); err != nil {
		return fmt.Errorf("apply recordings DDL: %w", err)
	}
	return nil
}

// Ping probes the database connection. Used by the readiness endpoint.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close releases all connections held by the underlying connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// SaveRecording implements [Store].
func (p *Postgres) SaveRecording(ctx context.Context, owner string, samples []float32, sampleRate int) (string, error) {
	data, err := audio.EncodeWAV(samples, sampleRate)
	if err != nil {
		return "", fmt.Errorf("recording store: encode wav: %w", err)
	}

	handle := uuid.NewString()
	duration := time.Duration(len(samples)) * time.Second / time.Duration(sampleRate)

	const q = `
		INSERT INTO recordings
		    (handle, owner, sample_rate, duration_ns, size_bytes, data)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err = p.pool.Exec(ctx, q,
		handle,
		owner,
		sampleRate,
		duration.Nanoseconds(),
		int64(len(data)),
		data,
	)
	if err != nil {
		return "", fmt.Errorf("recording store: save: %w", err)
	}
	return handle, nil
}

// ListByOwner implements [Store].
func (p *Postgres) ListByOwner(ctx context.Context, owner string) ([]Recording, error) {
	const q = `
		SELECT handle, owner, sample_rate, duration_ns, size_bytes, created_at
		FROM   recordings
		WHERE  owner = $1
		ORDER  BY created_at DESC`

	rows, err := p.pool.Query(ctx, q, owner)
	if err != nil {
		return nil, fmt.Errorf("recording store: list: %w", err)
	}
	defer rows.Close()

	var recs []Recording
	for rows.Next() {
		var r Recording
		var durationNS int64
		if err := rows.Scan(&r.Handle, &r.Owner, &r.SampleRate, &durationNS, &r.SizeBytes, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("recording store: scan: %w", err)
		}
		r.Duration = time.Duration(durationNS)
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recording store: rows: %w", err)
	}
	return recs, nil
}

// Get implements [Store].
func (p *Postgres) Get(ctx context.Context, handle string) (Recording, []byte, error) {
	const q = `
		SELECT handle, owner, sample_rate, duration_ns, size_bytes, created_at, data
		FROM   recordings
		WHERE  handle = $1`

	var r Recording
	var durationNS int64
	var data []byte
	err := p.pool.QueryRow(ctx, q, handle).Scan(
		&r.Handle, &r.Owner, &r.SampleRate, &durationNS, &r.SizeBytes, &r.CreatedAt, &data,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Recording{}, nil, ErrNotFound
	}
	if err != nil {
		return Recording{}, nil, fmt.Errorf("recording store: get: %w", err)
	}
	r.Duration = time.Duration(durationNS)
	return r, data, nil
}
