// Package deadletter stores requests a delivery run could not deliver.
package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/backpressure/internal/delivery"
	"github.com/austindbirch/backpressure/internal/tracing"
)

const (
	SinkPostgres = "postgres"

	defaultListLimit = 20
)

var schema = []string{
	`CREATE SCHEMA IF NOT EXISTS backpressure`,
	`CREATE TABLE IF NOT EXISTS backpressure.dead_letters (
		id          BIGSERIAL PRIMARY KEY,
		run_id      TEXT NOT NULL,
		request_id  TEXT NOT NULL,
		outcome     TEXT NOT NULL,
		reason      TEXT NOT NULL,
		attempts    INT NOT NULL,
		last_error  TEXT,
		payload     JSONB,
		created_at  TEXT NOT NULL,
		dead_at     TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS dead_letters_run_id_idx ON backpressure.dead_letters (run_id)`,
}

const insertDeadLetter = `
	INSERT INTO backpressure.dead_letters
		(run_id, request_id, outcome, reason, attempts, last_error, payload, created_at, dead_at)
	VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9)`

// DBTX is the subset of *pgxpool.Pool the store needs.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// PostgresStore records dead letters in backpressure.dead_letters.
type PostgresStore struct {
	db DBTX
}

func NewPostgresStore(db DBTX) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Name() string { return SinkPostgres }

// EnsureSchema creates the dead letter table if it does not exist yet.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure dead letter schema: %w", err)
		}
	}
	return nil
}

// Bury inserts all letters in a single batch round trip.
func (s *PostgresStore) Bury(ctx context.Context, letters []delivery.DeadLetter) error {
	if len(letters) == 0 {
		return nil
	}
	ctx, span := tracing.StartSpan(ctx, "deadletter.postgres.bury", attribute.Int("count", len(letters)))
	defer span.End()

	batch := &pgx.Batch{}
	for _, l := range letters {
		payload, err := json.Marshal(l.Request.Payload)
		if err != nil {
			return fmt.Errorf("encode payload of %s: %w", l.Request.ID, err)
		}
		deadAt, err := time.Parse(time.RFC3339Nano, l.At)
		if err != nil {
			deadAt = time.Now().UTC()
		}
		batch.Queue(insertDeadLetter,
			l.RunID, l.Request.ID, string(l.Outcome), l.Reason, l.Attempts, l.LastError,
			string(payload), l.Request.CreatedAt, deadAt,
		)
	}

	br := s.db.SendBatch(ctx, batch)
	for _, l := range letters {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			tracing.SetSpanError(ctx, err)
			return fmt.Errorf("insert dead letter %s: %w", l.Request.ID, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("close dead letter batch: %w", err)
	}
	return nil
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	RunID string
	Limit int
}

// List returns the most recent dead letters first.
func (s *PostgresStore) List(ctx context.Context, f ListFilter) ([]delivery.DeadLetter, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	args := []any{}
	where := "1=1"
	if f.RunID != "" {
		where += " AND run_id = $1"
		args = append(args, f.RunID)
	}
	q := fmt.Sprintf(`
		SELECT run_id, request_id, outcome, reason, attempts, COALESCE(last_error, ''),
		       payload, created_at, dead_at
		FROM backpressure.dead_letters
		WHERE %s
		ORDER BY id DESC
		LIMIT %d`, where, limit)

	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var out []delivery.DeadLetter
	for rows.Next() {
		var (
			l       delivery.DeadLetter
			outcome string
			payload []byte
			deadAt  time.Time
		)
		if err := rows.Scan(&l.RunID, &l.Request.ID, &outcome, &l.Reason, &l.Attempts, &l.LastError,
			&payload, &l.Request.CreatedAt, &deadAt,
		); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &l.Request.Payload); err != nil {
				return nil, fmt.Errorf("decode payload of %s: %w", l.Request.ID, err)
			}
		}
		l.Type = delivery.DLQType
		l.Version = "v1"
		l.Outcome = delivery.Outcome(outcome)
		l.At = deadAt.UTC().Format(time.RFC3339Nano)
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}
	return out, nil
}
