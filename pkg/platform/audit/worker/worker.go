// Package worker relays audit outbox rows to the message broker.
package worker

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Publisher delivers one outbox payload. Implementations must be safe to
// retry: a row is only marked published after Publish returns nil, so a crash
// between the two produces a duplicate delivery, never a lost one.
type Publisher interface {
	Publish(ctx context.Context, key, value []byte) error
}

// Relay polls the outbox table and publishes unpublished rows in creation order.
type Relay struct {
	db        *sql.DB
	publisher Publisher
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
}

// Option configures the Relay.
type Option func(*Relay)

func WithInterval(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.interval = d
		}
	}
}

func WithBatchSize(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Relay) {
		r.logger = logger
	}
}

func NewRelay(db *sql.DB, publisher Publisher, opts ...Option) *Relay {
	r := &Relay{
		db:        db,
		publisher: publisher,
		interval:  time.Second,
		batchSize: 100,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run relays until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if n, err := r.RelayOnce(ctx); err != nil {
			r.logger.WarnContext(ctx, "outbox relay pass failed", "error", err)
		} else if n > 0 {
			r.logger.DebugContext(ctx, "outbox relayed", "count", n)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

type outboxRow struct {
	id          uuid.UUID
	aggregateID string
	payload     []byte
}

// RelayOnce publishes one batch and returns how many rows were marked
// published. Rows are locked with SKIP LOCKED so several relays can run.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin outbox tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, aggregate_id, payload
		FROM outbox
		WHERE published_at IS NULL
		ORDER BY created_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("select outbox rows: %w", err)
	}
	var batch []outboxRow
	for rows.Next() {
		var row outboxRow
		if err := rows.Scan(&row.id, &row.aggregateID, &row.payload); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan outbox row: %w", err)
		}
		batch = append(batch, row)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate outbox rows: %w", err)
	}

	published := 0
	for _, row := range batch {
		// Keyed by correlation so one session's records stay ordered in a partition.
		if err := r.publisher.Publish(ctx, []byte(row.aggregateID), row.payload); err != nil {
			// Stop at the first failure to preserve per-session order.
			r.logger.WarnContext(ctx, "outbox publish failed", "outbox_id", row.id, "error", err)
			break
		}
		if _, err := tx.ExecContext(ctx, `UPDATE outbox SET published_at = NOW() WHERE id = $1`, row.id); err != nil {
			return 0, fmt.Errorf("mark outbox row published: %w", err)
		}
		published++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit outbox tx: %w", err)
	}
	return published, nil
}
