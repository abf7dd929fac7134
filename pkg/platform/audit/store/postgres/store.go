package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	audit "atsflow/pkg/platform/audit"
	txcontext "atsflow/pkg/platform/tx"
)

// Store implements audit.Store on PostgreSQL using the transactional outbox
// pattern. Each record is written to audit_records and to outbox in the same
// transaction; the outbox relay publishes outbox rows to Kafka.
type Store struct {
	db *sql.DB
}

// New creates a PostgreSQL audit store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// OutboxEventType is the outbox event_type used for audit records.
const OutboxEventType = "audit.record"

// Append writes records to the ledger and the outbox. It joins the
// transaction in ctx when present and otherwise opens its own.
func (s *Store) Append(ctx context.Context, records ...audit.Record) ([]audit.Record, error) {
	if len(records) == 0 {
		return nil, nil
	}
	if tx, ok := txcontext.From(ctx); ok {
		return s.append(ctx, tx, records)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin audit tx: %w", err)
	}
	out, err := s.append(ctx, tx, records)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit audit tx: %w", err)
	}
	return out, nil
}

func (s *Store) append(ctx context.Context, tx *sql.Tx, records []audit.Record) ([]audit.Record, error) {
	out := make([]audit.Record, len(records))
	copy(out, records)

	tails := make(map[string]string)
	for i := range out {
		corrID := out[i].CorrelationID
		prev, seen := tails[corrID]
		if !seen {
			var err error
			prev, err = s.lockTail(ctx, tx, corrID)
			if err != nil {
				return nil, err
			}
		}
		if err := audit.Seal(prev, out[i:i+1]); err != nil {
			return nil, err
		}
		if err := s.insert(ctx, tx, &out[i]); err != nil {
			return nil, err
		}
		tails[corrID] = out[i].Hash
	}
	return out, nil
}

// lockTail serializes writers of one chain across instances and returns the
// hash of its last record.
func (s *Store) lockTail(ctx context.Context, tx *sql.Tx, correlationID string) (string, error) {
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, correlationID); err != nil {
		return "", fmt.Errorf("lock audit chain: %w", err)
	}
	var prev string
	err := tx.QueryRowContext(ctx, `
		SELECT hash FROM audit_records
		WHERE correlation_id = $1
		ORDER BY seq DESC
		LIMIT 1
	`, correlationID).Scan(&prev)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read audit chain tail: %w", err)
	}
	return prev, nil
}

func (s *Store) insert(ctx context.Context, tx *sql.Tx, r *audit.Record) error {
	err := tx.QueryRowContext(ctx, `
		INSERT INTO audit_records (
			id, timestamp, actor, actor_role, action, entity_type, entity_id,
			correlation_id, before_state, after_state, request_id, client,
			prev_hash, hash
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING seq
	`,
		r.ID,
		r.Timestamp,
		r.Actor,
		r.ActorRole,
		string(r.Action),
		string(r.EntityType),
		r.EntityID,
		r.CorrelationID,
		nullableJSON(r.Before),
		nullableJSON(r.After),
		r.RequestID,
		r.Client,
		r.PrevHash,
		r.Hash,
	).Scan(&r.Seq)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}

	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO outbox (id, aggregate_type, aggregate_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`,
		uuid.New(),
		string(r.EntityType),
		r.CorrelationID,
		OutboxEventType,
		payload,
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("insert outbox entry: %w", err)
	}
	return nil
}

// ListByCorrelation returns records after afterSeq in ascending order.
func (s *Store) ListByCorrelation(ctx context.Context, correlationID string, afterSeq int64) ([]audit.Record, error) {
	rows, err := txcontext.Pick(ctx, s.db).QueryContext(ctx, `
		SELECT id, seq, timestamp, actor, actor_role, action, entity_type, entity_id,
			   correlation_id, before_state, after_state, request_id, client,
			   prev_hash, hash
		FROM audit_records
		WHERE correlation_id = $1 AND seq > $2
		ORDER BY seq ASC
	`, correlationID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	defer rows.Close()

	var records []audit.Record
	for rows.Next() {
		var (
			r             audit.Record
			action        string
			entityType    string
			before, after []byte
		)
		if err := rows.Scan(
			&r.ID, &r.Seq, &r.Timestamp, &r.Actor, &r.ActorRole, &action, &entityType, &r.EntityID,
			&r.CorrelationID, &before, &after, &r.RequestID, &r.Client,
			&r.PrevHash, &r.Hash,
		); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		r.Action = audit.Action(action)
		r.EntityType = audit.EntityType(entityType)
		r.Before = before
		r.After = after
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit records: %w", err)
	}
	return records, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
