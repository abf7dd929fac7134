// Package sqlite is a single-file audit ledger for deployments without
// PostgreSQL, such as a test centre running the service on one machine.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	audit "atsflow/pkg/platform/audit"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - audit_records with per-correlation hash chain
const currentSchemaVersion = 1

// Store implements audit.Store on SQLite in WAL mode.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open creates or opens the ledger at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect audit database: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply audit schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		db.Close()
		return nil, fmt.Errorf("set user_version: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Append writes all records in one SQLite transaction.
func (s *Store) Append(ctx context.Context, records ...audit.Record) ([]audit.Record, error) {
	if len(records) == 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin audit tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	out := make([]audit.Record, len(records))
	copy(out, records)
	for i := range out {
		var prev string
		err := tx.QueryRowContext(ctx,
			`SELECT hash FROM audit_records WHERE correlation_id = ? ORDER BY seq DESC LIMIT 1`,
			out[i].CorrelationID,
		).Scan(&prev)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("read audit chain tail: %w", err)
		}
		if err := audit.Seal(prev, out[i:i+1]); err != nil {
			return nil, err
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO audit_records (
				id, timestamp, actor, actor_role, action, entity_type, entity_id,
				correlation_id, before_state, after_state, request_id, client,
				prev_hash, hash
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			out[i].ID.String(),
			out[i].Timestamp.UTC().Format(time.RFC3339Nano),
			out[i].Actor,
			out[i].ActorRole,
			string(out[i].Action),
			string(out[i].EntityType),
			out[i].EntityID,
			out[i].CorrelationID,
			[]byte(out[i].Before),
			[]byte(out[i].After),
			out[i].RequestID,
			out[i].Client,
			out[i].PrevHash,
			out[i].Hash,
		)
		if err != nil {
			return nil, fmt.Errorf("insert audit record: %w", err)
		}
		if out[i].Seq, err = res.LastInsertId(); err != nil {
			return nil, fmt.Errorf("read audit seq: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit audit tx: %w", err)
	}
	return out, nil
}

func (s *Store) ListByCorrelation(ctx context.Context, correlationID string, afterSeq int64) ([]audit.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, seq, timestamp, actor, actor_role, action, entity_type, entity_id,
		       correlation_id, before_state, after_state, request_id, client, prev_hash, hash
		FROM audit_records
		WHERE correlation_id = ? AND seq > ?
		ORDER BY seq ASC`, correlationID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	defer rows.Close()

	var out []audit.Record
	for rows.Next() {
		var (
			r                    audit.Record
			id, ts, action, kind string
			before, after        []byte
		)
		if err := rows.Scan(&id, &r.Seq, &ts, &r.Actor, &r.ActorRole, &action, &kind, &r.EntityID,
			&r.CorrelationID, &before, &after, &r.RequestID, &r.Client, &r.PrevHash, &r.Hash); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		if r.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse audit record id: %w", err)
		}
		if r.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("parse audit timestamp: %w", err)
		}
		r.Action = audit.Action(action)
		r.EntityType = audit.EntityType(kind)
		if len(before) > 0 {
			r.Before = before
		}
		if len(after) > 0 {
			r.After = after
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit records: %w", err)
	}
	return out, nil
}
