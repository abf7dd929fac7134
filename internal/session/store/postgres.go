package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"atsflow/internal/session/models"
	"atsflow/pkg/domain"
	"atsflow/pkg/platform/sentinel"
	txcontext "atsflow/pkg/platform/tx"
)

const uniqueViolation = "23505"

// PostgresStore persists sessions in the test_sessions table. Nested state
// (sub-results, approvals, results, certificate) is stored as jsonb; writes
// use an optimistic version check.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const sessionColumns = `id, code, vehicle_ref, center_ref, appointment_ref, status, required_tests,
	sub_results, participants, approvals, retest_count, final_result, prior_results, certificate,
	failure_reason, cancel_reason, checked_in_by, tested_at, created_at, updated_at, version`

func (s *PostgresStore) Create(ctx context.Context, session *models.TestSession) error {
	row, err := encode(session)
	if err != nil {
		return err
	}
	query := `INSERT INTO test_sessions (` + sessionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`
	_, err = txcontext.Pick(ctx, s.db).ExecContext(ctx, query,
		uuid.UUID(session.ID), session.Code, session.VehicleRef, session.CenterRef, session.AppointmentRef,
		string(session.Status), pq.Array(row.requiredTests),
		row.subResults, row.participants, row.approvals, session.RetestCount, row.finalResult,
		row.priorResults, row.certificate, session.FailureReason, session.CancelReason,
		session.CheckedInBy, session.TestedAt, session.CreatedAt, session.UpdatedAt, session.Version,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("insert session %s: %w", session.Code, sentinel.ErrConflict)
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, session *models.TestSession, expectedVersion int64) error {
	row, err := encode(session)
	if err != nil {
		return err
	}
	query := `UPDATE test_sessions SET
			status = $2, sub_results = $3, participants = $4, approvals = $5, retest_count = $6,
			final_result = $7, prior_results = $8, certificate = $9, failure_reason = $10,
			cancel_reason = $11, checked_in_by = $12, tested_at = $13, updated_at = $14, version = $15
		WHERE id = $1 AND version = $16`
	res, err := txcontext.Pick(ctx, s.db).ExecContext(ctx, query,
		uuid.UUID(session.ID), string(session.Status), row.subResults, row.participants, row.approvals,
		session.RetestCount, row.finalResult, row.priorResults, row.certificate, session.FailureReason,
		session.CancelReason, session.CheckedInBy, session.TestedAt, session.UpdatedAt, session.Version,
		expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n == 0 {
		if _, err := s.FindByID(ctx, session.ID); err != nil {
			return err
		}
		return fmt.Errorf("session %s at version %d: %w", session.Code, expectedVersion, sentinel.ErrConflict)
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, id domain.SessionID) (*models.TestSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM test_sessions WHERE id = $1`
	return s.scanOne(txcontext.Pick(ctx, s.db).QueryRowContext(ctx, query, uuid.UUID(id)))
}

func (s *PostgresStore) FindByCode(ctx context.Context, code string) (*models.TestSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM test_sessions WHERE code = $1`
	return s.scanOne(txcontext.Pick(ctx, s.db).QueryRowContext(ctx, query, code))
}

func (s *PostgresStore) NextSequence(ctx context.Context) (int64, error) {
	var seq int64
	if err := s.db.QueryRowContext(ctx, `SELECT nextval('session_code_seq')`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("next session sequence: %w", err)
	}
	return seq, nil
}

func (s *PostgresStore) scanOne(row *sql.Row) (*models.TestSession, error) {
	var (
		id                                     uuid.UUID
		session                                models.TestSession
		status                                 string
		requiredTests                          []string
		subResults, participants, approvals    []byte
		finalResult, priorResults, certificate []byte
		testedAt                               sql.NullTime
	)
	err := row.Scan(&id, &session.Code, &session.VehicleRef, &session.CenterRef, &session.AppointmentRef,
		&status, pq.Array(&requiredTests), &subResults, &participants, &approvals, &session.RetestCount,
		&finalResult, &priorResults, &certificate, &session.FailureReason, &session.CancelReason,
		&session.CheckedInBy, &testedAt, &session.CreatedAt, &session.UpdatedAt, &session.Version,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}

	session.ID = domain.SessionID(id)
	session.Status = models.Status(status)
	session.RequiredTests = make([]models.TestType, len(requiredTests))
	for i, t := range requiredTests {
		session.RequiredTests[i] = models.TestType(t)
	}
	if testedAt.Valid {
		t := testedAt.Time.UTC()
		session.TestedAt = &t
	}
	session.CreatedAt = session.CreatedAt.UTC()
	session.UpdatedAt = session.UpdatedAt.UTC()

	for _, f := range []struct {
		raw  []byte
		into any
	}{
		{subResults, &session.SubResults},
		{participants, &session.Participants},
		{approvals, &session.Approvals},
		{finalResult, &session.FinalResult},
		{priorResults, &session.PriorResults},
		{certificate, &session.Certificate},
	} {
		if len(f.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(f.raw, f.into); err != nil {
			return nil, fmt.Errorf("decode session %s: %w", session.Code, err)
		}
	}
	return &session, nil
}

type encodedSession struct {
	requiredTests []string
	subResults    []byte
	participants  []byte
	approvals     []byte
	finalResult   []byte
	priorResults  []byte
	certificate   []byte
}

func encode(session *models.TestSession) (*encodedSession, error) {
	out := &encodedSession{requiredTests: make([]string, len(session.RequiredTests))}
	for i, t := range session.RequiredTests {
		out.requiredTests[i] = string(t)
	}
	var err error
	if out.subResults, err = json.Marshal(session.SubResults); err != nil {
		return nil, fmt.Errorf("encode sub_results: %w", err)
	}
	if out.participants, err = json.Marshal(session.Participants); err != nil {
		return nil, fmt.Errorf("encode participants: %w", err)
	}
	if out.approvals, err = json.Marshal(session.Approvals); err != nil {
		return nil, fmt.Errorf("encode approvals: %w", err)
	}
	if out.priorResults, err = json.Marshal(session.PriorResults); err != nil {
		return nil, fmt.Errorf("encode prior_results: %w", err)
	}
	if session.FinalResult != nil {
		if out.finalResult, err = json.Marshal(session.FinalResult); err != nil {
			return nil, fmt.Errorf("encode final_result: %w", err)
		}
	}
	if session.Certificate != nil {
		if out.certificate, err = json.Marshal(session.Certificate); err != nil {
			return nil, fmt.Errorf("encode certificate: %w", err)
		}
	}
	return out, nil
}
