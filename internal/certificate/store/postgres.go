package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"atsflow/internal/session/models"
	"atsflow/pkg/platform/sentinel"
	txcontext "atsflow/pkg/platform/tx"
)

const uniqueViolation = "23505"

// PostgresStore persists certificates in the certificates table. Unique
// constraints on number and session_id back the one-per-session rule.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const certificateColumns = `number, session_id, session_code, vehicle_ref, center_ref, issued_at,
	valid_from, valid_until, issued_by, document_url, document_digest`

func (s *PostgresStore) Create(ctx context.Context, cert *models.Certificate) error {
	query := `INSERT INTO certificates (` + certificateColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := txcontext.Pick(ctx, s.db).ExecContext(ctx, query,
		cert.Number, cert.SessionID, cert.SessionCode, cert.VehicleRef, cert.CenterRef, cert.IssuedAt,
		cert.ValidFrom, cert.ValidUntil, cert.IssuedBy, cert.DocumentURL, cert.DocumentDigest,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("insert certificate %s: %w", cert.Number, sentinel.ErrConflict)
		}
		return fmt.Errorf("insert certificate: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByNumber(ctx context.Context, number string) (*models.Certificate, error) {
	query := `SELECT ` + certificateColumns + ` FROM certificates WHERE number = $1`
	return scan(txcontext.Pick(ctx, s.db).QueryRowContext(ctx, query, number))
}

func (s *PostgresStore) FindBySession(ctx context.Context, sessionID string) (*models.Certificate, error) {
	query := `SELECT ` + certificateColumns + ` FROM certificates WHERE session_id = $1`
	return scan(txcontext.Pick(ctx, s.db).QueryRowContext(ctx, query, sessionID))
}

func (s *PostgresStore) NextSequence(ctx context.Context) (int64, error) {
	var seq int64
	if err := s.db.QueryRowContext(ctx, `SELECT nextval('certificate_number_seq')`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("next certificate sequence: %w", err)
	}
	return seq, nil
}

func scan(row *sql.Row) (*models.Certificate, error) {
	var cert models.Certificate
	err := row.Scan(&cert.Number, &cert.SessionID, &cert.SessionCode, &cert.VehicleRef, &cert.CenterRef,
		&cert.IssuedAt, &cert.ValidFrom, &cert.ValidUntil, &cert.IssuedBy, &cert.DocumentURL, &cert.DocumentDigest)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan certificate: %w", err)
	}
	cert.IssuedAt = cert.IssuedAt.UTC()
	cert.ValidFrom = cert.ValidFrom.UTC()
	cert.ValidUntil = cert.ValidUntil.UTC()
	return &cert, nil
}
