package domain

import (
	"strings"

	"github.com/google/uuid"

	dErrors "atsflow/pkg/domain-errors"
)

// SessionID identifies a test session. It is a distinct type so a session ID
// can never be passed where another identifier is expected.
type SessionID uuid.UUID

// NewSessionID returns a random session ID.
func NewSessionID() SessionID {
	return SessionID(uuid.New())
}

// ParseSessionID validates s at a trust boundary.
// Invariant: the result is a well-formed, non-nil UUID.
func ParseSessionID(s string) (SessionID, error) {
	if strings.TrimSpace(s) == "" {
		return SessionID{}, dErrors.New(dErrors.CodeInvalidInput, "session id is required")
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return SessionID{}, dErrors.New(dErrors.CodeInvalidInput, "session id must be a UUID")
	}
	if u == uuid.Nil {
		return SessionID{}, dErrors.New(dErrors.CodeInvalidInput, "session id must not be nil")
	}
	return SessionID(u), nil
}

func (id SessionID) String() string {
	return uuid.UUID(id).String()
}

// IsNil reports whether the ID is the zero UUID.
func (id SessionID) IsNil() bool {
	return uuid.UUID(id) == uuid.Nil
}

func (id SessionID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *SessionID) UnmarshalText(b []byte) error {
	u, err := uuid.ParseBytes(b)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInvalidInput, "session id must be a UUID")
	}
	*id = SessionID(u)
	return nil
}
