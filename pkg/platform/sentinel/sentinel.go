package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores and adapters return these
// (optionally wrapped) so services can translate them into domain errors.
//
//   - ErrNotFound: session, certificate or blob does not exist
//   - ErrConflict: unique key or optimistic version already taken
//   - ErrInvalidState: stored entity is in the wrong state for the write
//   - ErrUnavailable: backing service temporarily unavailable
//   - ErrClosed: component already shut down
//
// For validation errors (bad input, missing fields), use pkg/domain-errors directly.
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalidState = errors.New("invalid state")
	ErrUnavailable  = errors.New("unavailable")
	ErrClosed       = errors.New("closed")
)
