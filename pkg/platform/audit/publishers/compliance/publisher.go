// Package compliance provides the fail-closed audit recorder.
//
// Every state change of a test session is recorded here before the change is
// persisted. Writes are synchronous: if the ledger write fails the caller gets
// an audit_write_failed error and MUST abandon its operation.
package compliance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	dErrors "atsflow/pkg/domain-errors"
	audit "atsflow/pkg/platform/audit"
	"atsflow/pkg/requestcontext"
)

// Publisher turns entries into ledger records and appends them.
type Publisher struct {
	store   audit.Store
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time
}

// Option configures the Publisher.
type Option func(*Publisher)

// WithLogger sets a logger for error reporting.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *Metrics) Option {
	return func(p *Publisher) {
		p.metrics = m
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(p *Publisher) {
		p.now = now
	}
}

// New creates a compliance publisher over store.
func New(store audit.Store, opts ...Option) *Publisher {
	p := &Publisher{
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Record synchronously appends one record per entry, in order. Request
// metadata (request ID, client label) is taken from ctx.
func (p *Publisher) Record(ctx context.Context, entries ...audit.Entry) ([]audit.Record, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	start := time.Now()

	// Postgres keeps microseconds; truncating here keeps hashes verifiable
	// after a round trip.
	ts := p.now().UTC().Truncate(time.Microsecond)
	records := make([]audit.Record, 0, len(entries))
	for _, e := range entries {
		if e.Action == "" || e.EntityID == "" || e.CorrelationID == "" {
			return nil, dErrors.New(dErrors.CodeAuditWrite, "audit entry requires action, entity and correlation id")
		}
		before, err := snapshot(e.Before)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeAuditWrite, "encode audit before-state")
		}
		after, err := snapshot(e.After)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeAuditWrite, "encode audit after-state")
		}
		records = append(records, audit.Record{
			ID:            uuid.New(),
			Timestamp:     ts,
			Actor:         e.Actor,
			ActorRole:     e.ActorRole,
			Action:        e.Action,
			EntityType:    e.EntityType,
			EntityID:      e.EntityID,
			CorrelationID: e.CorrelationID,
			Before:        before,
			After:         after,
			RequestID:     requestcontext.RequestID(ctx),
			Client:        requestcontext.Client(ctx),
		})
	}

	stored, err := p.store.Append(ctx, records...)
	if err != nil {
		p.metrics.IncPersistFailures()
		p.logger.ErrorContext(ctx, "CRITICAL: compliance audit failed",
			"actions", actions(entries),
			"correlation_id", entries[0].CorrelationID,
			"error", err,
		)
		return nil, dErrors.Wrap(err, dErrors.CodeAuditWrite, "audit record could not be persisted")
	}

	p.metrics.ObservePersistDuration(time.Since(start).Seconds())
	p.metrics.AddEventsEmitted(len(stored))
	return stored, nil
}

// List returns the chain for correlationID after afterSeq.
func (p *Publisher) List(ctx context.Context, correlationID string, afterSeq int64) ([]audit.Record, error) {
	records, err := p.store.ListByCorrelation(ctx, correlationID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	return records, nil
}

func snapshot(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}

func actions(entries []audit.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = string(e.Action)
	}
	return out
}
