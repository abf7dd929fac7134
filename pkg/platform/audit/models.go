package audit

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// Action names what happened to the audited entity.
type Action string

const (
	ActionSessionCreated      Action = "session_created"
	ActionSessionCheckedIn    Action = "session_checked_in"
	ActionStatusChanged       Action = "status_changed"
	ActionReadingRecorded     Action = "reading_recorded"
	ActionSubResultTimedOut   Action = "sub_result_timed_out"
	ActionSubResultRetried    Action = "sub_result_retried"
	ActionSubResultResolved   Action = "sub_result_resolved"
	ActionEquipmentFailure    Action = "equipment_failure"
	ActionApprovalRecorded    Action = "approval_recorded"
	ActionCertificateIssued   Action = "certificate_issued"
	ActionSessionCancelled    Action = "session_cancelled"
	ActionRetestScheduled     Action = "retest_scheduled"
	ActionRetestBudgetSpent   Action = "retest_budget_exhausted"
	ActionSessionDefectReject Action = "session_rejected_defect"
)

// EntityType is the kind of entity an audit record describes.
type EntityType string

const (
	EntitySession     EntityType = "test_session"
	EntitySubResult   EntityType = "sub_result"
	EntityApproval    EntityType = "approval"
	EntityCertificate EntityType = "certificate"
)

// Entry is what callers hand to the recorder. Before and After are marshalled
// to JSON snapshots.
type Entry struct {
	Actor         string
	ActorRole     string
	Action        Action
	EntityType    EntityType
	EntityID      string
	CorrelationID string
	Before        any
	After         any
}

// Record is one immutable line of the audit ledger. Records sharing a
// CorrelationID (the session code) form a hash chain: Hash covers the record
// content and PrevHash, so any edit or deletion breaks verification.
type Record struct {
	ID            uuid.UUID       `json:"id"`
	Seq           int64           `json:"seq"`
	Timestamp     time.Time       `json:"timestamp"`
	Actor         string          `json:"actor"`
	ActorRole     string          `json:"actor_role"`
	Action        Action          `json:"action"`
	EntityType    EntityType      `json:"entity_type"`
	EntityID      string          `json:"entity_id"`
	CorrelationID string          `json:"correlation_id"`
	Before        json.RawMessage `json:"before,omitempty"`
	After         json.RawMessage `json:"after,omitempty"`
	RequestID     string          `json:"request_id,omitempty"`
	Client        string          `json:"client,omitempty"`
	PrevHash      string          `json:"prev_hash"`
	Hash          string          `json:"hash"`
}

// Store is the durable, append-only audit ledger.
//
// Append assigns Seq, PrevHash and Hash and returns the stored records. It
// joins the unit of work carried by ctx when the store supports one.
// ListByCorrelation returns records with Seq > afterSeq in ascending order,
// so a reader can resume from the last Seq it saw.
type Store interface {
	Append(ctx context.Context, records ...Record) ([]Record, error)
	ListByCorrelation(ctx context.Context, correlationID string, afterSeq int64) ([]Record, error)
}

// hashedFields is the canonical content covered by Record.Hash. Seq is
// excluded because some stores assign it on insert.
type hashedFields struct {
	ID            string          `json:"id"`
	Timestamp     string          `json:"ts"`
	Actor         string          `json:"actor"`
	ActorRole     string          `json:"role"`
	Action        Action          `json:"action"`
	EntityType    EntityType      `json:"entity_type"`
	EntityID      string          `json:"entity_id"`
	CorrelationID string          `json:"correlation_id"`
	Before        json.RawMessage `json:"before,omitempty"`
	After         json.RawMessage `json:"after,omitempty"`
	RequestID     string          `json:"request_id,omitempty"`
	Client        string          `json:"client,omitempty"`
	PrevHash      string          `json:"prev"`
}

// ComputeHash returns the chain hash of r given the previous record's hash.
func ComputeHash(prevHash string, r Record) (string, error) {
	payload, err := json.Marshal(hashedFields{
		ID:            r.ID.String(),
		Timestamp:     r.Timestamp.UTC().Format(time.RFC3339Nano),
		Actor:         r.Actor,
		ActorRole:     r.ActorRole,
		Action:        r.Action,
		EntityType:    r.EntityType,
		EntityID:      r.EntityID,
		CorrelationID: r.CorrelationID,
		Before:        r.Before,
		After:         r.After,
		RequestID:     r.RequestID,
		Client:        r.Client,
		PrevHash:      prevHash,
	})
	if err != nil {
		return "", fmt.Errorf("marshal audit record for hashing: %w", err)
	}
	sum := blake2b.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

// Seal fills PrevHash and Hash for records appended after prevHash, in order.
func Seal(prevHash string, records []Record) error {
	for i := range records {
		h, err := ComputeHash(prevHash, records[i])
		if err != nil {
			return err
		}
		records[i].PrevHash = prevHash
		records[i].Hash = h
		prevHash = h
	}
	return nil
}

// ErrChainBroken is returned by VerifyChain when a record does not match its hash.
var ErrChainBroken = errors.New("audit chain broken")

// VerifyChain checks that records (one correlation, ascending Seq, starting at
// the first record) form an unbroken chain.
func VerifyChain(records []Record) error {
	prev := ""
	for _, r := range records {
		if r.PrevHash != prev {
			return fmt.Errorf("%w: record %s links to %q, expected %q", ErrChainBroken, r.ID, r.PrevHash, prev)
		}
		h, err := ComputeHash(prev, r)
		if err != nil {
			return err
		}
		if h != r.Hash {
			return fmt.Errorf("%w: record %s content does not match hash", ErrChainBroken, r.ID)
		}
		prev = r.Hash
	}
	return nil
}
