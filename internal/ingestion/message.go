package ingestion

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"atsflow/internal/session/models"
	"atsflow/pkg/domain"
	dErrors "atsflow/pkg/domain-errors"
)

// Message is one equipment transmission for a (session, test type) channel.
//
// Readings holds one reading in the test type's schema. Aggregating test
// types (noise, axle) may also send a JSON array of readings, and mark the
// last message of the sequence with Final.
type Message struct {
	SessionID   domain.SessionID `json:"session_id"`
	TestType    models.TestType  `json:"test_type"`
	EquipmentID string           `json:"equipment_id"`
	Timestamp   time.Time        `json:"timestamp"`
	Readings    json.RawMessage  `json:"readings,omitempty"`
	Final       bool             `json:"final,omitempty"`
	// FaultCode reports an equipment malfunction instead of a measurement.
	FaultCode string `json:"fault_code,omitempty"`
	// Images are base64-encoded attachments.
	Images   []string `json:"images,omitempty"`
	Operator string   `json:"operator,omitempty"`
}

// AckStatus tells equipment what became of a message.
type AckStatus string

const (
	// AckAccepted: the reading was committed and decided the sub-result.
	AckAccepted AckStatus = "accepted"
	// AckPending: the reading was committed to an aggregating sequence that
	// has not been closed yet.
	AckPending AckStatus = "pending"
	// AckDuplicate: the same equipment already sent this timestamp.
	AckDuplicate AckStatus = "duplicate"
	// AckSuperseded: a later reading for the same test replaced this one.
	AckSuperseded AckStatus = "superseded"
)

// Ack is the positive acknowledgement returned to equipment.
type Ack struct {
	Status    AckStatus         `json:"status"`
	SubResult *models.SubResult `json:"sub_result,omitempty"`
}

func (m *Message) validate() error {
	m.EquipmentID = strings.TrimSpace(m.EquipmentID)
	switch {
	case m.SessionID.IsNil():
		return dErrors.New(dErrors.CodeInvalidInput, "session_id is required")
	case !m.TestType.IsValid():
		return dErrors.Newf(dErrors.CodeInvalidInput, "unknown test type %q", m.TestType)
	case m.EquipmentID == "":
		return dErrors.New(dErrors.CodeInvalidInput, "equipment_id is required")
	case m.Timestamp.IsZero():
		return dErrors.New(dErrors.CodeInvalidInput, "timestamp is required")
	case m.FaultCode == "" && len(m.Readings) == 0:
		return dErrors.New(dErrors.CodeInvalidInput, "readings or fault_code is required")
	}
	return nil
}

// dedupeKey identifies a transmission: the same equipment never sends two
// different readings for one test with the same timestamp.
func (m *Message) dedupeKey() string {
	return fmt.Sprintf("%s:%s:%s:%d", m.SessionID, m.TestType, m.EquipmentID, m.Timestamp.UnixNano())
}

// split returns the individual readings of an aggregating message.
func (m *Message) split() []json.RawMessage {
	trimmed := strings.TrimSpace(string(m.Readings))
	if strings.HasPrefix(trimmed, "[") {
		var many []json.RawMessage
		if err := json.Unmarshal(m.Readings, &many); err == nil {
			return many
		}
	}
	return []json.RawMessage{m.Readings}
}
