package certificate

import (
	"encoding/hex"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/blake2b"

	"atsflow/internal/session/models"
)

func TestRenderGolden(t *testing.T) {
	r, err := NewRenderer()
	require.NoError(t, err)

	session := &models.TestSession{
		SubResults: []models.SubResult{
			{TestType: models.TestVisual, Status: models.SubResultPass},
			{TestType: models.TestSpeed, Status: models.SubResultPass, EquipmentID: "dyno-7"},
			{TestType: models.TestBrake, Status: models.SubResultPass, EquipmentID: "roller-2"},
		},
		Participants: models.Participants{TestedBy: "tester-1", ReviewedBy: "owner-1", ApprovedBy: "rto-1"},
	}
	cert := &models.Certificate{
		Number:      "FC-TS260314000001-0001",
		SessionCode: "TS260314000001",
		VehicleRef:  "KA01AB1234",
		CenterRef:   "center-1",
		IssuedAt:    time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC),
		ValidFrom:   time.Date(2026, 3, 14, 9, 45, 0, 0, time.UTC),
		ValidUntil:  time.Date(2027, 3, 14, 9, 45, 0, 0, time.UTC),
		IssuedBy:    "rto-1",
	}

	doc, digest, err := r.Render(session, cert)
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "certificate", doc)

	sum := blake2b.Sum256(doc)
	assert.Equal(t, hex.EncodeToString(sum[:]), digest)
}
