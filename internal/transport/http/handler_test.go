package httptransport

import (
	"context"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atsflow/internal/ingestion"
	"atsflow/internal/session/models"
	"atsflow/internal/session/service"
	"atsflow/pkg/domain"
	"atsflow/pkg/testutil"
)

// recordingService captures what the handler passes through.
type recordingService struct {
	Service
	actor   domain.Actor
	created service.CreateRequest
	msg     ingestion.Message
}

func (r *recordingService) CreateSession(_ context.Context, actor domain.Actor, req service.CreateRequest) (*models.TestSession, error) {
	r.actor, r.created = actor, req
	return &models.TestSession{ID: domain.NewSessionID(), Code: "TS260314000001", Status: models.StatusScheduled}, nil
}

func (r *recordingService) SubmitManualReading(_ context.Context, actor domain.Actor, msg ingestion.Message) (ingestion.Ack, error) {
	r.actor, r.msg = actor, msg
	return ingestion.Ack{Status: ingestion.AckAccepted}, nil
}

func sessionRoutes(svc Service) http.Handler {
	r := chi.NewRouter()
	NewHandler(svc, slog.Default()).RegisterSessions(r)
	return r
}

func TestHandlerPassesActorThrough(t *testing.T) {
	testutil.Given(t, "an admin on the request context", func(t *testing.T) {
		svc := &recordingService{}
		routes := sessionRoutes(svc)

		testutil.When(t, "a session is created", func(t *testing.T) {
			req := testutil.NewJSONRequest(t, http.MethodPost, "/sessions", map[string]any{
				"vehicle_ref":    " KA01AB1234 ",
				"center_ref":     "ATS-BLR-01",
				"required_tests": []string{"speed", "brake"},
			})
			req = testutil.WithActor(req, "admin-1", domain.RoleATSCenterAdmin)
			rr := testutil.DoRequest(routes, req)
			testutil.AssertStatus(t, rr, http.StatusCreated)

			testutil.Then(t, "the service sees the actor and the parsed request", func(t *testing.T) {
				assert.Equal(t, domain.Actor{ID: "admin-1", Role: domain.RoleATSCenterAdmin}, svc.actor)
				assert.Equal(t, "KA01AB1234", svc.created.VehicleRef)
				assert.Equal(t, []models.TestType{models.TestSpeed, models.TestBrake}, svc.created.RequiredTests)
			})
		})
	})
}

func TestManualReadingDefaultsToRequestTime(t *testing.T) {
	testutil.Given(t, "a tester and a pinned request clock", func(t *testing.T) {
		svc := &recordingService{}
		routes := sessionRoutes(svc)
		now := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
		id := domain.NewSessionID()

		testutil.When(t, "a reading arrives without a timestamp", func(t *testing.T) {
			req := testutil.NewRequestWithBody(t, http.MethodPost, "/sessions/"+id.String()+"/tests/visual/readings",
				`{"readings":{"number_plate":"pass"}}`)
			req = testutil.WithRequestTime(testutil.WithActor(req, "tester-1", domain.RoleATSCenterTesting), now)
			rr := testutil.DoRequest(routes, req)
			testutil.AssertStatusOK(t, rr)

			testutil.Then(t, "the message carries the request time", func(t *testing.T) {
				require.Equal(t, id, svc.msg.SessionID)
				assert.Equal(t, models.TestVisual, svc.msg.TestType)
				assert.True(t, now.Equal(svc.msg.Timestamp))
				assert.Equal(t, "tester-1", svc.actor.ID)
			})
		})
	})
}
