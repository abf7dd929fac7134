//go:build integration

package postgres_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/suite"

	"atsflow/internal/platform/postgres"
	audit "atsflow/pkg/platform/audit"
	"atsflow/pkg/platform/audit/publishers/compliance"
	auditpostgres "atsflow/pkg/platform/audit/store/postgres"
	"atsflow/pkg/testutil/containers"
)

type StoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *auditpostgres.Store
	recorder *compliance.Publisher
	ctx      context.Context
}

func TestStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(StoreSuite))
}

func (s *StoreSuite) SetupSuite() {
	s.postgres = containers.GetManager().GetPostgres(s.T())
	s.store = auditpostgres.New(s.postgres.DB)
	s.recorder = compliance.New(s.store)
	s.ctx = context.Background()
}

func (s *StoreSuite) SetupTest() {
	s.Require().NoError(s.postgres.TruncateTables(s.ctx, "audit_records", "outbox"))
}

func entry(action audit.Action, before, after any) audit.Entry {
	return audit.Entry{
		Actor:         "tester-1",
		ActorRole:     "ats_center_testing",
		Action:        action,
		EntityType:    audit.EntitySession,
		EntityID:      "s1",
		CorrelationID: "TS260314000001",
		Before:        before,
		After:         after,
	}
}

func (s *StoreSuite) TestChainSurvivesRoundTrip() {
	type snapshot struct {
		Status  string   `json:"status"`
		Version int      `json:"version"`
		Tests   []string `json:"required_tests"`
	}
	_, err := s.recorder.Record(s.ctx,
		entry(audit.ActionSessionCreated, nil, snapshot{Status: "scheduled", Version: 1, Tests: []string{"speed"}}),
		entry(audit.ActionSessionCheckedIn, snapshot{Status: "scheduled", Version: 1}, snapshot{Status: "checked_in", Version: 2}),
	)
	s.Require().NoError(err)

	records, err := s.store.ListByCorrelation(s.ctx, "TS260314000001", 0)
	s.Require().NoError(err)
	s.Require().Len(records, 2)
	s.NoError(audit.VerifyChain(records))
	s.Less(records[0].Seq, records[1].Seq)

	tail, err := s.store.ListByCorrelation(s.ctx, "TS260314000001", records[0].Seq)
	s.Require().NoError(err)
	s.Require().Len(tail, 1)
	s.Equal(audit.ActionSessionCheckedIn, tail[0].Action)
}

func (s *StoreSuite) TestEveryRecordGetsAnOutboxRow() {
	_, err := s.recorder.Record(s.ctx,
		entry(audit.ActionSessionCreated, nil, map[string]string{"status": "scheduled"}),
		entry(audit.ActionSessionCancelled, nil, map[string]string{"status": "cancelled"}),
	)
	s.Require().NoError(err)

	var n int
	err = s.postgres.DB.QueryRowContext(s.ctx,
		`SELECT count(*) FROM outbox WHERE aggregate_id = $1 AND published_at IS NULL`, "TS260314000001").Scan(&n)
	s.Require().NoError(err)
	s.Equal(2, n)
}

func (s *StoreSuite) TestRollbackDropsRecordsAndOutbox() {
	runner := postgres.NewRunner(s.postgres.DB, 0)
	err := runner.RunInTx(s.ctx, func(ctx context.Context) error {
		if _, err := s.recorder.Record(ctx, entry(audit.ActionSessionCreated, nil, nil)); err != nil {
			return err
		}
		return context.Canceled
	})
	s.Require().ErrorIs(err, context.Canceled)

	records, err := s.store.ListByCorrelation(s.ctx, "TS260314000001", 0)
	s.Require().NoError(err)
	s.Empty(records)
	var n int
	s.Require().NoError(s.postgres.DB.QueryRowContext(s.ctx, `SELECT count(*) FROM outbox`).Scan(&n))
	s.Zero(n)
}

func (s *StoreSuite) TestConcurrentWritersKeepOneChain() {
	const writers = 10
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.recorder.Record(s.ctx, entry(audit.ActionReadingRecorded, nil, map[string]int{"n": 1}))
			s.NoError(err)
		}()
	}
	wg.Wait()

	records, err := s.store.ListByCorrelation(s.ctx, "TS260314000001", 0)
	s.Require().NoError(err)
	s.Len(records, writers)
	s.NoError(audit.VerifyChain(records))
}
