//go:build integration

package worker_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"github.com/twmb/franz-go/pkg/kgo"

	"atsflow/internal/platform/kafka"
	audit "atsflow/pkg/platform/audit"
	"atsflow/pkg/platform/audit/publishers/compliance"
	auditpostgres "atsflow/pkg/platform/audit/store/postgres"
	"atsflow/pkg/platform/audit/worker"
	"atsflow/pkg/testutil/containers"
)

const topic = "atsflow.audit.test"

type RelaySuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	brokers  []string
	client   *kgo.Client
	recorder *compliance.Publisher
	relay    *worker.Relay
	ctx      context.Context
}

func TestRelaySuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RelaySuite))
}

func (s *RelaySuite) SetupSuite() {
	s.ctx = context.Background()
	mgr := containers.GetManager()
	s.postgres = mgr.GetPostgres(s.T())
	s.brokers = mgr.GetRedpanda(s.T()).Brokers

	client, err := kafka.NewClient(s.ctx, s.brokers, "relay-test")
	s.Require().NoError(err)
	s.client = client
	s.Require().NoError(kafka.EnsureTopics(s.ctx, client, 1, 1, topic))

	s.recorder = compliance.New(auditpostgres.New(s.postgres.DB))
	s.relay = worker.NewRelay(s.postgres.DB, kafka.NewProducer(client, topic), worker.WithBatchSize(10))
}

func (s *RelaySuite) TearDownSuite() {
	if s.client != nil {
		s.client.Close()
	}
}

func (s *RelaySuite) SetupTest() {
	s.Require().NoError(s.postgres.TruncateTables(s.ctx, "audit_records", "outbox"))
}

func (s *RelaySuite) TestPublishesPendingRowsOnce() {
	_, err := s.recorder.Record(s.ctx,
		audit.Entry{Actor: "admin-1", Action: audit.ActionSessionCreated, EntityType: audit.EntitySession,
			EntityID: "s1", CorrelationID: "TS260314000001"},
		audit.Entry{Actor: "tester-1", Action: audit.ActionSessionCheckedIn, EntityType: audit.EntitySession,
			EntityID: "s1", CorrelationID: "TS260314000001"},
	)
	s.Require().NoError(err)

	n, err := s.relay.RelayOnce(s.ctx)
	s.Require().NoError(err)
	s.Equal(2, n)

	n, err = s.relay.RelayOnce(s.ctx)
	s.Require().NoError(err)
	s.Zero(n, "published rows must not be sent again")

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(s.brokers...),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	s.Require().NoError(err)
	defer consumer.Close()

	ctx, cancel := context.WithTimeout(s.ctx, 15*time.Second)
	defer cancel()
	var got []audit.Record
	for len(got) < 2 {
		fetches := consumer.PollFetches(ctx)
		s.Require().NoError(ctx.Err(), "timed out waiting for relayed records")
		fetches.EachRecord(func(r *kgo.Record) {
			var rec audit.Record
			s.Require().NoError(json.Unmarshal(r.Value, &rec))
			s.Equal("TS260314000001", string(r.Key))
			got = append(got, rec)
		})
	}
	s.Equal(audit.ActionSessionCreated, got[0].Action)
	s.Equal(audit.ActionSessionCheckedIn, got[1].Action)
}
