package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	audit "atsflow/pkg/platform/audit"
)

type InMemoryStoreSuite struct {
	suite.Suite
	store *InMemoryStore
	ctx   context.Context
}

func TestInMemoryStoreSuite(t *testing.T) {
	suite.Run(t, new(InMemoryStoreSuite))
}

func (s *InMemoryStoreSuite) SetupTest() {
	s.store = NewInMemoryStore()
	s.ctx = context.Background()
}

func record(corrID string, action audit.Action) audit.Record {
	return audit.Record{
		ID:            uuid.New(),
		Timestamp:     time.Now().UTC(),
		Actor:         "user-1",
		Action:        action,
		EntityType:    audit.EntitySession,
		EntityID:      "s-1",
		CorrelationID: corrID,
	}
}

func (s *InMemoryStoreSuite) TestAppendAssignsSeqAndChains() {
	out, err := s.store.Append(s.ctx, record("A", audit.ActionSessionCreated), record("A", audit.ActionSessionCheckedIn))
	s.Require().NoError(err)
	s.Require().Len(out, 2)
	s.Equal(int64(1), out[0].Seq)
	s.Equal(int64(2), out[1].Seq)
	s.Equal(out[0].Hash, out[1].PrevHash)

	_, err = s.store.Append(s.ctx, record("B", audit.ActionSessionCreated))
	s.Require().NoError(err)

	chainA, err := s.store.ListByCorrelation(s.ctx, "A", 0)
	s.Require().NoError(err)
	s.NoError(audit.VerifyChain(chainA))

	chainB, err := s.store.ListByCorrelation(s.ctx, "B", 0)
	s.Require().NoError(err)
	s.Require().Len(chainB, 1)
	s.Equal("", chainB[0].PrevHash, "each correlation starts its own chain")
}

func (s *InMemoryStoreSuite) TestListResumesAfterSeq() {
	for range 3 {
		_, err := s.store.Append(s.ctx, record("A", audit.ActionReadingRecorded))
		s.Require().NoError(err)
	}

	tail, err := s.store.ListByCorrelation(s.ctx, "A", 2)
	s.Require().NoError(err)
	s.Require().Len(tail, 1)
	s.Equal(int64(3), tail[0].Seq)
}

func (s *InMemoryStoreSuite) TestFailWith() {
	boom := errors.New("disk full")
	s.store.FailWith(boom)

	_, err := s.store.Append(s.ctx, record("A", audit.ActionSessionCreated))
	s.ErrorIs(err, boom)
	s.Equal(0, s.store.Count())

	s.store.FailWith(nil)
	_, err = s.store.Append(s.ctx, record("A", audit.ActionSessionCreated))
	s.NoError(err)
	s.Equal(1, s.store.Count())
}
