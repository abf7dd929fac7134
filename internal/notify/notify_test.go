package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"atsflow/internal/ports"
	"atsflow/internal/ports/mocks"
	"atsflow/pkg/platform/circuit"
)

type fakePublisher struct {
	mu   sync.Mutex
	err  error
	keys []string
	msgs []envelope
}

func (f *fakePublisher) Publish(_ context.Context, key, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	var e envelope
	if err := json.Unmarshal(value, &e); err != nil {
		return err
	}
	f.keys = append(f.keys, string(key))
	f.msgs = append(f.msgs, e)
	return nil
}

func (f *fakePublisher) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// stalledPublisher holds every publish until released.
type stalledPublisher struct {
	started   chan struct{}
	release   chan struct{}
	published atomic.Int64
}

func (p *stalledPublisher) Publish(ctx context.Context, _, _ []byte) error {
	select {
	case p.started <- struct{}{}:
	default:
	}
	select {
	case <-p.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	p.published.Add(1)
	return nil
}

var event = ports.Event{Type: ports.EventReviewRequested, SessionID: "sid", SessionCode: "TS260314000001", Status: "pending_review"}

func TestBrokerNotifierPublishes(t *testing.T) {
	pub := &fakePublisher{}
	ctrl := gomock.NewController(t)
	fallback := mocks.NewMockNotifier(ctrl)

	n := NewBrokerNotifier(pub, fallback, nil, slog.Default())
	n.Notify(context.Background(), "role:ats_owner", event)
	n.Close()

	require.Len(t, pub.msgs, 1)
	assert.Equal(t, []string{"TS260314000001"}, pub.keys)
	assert.Equal(t, "role:ats_owner", pub.msgs[0].Recipient)
	assert.Equal(t, ports.EventReviewRequested, pub.msgs[0].Event.Type)
}

func TestBrokerNotifierFallsBackWhenCircuitOpens(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker down")}
	ctrl := gomock.NewController(t)
	fallback := mocks.NewMockNotifier(ctrl)
	breaker := circuit.New("notifications", circuit.WithFailureThreshold(2), circuit.WithSuccessThreshold(1))

	n := NewBrokerNotifier(pub, fallback, breaker, slog.Default())
	defer n.Close()

	// First failure is dropped; the second opens the circuit.
	var fellBack atomic.Int32
	fallback.EXPECT().Notify(gomock.Any(), "admin-1", event).Times(2).Do(func(context.Context, string, ports.Event) {
		fellBack.Add(1)
	})
	n.Notify(context.Background(), "admin-1", event)
	n.Notify(context.Background(), "admin-1", event)
	n.Notify(context.Background(), "admin-1", event)
	require.Eventually(t, func() bool { return fellBack.Load() == 2 }, time.Second, time.Millisecond)
	assert.True(t, breaker.IsOpen())

	pub.setErr(nil)
	n.Notify(context.Background(), "admin-1", event)
	require.Eventually(t, func() bool { return !breaker.IsOpen() }, time.Second, time.Millisecond)
	n.Close()
	assert.Len(t, pub.msgs, 1)
}

func TestBrokerNotifierDoesNotBlockOnStalledBroker(t *testing.T) {
	pub := &stalledPublisher{started: make(chan struct{}, 1), release: make(chan struct{})}
	ctrl := gomock.NewController(t)
	fallback := mocks.NewMockNotifier(ctrl)

	n := NewBrokerNotifier(pub, fallback, nil, slog.Default(), WithQueueSize(1))

	n.Notify(context.Background(), "reviewer", event)
	<-pub.started // the worker is stuck on the broker
	n.Notify(context.Background(), "approver", event)

	fallback.EXPECT().Notify(gomock.Any(), "admin", event)
	done := make(chan struct{})
	go func() {
		n.Notify(context.Background(), "admin", event)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify waited for the broker")
	}

	close(pub.release)
	n.Close()
	assert.Equal(t, int64(2), pub.published.Load(), "queued notifications are published on close")
}

func TestBrokerNotifierAfterClose(t *testing.T) {
	ctrl := gomock.NewController(t)
	fallback := mocks.NewMockNotifier(ctrl)
	n := NewBrokerNotifier(&fakePublisher{}, fallback, nil, slog.Default())
	n.Close()
	n.Close()

	fallback.EXPECT().Notify(gomock.Any(), "admin-1", event)
	n.Notify(context.Background(), "admin-1", event)
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	n := NewLogNotifier(slog.New(slog.NewJSONHandler(&buf, nil)))
	n.Notify(context.Background(), "role:rto_officer", event)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "role:rto_officer", line["recipient"])
	assert.Equal(t, "review_requested", line["type"])
}
