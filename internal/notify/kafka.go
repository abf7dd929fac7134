package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"atsflow/internal/ports"
	"atsflow/pkg/platform/circuit"
)

const (
	publishTimeout = 2 * time.Second

	// DefaultQueueSize bounds the notifications waiting for the broker.
	DefaultQueueSize = 256
)

// Publisher sends one keyed message to the broker.
type Publisher interface {
	Publish(ctx context.Context, key, value []byte) error
}

type envelope struct {
	Recipient string      `json:"recipient"`
	Event     ports.Event `json:"event"`
}

type pending struct {
	ctx       context.Context
	recipient string
	event     ports.Event
}

// BrokerNotifier publishes notifications keyed by session code, so one
// session's events stay ordered on a partition. Notify only queues; one
// worker publishes. While the circuit is open, or the queue is full,
// notifications go to the fallback instead.
type BrokerNotifier struct {
	publisher Publisher
	fallback  ports.Notifier
	breaker   *circuit.Breaker
	logger    *slog.Logger
	queue     chan pending
	wg        sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

type Option func(*BrokerNotifier)

func WithQueueSize(n int) Option {
	return func(b *BrokerNotifier) {
		if n > 0 {
			b.queue = make(chan pending, n)
		}
	}
}

// NewBrokerNotifier starts the publishing worker. Close stops it.
func NewBrokerNotifier(publisher Publisher, fallback ports.Notifier, breaker *circuit.Breaker, logger *slog.Logger, opts ...Option) *BrokerNotifier {
	if breaker == nil {
		breaker = circuit.New("notifications")
	}
	n := &BrokerNotifier{
		publisher: publisher,
		fallback:  fallback,
		breaker:   breaker,
		logger:    logger,
		queue:     make(chan pending, DefaultQueueSize),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.wg.Add(1)
	go n.run()
	return n
}

// Notify queues the notification and returns without waiting for the broker.
func (n *BrokerNotifier) Notify(ctx context.Context, recipient string, event ports.Event) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		n.fallback.Notify(ctx, recipient, event)
		return
	}
	select {
	case n.queue <- pending{ctx: context.WithoutCancel(ctx), recipient: recipient, event: event}:
	default:
		n.logger.WarnContext(ctx, "notification queue full; using fallback",
			"recipient", recipient,
			"type", string(event.Type),
			"session_code", event.SessionCode,
		)
		n.fallback.Notify(ctx, recipient, event)
	}
}

// Close publishes what is already queued and stops the worker.
func (n *BrokerNotifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	close(n.queue)
	n.mu.Unlock()
	n.wg.Wait()
}

func (n *BrokerNotifier) run() {
	defer n.wg.Done()
	for p := range n.queue {
		n.publish(p.ctx, p.recipient, p.event)
	}
}

func (n *BrokerNotifier) publish(ctx context.Context, recipient string, event ports.Event) {
	payload, err := json.Marshal(envelope{Recipient: recipient, Event: event})
	if err != nil {
		n.logger.ErrorContext(ctx, "encode notification", "error", err)
		return
	}

	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := n.publisher.Publish(pubCtx, []byte(event.SessionCode), payload); err != nil {
		useFallback, change := n.breaker.RecordFailure()
		if change.Opened {
			n.logger.WarnContext(ctx, "notification circuit opened", "breaker", n.breaker.Name(), "error", err)
		}
		if useFallback {
			n.fallback.Notify(ctx, recipient, event)
			return
		}
		n.logger.WarnContext(ctx, "notification dropped",
			"recipient", recipient,
			"type", string(event.Type),
			"session_code", event.SessionCode,
			"error", err,
		)
		return
	}
	if _, change := n.breaker.RecordSuccess(); change.Closed {
		n.logger.InfoContext(ctx, "notification circuit closed", "breaker", n.breaker.Name())
	}
}
