// Package ingestion is the equipment ingestion gateway.
//
// Each (session, test type) pair gets its own channel: a bounded ring buffer
// drained by one worker goroutine. The worker validates what it drains and
// commits it through the session state machine, which serializes commits
// from every channel of a session. A channel closes once its sub-result is
// decided, when the equipment stalls past the timeout, or when the session
// is closed.
package ingestion

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"atsflow/internal/ports"
	"atsflow/internal/session/models"
	"atsflow/internal/session/service"
	"atsflow/internal/validator"
	"atsflow/pkg/domain"
	dErrors "atsflow/pkg/domain-errors"
)

const (
	DefaultTimeout         = 60 * time.Second
	DefaultMaxFaultRetries = 3
)

// ErrClosed is returned once the gateway has shut down.
var ErrClosed = dErrors.New(dErrors.CodeUnavailable, "ingestion gateway is closed")

// Committer applies gateway output to session state.
type Committer interface {
	CommitReading(ctx context.Context, c service.ReadingCommit) (*service.Result, error)
	MarkInconclusive(ctx context.Context, id domain.SessionID, t models.TestType, reason string) (*service.Result, error)
	FailForEquipment(ctx context.Context, id domain.SessionID, t models.TestType, equipmentID, reason string) (*service.Result, error)
}

type channelKey struct {
	session  domain.SessionID
	testType models.TestType
}

type request struct {
	ctx   context.Context
	msg   Message
	reply chan reply
}

type reply struct {
	ack Ack
	err error
}

func newRequest(ctx context.Context, msg Message) *request {
	return &request{ctx: context.WithoutCancel(ctx), msg: msg, reply: make(chan reply, 1)}
}

type timedReading struct {
	at  time.Time
	raw json.RawMessage
}

type channel struct {
	key      channelKey
	buf      *RingBuffer[*request]
	signal   chan struct{}
	stop     chan struct{}
	stopOnce sync.Once

	// Owned by the worker goroutine.
	sequence  []timedReading
	faults    int
	committed map[string]struct{}
}

func (c *channel) wake() {
	select {
	case c.signal <- struct{}{}:
	default:
	}
}

func (c *channel) halt() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Gateway routes equipment messages to per-test channels.
type Gateway struct {
	committer  Committer
	validator  *validator.Validator
	blobs      ports.BlobStore
	dedupe     DedupeStore
	logger     *slog.Logger
	metrics    *Metrics
	timeout    time.Duration
	bufferSize int
	maxFaults  int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	channels map[channelKey]*channel
	closed   bool
}

type Option func(*Gateway)

func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

func WithMetrics(m *Metrics) Option {
	return func(g *Gateway) {
		g.metrics = m
	}
}

// WithDedupe replaces the in-process dedupe store.
func WithDedupe(d DedupeStore) Option {
	return func(g *Gateway) {
		g.dedupe = d
	}
}

// WithBlobStore enables image attachments.
func WithBlobStore(b ports.BlobStore) Option {
	return func(g *Gateway) {
		g.blobs = b
	}
}

// WithTimeout sets how long an open channel may stay silent.
func WithTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.timeout = d
		}
	}
}

func WithBufferSize(n int) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.bufferSize = n
		}
	}
}

// WithMaxFaultRetries sets how many fault reports a channel tolerates before
// the test is failed for equipment reasons.
func WithMaxFaultRetries(n int) Option {
	return func(g *Gateway) {
		if n >= 0 {
			g.maxFaults = n
		}
	}
}

func New(committer Committer, v *validator.Validator, opts ...Option) *Gateway {
	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		committer:  committer,
		validator:  v,
		dedupe:     NewMemoryDedupe(DefaultDedupeTTL),
		logger:     slog.Default(),
		timeout:    DefaultTimeout,
		bufferSize: DefaultBufferSize,
		maxFaults:  DefaultMaxFaultRetries,
		ctx:        ctx,
		cancel:     cancel,
		channels:   make(map[channelKey]*channel),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Submit hands msg to its channel and waits for the acknowledgement. A
// negative acknowledgement is an error: the equipment is expected to resend
// on backpressure and fault codes.
func (g *Gateway) Submit(ctx context.Context, msg Message) (Ack, error) {
	if err := msg.validate(); err != nil {
		return Ack{}, err
	}
	seen, err := g.dedupe.Seen(ctx, msg.dedupeKey())
	if err != nil {
		g.logger.WarnContext(ctx, "dedupe lookup failed; processing reading",
			"session_id", msg.SessionID.String(),
			"test_type", string(msg.TestType),
			"error", err,
		)
	} else if seen {
		g.metrics.IncMessage(string(msg.TestType), string(AckDuplicate))
		return Ack{Status: AckDuplicate}, nil
	}

	req := newRequest(ctx, msg)
	if err := g.enqueue(req); err != nil {
		return Ack{}, err
	}
	select {
	case r := <-req.reply:
		return r.ack, r.err
	case <-ctx.Done():
		return Ack{}, dErrors.Wrap(ctx.Err(), dErrors.CodeTimeout, "waiting for reading acknowledgement")
	}
}

// StartTest opens the channel for a test and arms its stall timer. Readings
// for a test that was not started open the channel implicitly.
func (g *Gateway) StartTest(_ context.Context, id domain.SessionID, t models.TestType) error {
	if !t.IsValid() {
		return dErrors.Newf(dErrors.CodeInvalidInput, "unknown test type %q", t)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	_, err := g.openLocked(channelKey{session: id, testType: t})
	return err
}

// CloseSession stops every channel of a session. Buffered readings are
// rejected.
func (g *Gateway) CloseSession(id domain.SessionID) {
	g.mu.Lock()
	var stopping []*channel
	for key, ch := range g.channels {
		if key.session == id {
			delete(g.channels, key)
			stopping = append(stopping, ch)
		}
	}
	g.mu.Unlock()
	for _, ch := range stopping {
		ch.halt()
	}
}

// Close stops all channels and waits for in-flight commits to finish.
func (g *Gateway) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	g.mu.Unlock()
	g.cancel()
	g.wg.Wait()
}

func (g *Gateway) enqueue(req *request) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, err := g.openLocked(channelKey{session: req.msg.SessionID, testType: req.msg.TestType})
	if err != nil {
		return err
	}
	if evicted, ok := ch.buf.Enqueue(req); ok {
		g.metrics.IncDropped(string(ch.key.testType))
		g.logger.WarnContext(evicted.ctx, "channel buffer full; dropped oldest reading",
			"session_id", ch.key.session.String(),
			"test_type", string(ch.key.testType),
			"equipment_id", evicted.msg.EquipmentID,
			"timestamp", evicted.msg.Timestamp,
		)
		g.respond(evicted, Ack{}, dErrors.New(dErrors.CodeBackpressure, "reading dropped under backpressure; resend"))
	}
	ch.wake()
	return nil
}

func (g *Gateway) openLocked(key channelKey) (*channel, error) {
	if g.closed {
		return nil, ErrClosed
	}
	if ch, ok := g.channels[key]; ok {
		return ch, nil
	}
	ch := g.newChannel(key)
	g.channels[key] = ch
	g.metrics.ChannelOpened()
	g.wg.Add(1)
	go g.run(ch)
	return ch, nil
}

func (g *Gateway) newChannel(key channelKey) *channel {
	return &channel{
		key:       key,
		buf:       NewRingBuffer[*request](g.bufferSize),
		signal:    make(chan struct{}, 1),
		stop:      make(chan struct{}),
		committed: make(map[string]struct{}),
	}
}

func (g *Gateway) run(ch *channel) {
	defer g.wg.Done()
	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	closing := dErrors.Newf(dErrors.CodeConflict, "%s channel closed; the test was decided or stopped", ch.key.testType)
	defer func() { g.retire(ch, closing) }()

	for {
		select {
		case <-g.ctx.Done():
			closing = ErrClosed
			return
		case <-ch.stop:
			return
		case <-timer.C:
			g.timedOut(ch)
			closing = dErrors.Newf(dErrors.CodeEquipmentTimeout,
				"%s channel timed out; retry the test before resending", ch.key.testType)
			return
		case <-ch.signal:
			batch := ch.buf.DequeueBatch(0)
			if len(batch) == 0 {
				continue
			}
			timer.Reset(g.timeout)
			if g.handle(ch, batch) {
				return
			}
		}
	}
}

// retire unregisters a finished channel and rejects whatever it still holds.
func (g *Gateway) retire(ch *channel, err error) {
	g.mu.Lock()
	if g.channels[ch.key] == ch {
		delete(g.channels, ch.key)
	}
	g.mu.Unlock()
	g.metrics.ChannelClosed()
	for _, req := range ch.buf.DequeueBatch(0) {
		g.respond(req, Ack{}, err)
	}
}

// handle processes one drained batch in arrival order. It reports whether
// the channel is finished.
//
// A resend can pass the dedupe store while its first copy is still being
// committed, so the batch is also checked against what the channel already
// committed.
func (g *Gateway) handle(ch *channel, batch []*request) bool {
	var readings, faults []*request
	seen := make(map[string]struct{}, len(batch))
	for _, req := range batch {
		key := req.msg.dedupeKey()
		_, done := ch.committed[key]
		if _, dup := seen[key]; dup || done {
			g.respond(req, Ack{Status: AckDuplicate}, nil)
			continue
		}
		seen[key] = struct{}{}
		if req.msg.FaultCode != "" {
			faults = append(faults, req)
		} else {
			readings = append(readings, req)
		}
	}

	for i, req := range faults {
		if g.fault(ch, req) {
			failed := dErrors.Newf(dErrors.CodeEquipmentFault, "%s failed for equipment reasons", ch.key.testType)
			for _, rest := range append(faults[i+1:], readings...) {
				g.respond(rest, Ack{}, failed)
			}
			return true
		}
	}
	if len(readings) == 0 {
		return false
	}
	if ch.key.testType.Aggregates() {
		return g.aggregate(ch, readings)
	}
	return g.latest(ch, readings)
}

// latest commits the newest reading of the batch; the rest are superseded.
func (g *Gateway) latest(ch *channel, reqs []*request) bool {
	chosen := reqs[0]
	for _, r := range reqs[1:] {
		if r.msg.Timestamp.After(chosen.msg.Timestamp) {
			chosen = r
		}
	}
	rest := slices.DeleteFunc(slices.Clone(reqs), func(r *request) bool { return r == chosen })

	images, err := g.storeImages(chosen)
	if err != nil {
		g.respond(chosen, Ack{}, err)
		if len(rest) == 0 {
			return false
		}
		return g.latest(ch, rest)
	}

	readings := []json.RawMessage{chosen.msg.Readings}
	outcome := g.validator.Validate(ch.key.testType, readings)
	if outcome.Malformed {
		g.logger.WarnContext(chosen.ctx, "malformed reading recorded as fail",
			"session_id", ch.key.session.String(),
			"test_type", string(ch.key.testType),
			"equipment_id", chosen.msg.EquipmentID,
			"notes", outcome.Notes,
		)
	}
	res, err := g.committer.CommitReading(chosen.ctx, service.ReadingCommit{
		SessionID:   ch.key.session,
		TestType:    ch.key.testType,
		EquipmentID: chosen.msg.EquipmentID,
		Operator:    chosen.msg.Operator,
		CapturedAt:  chosen.msg.Timestamp,
		Readings:    readings,
		Images:      images,
		Outcome:     &outcome,
	})
	if err != nil {
		for _, r := range reqs {
			g.respond(r, Ack{}, err)
		}
		return closesChannel(err)
	}

	sr := subResultOf(res, ch.key.testType)
	g.mark(ch, chosen)
	g.respond(chosen, Ack{Status: AckAccepted, SubResult: sr}, nil)
	for _, r := range rest {
		g.mark(ch, r)
		g.respond(r, Ack{Status: AckSuperseded, SubResult: sr}, nil)
	}
	return true
}

// aggregate merges the batch into the channel's ordered sequence and
// commits it. The sequence is validated once a message closes it.
func (g *Gateway) aggregate(ch *channel, reqs []*request) bool {
	slices.SortStableFunc(reqs, func(a, b *request) int {
		return a.msg.Timestamp.Compare(b.msg.Timestamp)
	})

	var accepted []*request
	var images []string
	final := false
	for _, r := range reqs {
		urls, err := g.storeImages(r)
		if err != nil {
			g.respond(r, Ack{}, err)
			continue
		}
		images = append(images, urls...)
		accepted = append(accepted, r)
		final = final || r.msg.Final
	}
	if len(accepted) == 0 {
		return false
	}

	sequence := slices.Clone(ch.sequence)
	for _, r := range accepted {
		for _, raw := range r.msg.split() {
			sequence = insertOrdered(sequence, timedReading{at: r.msg.Timestamp, raw: raw})
		}
	}
	readings := make([]json.RawMessage, len(sequence))
	for i, tr := range sequence {
		readings[i] = tr.raw
	}

	last := accepted[len(accepted)-1]
	commit := service.ReadingCommit{
		SessionID:   ch.key.session,
		TestType:    ch.key.testType,
		EquipmentID: last.msg.EquipmentID,
		Operator:    last.msg.Operator,
		CapturedAt:  last.msg.Timestamp,
		Readings:    readings,
		Images:      images,
	}
	if final {
		outcome := g.validator.Validate(ch.key.testType, readings)
		commit.Outcome = &outcome
	}
	res, err := g.committer.CommitReading(last.ctx, commit)
	if err != nil {
		for _, r := range accepted {
			g.respond(r, Ack{}, err)
		}
		return closesChannel(err)
	}
	ch.sequence = sequence

	status := AckPending
	if final {
		status = AckAccepted
	}
	sr := subResultOf(res, ch.key.testType)
	for _, r := range accepted {
		g.mark(ch, r)
		g.respond(r, Ack{Status: status, SubResult: sr}, nil)
	}
	return final
}

// fault counts an equipment fault report. It reports whether the fault
// budget was exceeded and the test failed.
func (g *Gateway) fault(ch *channel, req *request) bool {
	ch.faults++
	g.metrics.IncFault(string(ch.key.testType))
	g.logger.WarnContext(req.ctx, "equipment reported a fault",
		"session_id", ch.key.session.String(),
		"test_type", string(ch.key.testType),
		"equipment_id", req.msg.EquipmentID,
		"fault_code", req.msg.FaultCode,
		"faults", ch.faults,
	)
	if ch.faults <= g.maxFaults {
		g.respond(req, Ack{}, dErrors.Newf(dErrors.CodeEquipmentFault,
			"equipment fault %s (%d of %d tolerated); resend", req.msg.FaultCode, ch.faults, g.maxFaults))
		return false
	}

	reason := fmt.Sprintf("equipment %s reported fault %s %d times", req.msg.EquipmentID, req.msg.FaultCode, ch.faults)
	if _, err := g.committer.FailForEquipment(req.ctx, ch.key.session, ch.key.testType, req.msg.EquipmentID, reason); err != nil {
		g.respond(req, Ack{}, err)
		return closesChannel(err)
	}
	g.respond(req, Ack{}, dErrors.New(dErrors.CodeEquipmentFault, reason))
	return true
}

func (g *Gateway) timedOut(ch *channel) {
	reason := fmt.Sprintf("no reading within %s", g.timeout)
	res, err := g.committer.MarkInconclusive(g.ctx, ch.key.session, ch.key.testType, reason)
	if err != nil {
		g.logger.ErrorContext(g.ctx, "failed to record equipment timeout",
			"session_id", ch.key.session.String(),
			"test_type", string(ch.key.testType),
			"error", err,
		)
		return
	}
	if len(res.Records) > 0 {
		g.metrics.IncTimeout(string(ch.key.testType))
	}
}

func (g *Gateway) storeImages(req *request) ([]string, error) {
	if len(req.msg.Images) == 0 {
		return nil, nil
	}
	if g.blobs == nil {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "image attachments are not accepted")
	}
	urls := make([]string, 0, len(req.msg.Images))
	for i, enc := range req.msg.Images {
		data, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return nil, dErrors.Newf(dErrors.CodeInvalidInput, "image %d is not valid base64", i)
		}
		url, err := g.blobs.Put(req.ctx, data, http.DetectContentType(data))
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "store reading image")
		}
		urls = append(urls, url)
	}
	return urls, nil
}

// mark records a committed reading in the channel and the dedupe store.
func (g *Gateway) mark(ch *channel, req *request) {
	key := req.msg.dedupeKey()
	ch.committed[key] = struct{}{}
	if err := g.dedupe.Mark(req.ctx, key); err != nil {
		g.logger.WarnContext(req.ctx, "dedupe mark failed",
			"session_id", req.msg.SessionID.String(),
			"test_type", string(req.msg.TestType),
			"error", err,
		)
	}
}

func (g *Gateway) respond(req *request, ack Ack, err error) {
	outcome := string(ack.Status)
	if err != nil {
		outcome = string(dErrors.CodeOf(err))
	}
	g.metrics.IncMessage(string(req.msg.TestType), outcome)
	req.reply <- reply{ack: ack, err: err}
}

// closesChannel reports whether a commit error means no later reading on the
// channel can succeed either.
func closesChannel(err error) bool {
	for _, code := range []dErrors.Code{
		dErrors.CodeInvalidTransition,
		dErrors.CodeConflict,
		dErrors.CodeNotFound,
		dErrors.CodeValidation,
	} {
		if dErrors.HasCode(err, code) {
			return true
		}
	}
	return false
}

func insertOrdered(seq []timedReading, r timedReading) []timedReading {
	i := slices.IndexFunc(seq, func(x timedReading) bool { return x.at.After(r.at) })
	if i < 0 {
		return append(seq, r)
	}
	return slices.Insert(seq, i, r)
}

func subResultOf(res *service.Result, t models.TestType) *models.SubResult {
	sr := res.Session.SubResult(t)
	if sr == nil {
		return nil
	}
	c := sr.Clone()
	return &c
}
