// Package dispatch delivers queued HL7 messages to sender connectors.
//
// Each sender connector gets its own delivery loop. A loop sends one message
// at a time, oldest first, interprets the acknowledgment and records the
// outcome in the message store before moving on.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vpms/hl7relay/internal/connector"
	"github.com/vpms/hl7relay/internal/hl7"
	"github.com/vpms/hl7relay/internal/observability/metrics"
	"github.com/vpms/hl7relay/internal/queue"
	"github.com/vpms/hl7relay/internal/store"
	"github.com/vpms/hl7relay/pkg/workerpool"
)

// Transport sends an encoded message and returns the encoded response.
// Failures should be reported as *TransportError.
type Transport interface {
	SendAndReceive(ctx context.Context, payload []byte, c connector.Connector) ([]byte, error)
}

// Config holds dispatcher configuration
type Config struct {
	// PollInterval is how often an idle connector checks for new messages
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// RetryDelay is the wait after an application error (AE) acknowledgment
	RetryDelay time.Duration `mapstructure:"retry_delay"`
	// TransportRetryDelay is the wait after a transport failure. Zero
	// retries on the next poll.
	TransportRetryDelay time.Duration `mapstructure:"transport_retry_delay"`
	// SendTimeout bounds a send-and-receive when the connector sets none
	SendTimeout time.Duration `mapstructure:"send_timeout"`
	// MetricsInterval is how often queue depth gauges are refreshed
	MetricsInterval time.Duration `mapstructure:"metrics_interval"`
	// Listeners configures the notification worker pool
	Listeners workerpool.Config `mapstructure:"listeners"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		PollInterval:        time.Second,
		RetryDelay:          30 * time.Second,
		TransportRetryDelay: 0,
		SendTimeout:         connector.DefaultTimeout,
		MetricsInterval:     15 * time.Second,
		Listeners:           workerpool.DefaultConfig(),
	}
}

// Dispatcher owns the delivery loops of all sender connectors.
type Dispatcher struct {
	store     store.MessageStore
	transport Transport
	registry  *connector.Registry
	config    Config
	logger    *zap.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	now       func() time.Time

	seqMu  sync.Mutex
	seeded bool
	seq    atomic.Int64

	mu    sync.Mutex
	loops map[string]*loop
	// locks serialize control ID allocation with the store append, and
	// suspend with resume, per connector.
	locks map[string]*sync.Mutex

	lmu       sync.RWMutex
	listeners []Listener
	pool      *workerpool.Pool

	unsubscribe func()

	// Control
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
}

type loop struct {
	queue  *queue.Queue
	wake   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a dispatcher. m may be nil.
func New(st store.MessageStore, transport Transport, registry *connector.Registry, cfg Config, m *metrics.Metrics, logger *zap.Logger) (*Dispatcher, error) {
	if st == nil || transport == nil || registry == nil {
		return nil, fmt.Errorf("store, transport and registry are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.TransportRetryDelay < 0 {
		cfg.TransportRetryDelay = 0
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	d := &Dispatcher{
		store:     st,
		transport: transport,
		registry:  registry,
		config:    cfg,
		logger:    logger,
		metrics:   m,
		tracer:    otel.Tracer("dispatch"),
		now:       time.Now,
		loops:     make(map[string]*loop),
		locks:     make(map[string]*sync.Mutex),
		ctx:       ctx,
		cancel:    cancel,
	}

	pool, err := workerpool.New(cfg.Listeners, d.runNotification, logger.Named("listeners"))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create listener pool: %w", err)
	}
	d.pool = pool

	return d, nil
}

// Start seeds the control ID sequence and starts a delivery loop for every
// sender connector in the registry.
func (d *Dispatcher) Start(ctx context.Context) error {
	if !d.started.CompareAndSwap(false, true) {
		return fmt.Errorf("dispatcher already started")
	}
	if err := d.ensureSequence(ctx); err != nil {
		return err
	}

	d.pool.Start()
	d.unsubscribe = d.registry.Subscribe(d.onConnectorEvent)
	for _, c := range d.registry.List() {
		if c.IsSender() {
			d.startLoop(c)
		}
	}

	if d.metrics != nil && d.config.MetricsInterval > 0 {
		d.wg.Add(1)
		go d.reportLoop()
	}

	d.logger.Info("dispatcher started",
		zap.Duration("poll_interval", d.config.PollInterval),
		zap.Duration("retry_delay", d.config.RetryDelay),
		zap.Duration("transport_retry_delay", d.config.TransportRetryDelay))
	return nil
}

// Stop stops all delivery loops. In-flight sends are cancelled and their
// messages remain pending.
func (d *Dispatcher) Stop() {
	if d.unsubscribe != nil {
		d.unsubscribe()
	}
	d.cancel()
	d.wg.Wait()
	d.pool.Stop()
	d.logger.Info("dispatcher stopped")
}

func (d *Dispatcher) onConnectorEvent(e connector.Event) {
	switch e.Type {
	case connector.Added, connector.Updated:
		if e.Connector.IsSender() {
			d.startLoop(e.Connector)
		} else {
			d.stopLoop(e.Connector.ID)
		}
	case connector.Removed:
		d.stopLoop(e.Connector.ID)
		if d.metrics != nil {
			d.metrics.RemoveConnector(e.Connector.ID)
		}
	}
}

// startLoop starts a loop for c, or updates the connector of a running loop.
func (d *Dispatcher) startLoop(c connector.Connector) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if l, ok := d.loops[c.ID]; ok {
		l.queue.SetConnector(c)
		l.signal()
		return
	}
	if d.ctx.Err() != nil {
		return
	}

	ctx, cancel := context.WithCancel(d.ctx)
	l := &loop{
		queue:  queue.New(c),
		wake:   make(chan struct{}, 1),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	d.loops[c.ID] = l

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.run(ctx, l)
	}()

	d.logger.Info("connector queue started",
		zap.String("connector", c.ID),
		zap.String("address", c.Address()),
		zap.Bool("suspended", c.Suspended))
}

func (d *Dispatcher) stopLoop(id string) {
	d.mu.Lock()
	l, ok := d.loops[id]
	delete(d.loops, id)
	d.mu.Unlock()

	if ok {
		l.cancel()
		d.logger.Info("connector queue stopped", zap.String("connector", id))
	}
}

// connectorLock returns the lock of a connector ID. Locks are kept for the
// life of the dispatcher.
func (d *Dispatcher) connectorLock(id string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.locks[id]
	if !ok {
		l = &sync.Mutex{}
		d.locks[id] = l
	}
	return l
}

func (d *Dispatcher) lookup(id string) (*loop, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.loops[id]
	return l, ok
}

func (l *loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// run is the delivery loop of one connector.
func (d *Dispatcher) run(ctx context.Context, l *loop) {
	defer close(l.done)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.wake:
		case <-timer.C:
		}

		for d.deliverOnce(ctx, l.queue) {
			if ctx.Err() != nil {
				return
			}
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(d.nextPoll(l.queue))
	}
}

// nextPoll returns the delay before the queue should be polled again.
func (d *Dispatcher) nextPoll(q *queue.Queue) time.Duration {
	delay := d.config.PollInterval
	if until := q.WaitUntil(); !until.IsZero() {
		if remaining := until.Sub(d.now()); remaining > 0 && remaining < delay {
			delay = remaining
		}
	}
	return delay
}

// deliverOnce makes at most one delivery attempt. It reports whether the
// next message may be attempted immediately.
func (d *Dispatcher) deliverOnce(ctx context.Context, q *queue.Queue) bool {
	if !q.Ready(d.now()) {
		return false
	}
	c := q.Connector()

	msg := q.Current()
	if msg == nil {
		next, err := d.fetchNext(ctx, c)
		if err != nil {
			if ctx.Err() == nil {
				d.logger.Error("failed to fetch next message", zap.String("connector", c.ID), zap.Error(err))
			}
			return false
		}
		if next == nil {
			return false
		}
		if err := q.SetCurrent(next); err != nil {
			return false
		}
		msg = next
	}
	if err := q.Begin(); err != nil {
		d.logger.Error("cannot start delivery", zap.String("connector", c.ID), zap.Error(err))
		return false
	}

	ctx, span := d.tracer.Start(ctx, "hl7.deliver",
		trace.WithAttributes(
			attribute.String("connector", c.ID),
			attribute.Int64("message_id", msg.ID),
			attribute.String("control_id", msg.ControlID),
			attribute.String("message_type", msg.Type),
		))
	defer span.End()

	timeout := d.config.SendTimeout
	if c.Timeout > 0 {
		timeout = c.Timeout
	}
	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	start := d.now()
	response, err := d.transport.SendAndReceive(sendCtx, msg.Payload, c)
	cancel()
	at := d.now()

	if d.metrics != nil {
		d.metrics.SendDuration.WithLabelValues(c.ID).Observe(at.Sub(start).Seconds())
	}

	if ctx.Err() != nil {
		// shutting down or connector removed
		q.Abort()
		return false
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport failure")
		d.transportFailed(ctx, q, c, msg, asTransportError(c.ID, err), at)
		return false
	}

	result := hl7.Classify(response)
	span.SetAttributes(
		attribute.String("disposition", result.Disposition.String()),
		attribute.String("ack_code", string(result.Code)))
	if result.Disposition != hl7.Accept {
		span.SetStatus(codes.Error, result.Disposition.String())
	}
	return d.applyResponse(ctx, q, c, msg, result, response, at)
}

// fetchNext returns the oldest pending message that can be decoded. Messages
// that cannot be decoded are moved to ERROR and skipped.
func (d *Dispatcher) fetchNext(ctx context.Context, c connector.Connector) (*store.Message, error) {
	for {
		msg, err := d.store.NextPending(ctx, c.ID)
		if err != nil || msg == nil {
			return nil, err
		}

		var reason string
		if len(msg.Payload) == 0 {
			reason = "No message content"
		} else if _, err := hl7.Parse(msg.Payload); err != nil {
			reason = err.Error()
		} else {
			return msg, nil
		}

		d.logger.Error("skipping undecodable message",
			zap.String("connector", c.ID),
			zap.Int64("message_id", msg.ID),
			zap.String("reason", reason))
		if err := d.store.MarkError(ctx, msg.ID, store.StatusError, d.now(), reason); err != nil {
			return nil, fmt.Errorf("failed to mark message %d in error: %w", msg.ID, err)
		}
	}
}

func (d *Dispatcher) transportFailed(ctx context.Context, q *queue.Queue, c connector.Connector, msg *store.Message, terr *TransportError, at time.Time) {
	text := store.TruncateError(terr.Error())
	d.logger.Warn("failed to send message",
		zap.String("connector", c.ID),
		zap.Int64("message_id", msg.ID),
		zap.String("control_id", msg.ControlID),
		zap.Error(terr))

	if err := d.store.MarkError(ctx, msg.ID, store.StatusPending, at, text); err != nil {
		d.persistFailed(q, c, msg, err)
		return
	}

	var until time.Time
	if d.config.TransportRetryDelay > 0 {
		until = at.Add(d.config.TransportRetryDelay)
	}
	_ = q.TransportFailed(at, text, until)
	d.countOutcome(c.ID, metrics.OutcomeTransport)
}

func (d *Dispatcher) applyResponse(ctx context.Context, q *queue.Queue, c connector.Connector, msg *store.Message, result hl7.Classification, response []byte, at time.Time) bool {
	text := store.TruncateError(result.Detail)

	var (
		next    bool
		outcome string
		err     error
	)
	switch result.Disposition {
	case hl7.Accept:
		if err = d.store.MarkAccepted(ctx, msg.ID, at); err == nil {
			_ = q.Accepted(at)
			msg.Status, msg.Error = store.StatusAccepted, ""
			outcome, next = metrics.OutcomeAccepted, true
		}
	case hl7.RetryableError:
		if err = d.store.MarkError(ctx, msg.ID, store.StatusPending, at, text); err == nil {
			_ = q.Retry(at, text, at.Add(d.config.RetryDelay))
			msg.Status, msg.Error = store.StatusPending, text
			outcome = metrics.OutcomeRetry
		}
	default:
		if err = d.store.MarkError(ctx, msg.ID, store.StatusError, at, text); err == nil {
			_ = q.Failed(at, text)
			msg.Status, msg.Error = store.StatusError, text
			outcome, next = metrics.OutcomeRejected, true
			if result.Disposition == hl7.Unsupported {
				outcome = metrics.OutcomeUnsupported
			}
		}
	}
	if err != nil {
		d.persistFailed(q, c, msg, err)
		return false
	}

	fields := []zap.Field{
		zap.String("connector", c.ID),
		zap.Int64("message_id", msg.ID),
		zap.String("control_id", msg.ControlID),
		zap.String("disposition", result.Disposition.String()),
	}
	switch result.Disposition {
	case hl7.Accept:
		d.logger.Debug("message accepted", fields...)
	case hl7.RetryableError:
		d.logger.Warn("message not accepted, will retry",
			append(fields, zap.Time("retry_at", at.Add(d.config.RetryDelay)), zap.Error(result.Err()))...)
	default:
		d.logger.Error("message rejected", append(fields, zap.Error(result.Err()))...)
	}

	d.countOutcome(c.ID, outcome)
	d.notify(Event{
		ConnectorID: c.ID,
		Message:     *msg,
		Response:    response,
		Disposition: result.Disposition,
		Detail:      result.Detail,
		SentAt:      at,
	})
	return next
}

// persistFailed leaves the message pending in the store and drops it from
// the queue so the next poll sends it again.
func (d *Dispatcher) persistFailed(q *queue.Queue, c connector.Connector, msg *store.Message, err error) {
	q.Abort()
	d.logger.Error("failed to record delivery outcome",
		zap.String("connector", c.ID),
		zap.Int64("message_id", msg.ID),
		zap.Error(err))
}

func (d *Dispatcher) countOutcome(connectorID, outcome string) {
	if d.metrics != nil {
		d.metrics.MessagesSent.WithLabelValues(connectorID, outcome).Inc()
	}
}

func (d *Dispatcher) ensureSequence(ctx context.Context) error {
	d.seqMu.Lock()
	defer d.seqMu.Unlock()
	if d.seeded {
		return nil
	}
	last, err := d.store.LastSequence(ctx)
	if err != nil {
		return fmt.Errorf("failed to read last control ID: %w", err)
	}
	d.seq.Store(last)
	d.seeded = true
	return nil
}

// Enqueue queues an encoded HL7 message for delivery to a sender connector.
// MSH-10 is set to the next control ID and the header is stamped with the
// connector's application, facility and timestamp options. Enqueue does not
// wait for delivery.
func (d *Dispatcher) Enqueue(ctx context.Context, payload []byte, connectorID, author string) (*store.Message, error) {
	ctx, span := d.tracer.Start(ctx, "hl7.enqueue",
		trace.WithAttributes(attribute.String("connector", connectorID)))
	defer span.End()

	c, ok := d.registry.Get(connectorID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnector, connectorID)
	}
	if !c.IsSender() {
		return nil, &InvalidStateError{ConnectorID: c.ID, Reason: "connector does not send messages"}
	}

	parsed, err := hl7.Parse(payload)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}

	if err := d.ensureSequence(ctx); err != nil {
		return nil, err
	}

	// Delivery follows the store ID, so the next control ID of a connector
	// must not be allocated until the previous message is stored.
	lock := d.connectorLock(c.ID)
	lock.Lock()
	defer lock.Unlock()
	controlID := strconv.FormatInt(d.seq.Add(1), 10)

	err = hl7.Stamp(parsed, hl7.HeaderOptions{
		ControlID:            controlID,
		Timestamp:            d.now(),
		SendingApplication:   c.SendingApplication,
		SendingFacility:      c.SendingFacility,
		ReceivingApplication: c.ReceivingApplication,
		ReceivingFacility:    c.ReceivingFacility,
		IncludeMillis:        c.IncludeMillis,
		IncludeTimeZone:      c.IncludeTimeZone,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to stamp header: %w", ErrInvalidMessage, err)
	}

	msg := &store.Message{
		ConnectorID: c.ID,
		Author:      author,
		Type:        parsed.TypeName(),
		ControlID:   controlID,
		Version:     parsed.Version(),
		Payload:     parsed.Encode(),
		MessageTime: parsed.Timestamp(),
	}
	if err := d.store.Append(ctx, msg); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to queue message: %w", err)
	}
	span.SetAttributes(attribute.Int64("message_id", msg.ID), attribute.String("control_id", controlID))

	if d.metrics != nil {
		d.metrics.MessagesEnqueued.WithLabelValues(c.ID).Inc()
	}
	d.logger.Debug("message queued",
		zap.String("connector", c.ID),
		zap.Int64("message_id", msg.ID),
		zap.String("control_id", controlID),
		zap.String("type", msg.Type))

	if l, ok := d.lookup(c.ID); ok {
		l.signal()
	}
	return msg, nil
}

// Resubmit returns a message in ERROR to the queue. It fails with an
// *InvalidStateError unless the message is in ERROR and belongs to a sender.
func (d *Dispatcher) Resubmit(ctx context.Context, messageID int64) error {
	msg, err := d.store.Get(ctx, messageID)
	if err != nil {
		return fmt.Errorf("resubmit %d: %w", messageID, err)
	}

	c, ok := d.registry.Get(msg.ConnectorID)
	if !ok || !c.IsSender() {
		return &InvalidStateError{MessageID: msg.ID, ConnectorID: msg.ConnectorID, Status: msg.Status,
			Reason: "connector does not support resubmission"}
	}
	if msg.Status != store.StatusError {
		return &InvalidStateError{MessageID: msg.ID, ConnectorID: msg.ConnectorID, Status: msg.Status,
			Reason: fmt.Sprintf("cannot resubmit messages with status %s", msg.Status)}
	}
	if err := d.store.Resubmit(ctx, msg.ID); err != nil {
		if errors.Is(err, store.ErrStatusConflict) {
			return &InvalidStateError{MessageID: msg.ID, ConnectorID: msg.ConnectorID, Reason: err.Error()}
		}
		return fmt.Errorf("resubmit %d: %w", messageID, err)
	}

	if d.metrics != nil {
		d.metrics.MessagesResubmitted.WithLabelValues(c.ID).Inc()
	}
	d.logger.Info("message resubmitted",
		zap.String("connector", c.ID),
		zap.Int64("message_id", msg.ID))

	if l, ok := d.lookup(c.ID); ok {
		l.signal()
	}
	return nil
}

// Suspend stops new sends to a connector.
func (d *Dispatcher) Suspend(ctx context.Context, connectorID string) error {
	if err := d.setSuspended(connectorID, true); err != nil {
		return err
	}
	d.logger.Info("connector suspended", zap.String("connector", connectorID))
	return nil
}

// Resume re-enables sends to a connector, clears any retry delay and polls
// immediately.
func (d *Dispatcher) Resume(ctx context.Context, connectorID string) error {
	if err := d.setSuspended(connectorID, false); err != nil {
		return err
	}
	d.logger.Info("connector resumed", zap.String("connector", connectorID))
	return nil
}

// setSuspended updates the registry and the running queue as one step, so a
// concurrent suspend and resume leave both with the same flag.
func (d *Dispatcher) setSuspended(connectorID string, suspended bool) error {
	lock := d.connectorLock(connectorID)
	lock.Lock()
	defer lock.Unlock()

	c, err := d.registry.SetSuspended(connectorID, suspended)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownConnector, connectorID)
	}
	l, ok := d.lookup(connectorID)
	if !ok {
		return nil
	}
	l.queue.SetConnector(c)
	if !suspended {
		l.queue.Resume()
		l.signal()
	}
	return nil
}

// Poll wakes the delivery loop of a connector.
func (d *Dispatcher) Poll(connectorID string) {
	if l, ok := d.lookup(connectorID); ok {
		l.signal()
	}
}

func (d *Dispatcher) reportLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			for _, c := range d.registry.List() {
				if !c.IsSender() {
					continue
				}
				if _, err := d.Statistics(d.ctx, c.ID); err != nil && d.ctx.Err() == nil {
					d.logger.Warn("failed to refresh queue metrics", zap.String("connector", c.ID), zap.Error(err))
				}
			}
		}
	}
}
