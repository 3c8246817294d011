// Package receive accepts pharmacy dispense messages on receiver connectors.
//
// Each receiver connector gets its own MLLP listener. Messages are checked
// against the connector's application and facility, deduplicated, handed to
// a DispenseHandler and acknowledged.
package receive

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vpms/hl7relay/internal/connector"
	"github.com/vpms/hl7relay/internal/hl7"
	"github.com/vpms/hl7relay/internal/mllp"
	"github.com/vpms/hl7relay/internal/observability/metrics"
	"github.com/vpms/hl7relay/pkg/idempotency"
)

const (
	handlerName = "dispense"

	// ackVersion is used when the inbound message has no usable header.
	ackVersion = "2.5"
)

// Config holds receiver configuration
type Config struct {
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Stats counts inbound messages for one receiver connector.
type Stats struct {
	ConnectorID  string     `json:"connector_id"`
	Listening    bool       `json:"listening"`
	Address      string     `json:"address,omitempty"`
	Received     int64      `json:"received"`
	Accepted     int64      `json:"accepted"`
	Errors       int64      `json:"errors"`
	Rejected     int64      `json:"rejected"`
	Duplicates   int64      `json:"duplicates"`
	LastReceived *time.Time `json:"last_received,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
}

type listener struct {
	connector connector.Connector
	server    *mllp.Server
	stats     Stats
}

// Service runs an MLLP listener for every receiver connector in the registry.
type Service struct {
	registry *connector.Registry
	handler  DispenseHandler
	inbox    idempotency.Processor
	config   Config
	metrics  *metrics.Metrics
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time

	mu          sync.Mutex
	listeners   map[string]*listener
	unsubscribe func()
	ctx         context.Context
	cancel      context.CancelFunc
}

// NewService creates a receiver service. inbox and m may be nil.
func NewService(registry *connector.Registry, handler DispenseHandler, inbox idempotency.Processor, cfg Config, m *metrics.Metrics, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		registry:  registry,
		handler:   handler,
		inbox:     inbox,
		config:    cfg,
		metrics:   m,
		logger:    logger,
		tracer:    otel.Tracer("hl7-receive"),
		now:       time.Now,
		listeners: make(map[string]*listener),
	}
}

// Start listens on every receiver connector and follows registry changes.
// A connector whose port cannot be bound is logged and skipped.
func (s *Service) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.unsubscribe = s.registry.Subscribe(s.onConnectorEvent)

	for _, c := range s.registry.List() {
		if c.Kind == connector.KindReceiver {
			s.listen(c)
		}
	}
	return nil
}

// Stop closes every listener.
func (s *Service) Stop() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	if s.cancel != nil {
		s.cancel()
	}

	s.mu.Lock()
	ids := make([]string, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.stop(id)
	}
}

func (s *Service) onConnectorEvent(e connector.Event) {
	switch e.Type {
	case connector.Added, connector.Updated:
		if e.Connector.Kind == connector.KindReceiver {
			s.listen(e.Connector)
		} else {
			s.stop(e.Connector.ID)
		}
	case connector.Removed:
		s.stop(e.Connector.ID)
	}
}

// listen starts a listener for c. An existing listener on the same address
// keeps running with the updated connector; one on a different address is
// replaced.
func (s *Service) listen(c connector.Connector) {
	s.mu.Lock()
	if l, ok := s.listeners[c.ID]; ok {
		if l.connector.Address() == c.Address() {
			l.connector = c
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		s.stop(c.ID)
		s.mu.Lock()
	}
	defer s.mu.Unlock()

	cfg := mllp.DefaultServerConfig(c.Address())
	if s.config.ReadTimeout > 0 {
		cfg.ReadTimeout = s.config.ReadTimeout
	}
	if s.config.WriteTimeout > 0 {
		cfg.WriteTimeout = s.config.WriteTimeout
	}

	l := &listener{connector: c, stats: Stats{ConnectorID: c.ID}}
	id := c.ID
	l.server = mllp.NewServer(cfg, mllp.HandlerFunc(func(ctx context.Context, payload []byte) []byte {
		return s.handle(ctx, id, payload)
	}), s.logger.With(zap.String("connector", c.ID)))

	if err := l.server.Start(s.ctx); err != nil {
		s.logger.Warn("failed to start listening for connector",
			zap.String("connector", c.ID),
			zap.String("address", c.Address()),
			zap.Error(err))
		return
	}
	l.stats.Listening = true
	l.stats.Address = l.server.Addr()
	s.listeners[c.ID] = l
}

func (s *Service) stop(id string) {
	s.mu.Lock()
	l, ok := s.listeners[id]
	delete(s.listeners, id)
	s.mu.Unlock()

	if !ok {
		return
	}
	s.logger.Info("stopping listener for connector", zap.String("connector", id))
	if err := l.server.Stop(); err != nil {
		s.logger.Debug("listener close failed", zap.String("connector", id), zap.Error(err))
	}
}

// Stats returns the counters of a listening receiver connector.
func (s *Service) Stats(connectorID string) (Stats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listeners[connectorID]
	if !ok {
		return Stats{}, false
	}
	return l.stats, true
}

// All returns the counters of every listening connector, sorted by ID.
func (s *Service) All() []Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Stats, 0, len(s.listeners))
	for _, l := range s.listeners {
		out = append(out, l.stats)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectorID < out[j].ConnectorID })
	return out
}

func (s *Service) connector(id string) (connector.Connector, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listeners[id]
	if !ok {
		return connector.Connector{}, false
	}
	return l.connector, true
}

// handle processes one inbound payload and returns the encoded ACK.
func (s *Service) handle(ctx context.Context, connectorID string, payload []byte) []byte {
	ctx, span := s.tracer.Start(ctx, "hl7.receive",
		trace.WithAttributes(attribute.String("connector", connectorID)))
	defer span.End()

	code, detail, msg := s.process(ctx, connectorID, payload)
	span.SetAttributes(attribute.String("ack", string(code)))
	if detail != nil {
		span.SetAttributes(attribute.String("ack_detail", detail.Text))
	}
	s.record(connectorID, code, detail)

	if msg == nil {
		msg = hl7.NewMessage("", "", "", ackVersion)
	}
	return hl7.GenerateACK(msg, code, detail).Encode()
}

func (s *Service) process(ctx context.Context, connectorID string, payload []byte) (hl7.AckCode, *hl7.AckDetail, *hl7.Message) {
	msg, err := hl7.Parse(payload)
	if err != nil {
		s.logger.Warn("failed to parse inbound message", zap.String("connector", connectorID), zap.Error(err))
		return hl7.AckReject, &hl7.AckDetail{
			Text:         "Unparseable message",
			HL7ErrorCode: hl7.ErrCodeApplicationInternal,
			HL7ErrorText: "Application internal error",
			Diagnostic:   err.Error(),
		}, nil
	}

	if ce := s.logger.Check(zap.DebugLevel, "received message"); ce != nil {
		ce.Write(zap.String("connector", connectorID), zap.String("message", hl7.FormatForDisplay(payload)))
	}

	c, ok := s.connector(connectorID)
	if !ok || !matches(c, msg) {
		return hl7.AckReject, &hl7.AckDetail{
			Text:         "Unrecognised application details",
			HL7ErrorCode: hl7.ErrCodeApplicationInternal,
			HL7ErrorText: "Application internal error",
		}, msg
	}

	if msg.MessageCode() != "RDS" || msg.TriggerEvent() != "O13" {
		return hl7.AckReject, &hl7.AckDetail{
			Text:         "Unsupported message type: " + msg.TypeName(),
			HL7ErrorCode: hl7.ErrCodeUnsupportedMessageType,
			HL7ErrorText: "Unsupported message type",
		}, msg
	}

	dispense, err := ParseDispense(msg)
	if err != nil {
		return hl7.AckReject, &hl7.AckDetail{
			Text:         err.Error(),
			HL7ErrorCode: hl7.ErrCodeApplicationInternal,
			HL7ErrorText: "Application internal error",
		}, msg
	}
	dispense.ConnectorID = c.ID
	dispense.ReceivedAt = s.now()
	dispense.Payload = string(payload)

	if err := s.dispatch(ctx, dispense); err != nil {
		code := hl7.AckError
		var perr *idempotency.PermanentError
		if errors.As(err, &perr) || errors.Is(err, idempotency.ErrPreviouslyFailed) {
			code = hl7.AckReject
		}
		s.logger.Warn("failed to process dispense",
			zap.String("connector", c.ID),
			zap.String("control_id", dispense.ControlID),
			zap.Error(err))
		return code, &hl7.AckDetail{
			Text:         err.Error(),
			HL7ErrorCode: hl7.ErrCodeApplicationInternal,
			HL7ErrorText: "Application internal error",
			Diagnostic:   err.Error(),
		}, msg
	}
	return hl7.AckAccept, nil, msg
}

func (s *Service) dispatch(ctx context.Context, d *Dispense) error {
	if s.inbox == nil {
		return s.handler.HandleDispense(ctx, d)
	}

	body, err := json.Marshal(d)
	if err != nil {
		return err
	}
	key := idempotency.GenerateKey(d.SendingApplication, d.SendingFacility, d.ControlID)
	result, err := s.inbox.Process(ctx, key, handlerName, body, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		if err := s.handler.HandleDispense(ctx, d); err != nil {
			return nil, err
		}
		return json.RawMessage(`{"ack":"AA"}`), nil
	})
	switch {
	case err != nil:
		return err
	case !result.IsNew && !result.WasRecovered:
		s.countDuplicate(d.ConnectorID)
		s.logger.Info("ignoring duplicate dispense",
			zap.String("connector", d.ConnectorID),
			zap.String("control_id", d.ControlID))
	}
	return nil
}

func (s *Service) countDuplicate(connectorID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.listeners[connectorID]; ok {
		l.stats.Duplicates++
	}
}

func (s *Service) record(connectorID string, code hl7.AckCode, detail *hl7.AckDetail) {
	if s.metrics != nil {
		s.metrics.MessagesReceived.WithLabelValues(connectorID, string(code)).Inc()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listeners[connectorID]
	if !ok {
		return
	}
	now := s.now()
	l.stats.Received++
	l.stats.LastReceived = &now
	switch code {
	case hl7.AckAccept:
		l.stats.Accepted++
	case hl7.AckError:
		l.stats.Errors++
	default:
		l.stats.Rejected++
	}
	if detail != nil {
		l.stats.LastError = detail.Text
	}
}

// matches reports whether the namespace IDs of MSH-3..6 identify c.
func matches(c connector.Connector, m *hl7.Message) bool {
	msh := m.Segment("MSH")
	return msh.Component(3, 1) == c.SendingApplication &&
		msh.Component(4, 1) == c.SendingFacility &&
		msh.Component(5, 1) == c.ReceivingApplication &&
		msh.Component(6, 1) == c.ReceivingFacility
}
