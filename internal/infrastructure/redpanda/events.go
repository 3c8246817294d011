package redpanda

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vpms/hl7relay/internal/dispatch"
	"github.com/vpms/hl7relay/internal/hl7"
	"github.com/vpms/hl7relay/internal/receive"
	"github.com/vpms/hl7relay/internal/store"
)

// Publisher produces one record and waits for it to be acknowledged.
// *Producer implements it.
type Publisher interface {
	ProduceMessage(ctx context.Context, topic, key string, value []byte) error
}

// MessageSentEvent is published to TopicMessagesSent after every delivery
// attempt that produced a response.
type MessageSentEvent struct {
	EventID     string    `json:"event_id"`
	ConnectorID string    `json:"connector_id"`
	MessageID   int64     `json:"message_id"`
	ControlID   string    `json:"control_id"`
	MessageType string    `json:"message_type"`
	Author      string    `json:"author,omitempty"`
	Disposition string    `json:"disposition"`
	Status      string    `json:"status"`
	Detail      string    `json:"detail,omitempty"`
	Response    string    `json:"response,omitempty"`
	SentAt      time.Time `json:"sent_at"`
}

// NewMessageSentEvent converts a dispatch event.
func NewMessageSentEvent(e dispatch.Event) MessageSentEvent {
	status := store.StatusAccepted
	switch e.Disposition {
	case hl7.RetryableError:
		status = store.StatusPending
	case hl7.TerminalError, hl7.Unsupported:
		status = store.StatusError
	}
	return MessageSentEvent{
		EventID:     uuid.NewString(),
		ConnectorID: e.ConnectorID,
		MessageID:   e.Message.ID,
		ControlID:   e.Message.ControlID,
		MessageType: e.Message.Type,
		Author:      e.Message.Author,
		Disposition: e.Disposition.String(),
		Status:      string(status),
		Detail:      e.Detail,
		Response:    string(e.Response),
		SentAt:      e.SentAt,
	}
}

// SentEventPublisher is a dispatch.Listener that publishes every delivery
// outcome. Records are keyed by connector so each connector's events stay
// ordered.
type SentEventPublisher struct {
	publisher Publisher
	topic     string
}

var _ dispatch.Listener = (*SentEventPublisher)(nil)

// NewSentEventPublisher creates a listener publishing to TopicMessagesSent.
func NewSentEventPublisher(p Publisher) *SentEventPublisher {
	return &SentEventPublisher{publisher: p, topic: TopicMessagesSent}
}

// MessageSent implements dispatch.Listener.
func (s *SentEventPublisher) MessageSent(ctx context.Context, e dispatch.Event) error {
	value, err := json.Marshal(NewMessageSentEvent(e))
	if err != nil {
		return fmt.Errorf("failed to encode sent event: %w", err)
	}
	return s.publisher.ProduceMessage(ctx, s.topic, e.ConnectorID, value)
}

// InboundPublisher is a receive.DispenseHandler that forwards dispenses to
// TopicInbound. A publish failure is acknowledged AE so the pharmacy resends.
type InboundPublisher struct {
	publisher Publisher
	topic     string
}

var _ receive.DispenseHandler = (*InboundPublisher)(nil)

// NewInboundPublisher creates a handler publishing to TopicInbound.
func NewInboundPublisher(p Publisher) *InboundPublisher {
	return &InboundPublisher{publisher: p, topic: TopicInbound}
}

// HandleDispense implements receive.DispenseHandler.
func (i *InboundPublisher) HandleDispense(ctx context.Context, d *receive.Dispense) error {
	value, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to encode dispense: %w", err)
	}
	if err := i.publisher.ProduceMessage(ctx, i.topic, d.ConnectorID, value); err != nil {
		return fmt.Errorf("failed to publish dispense: %w", err)
	}
	return nil
}

// OutboundRequest is the value of a TopicOutboundRequests record.
type OutboundRequest struct {
	RequestID   string `json:"request_id,omitempty"`
	ConnectorID string `json:"connector_id"`
	Author      string `json:"author,omitempty"`
	// Message is the ER7-encoded HL7 message
	Message string `json:"message"`
}

// Enqueuer queues a message for delivery. *dispatch.Dispatcher implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, payload []byte, connectorID, author string) (*store.Message, error)
}

// OutboundRequestHandler turns outbound request records into queued
// messages. Requests that can never succeed are forwarded to the dead
// letter topic and committed; storage failures are returned so the record
// is redelivered.
type OutboundRequestHandler struct {
	enqueuer   Enqueuer
	deadLetter Publisher
	logger     *zap.Logger
}

// NewOutboundRequestHandler creates a handler. deadLetter may be nil, in
// which case rejected requests are only logged.
func NewOutboundRequestHandler(e Enqueuer, deadLetter Publisher, logger *zap.Logger) *OutboundRequestHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OutboundRequestHandler{enqueuer: e, deadLetter: deadLetter, logger: logger}
}

// Handle implements MessageHandler.
func (h *OutboundRequestHandler) Handle(ctx context.Context, msg *ConsumedMessage) error {
	var req OutboundRequest
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		return h.reject(ctx, msg, fmt.Errorf("invalid request: %w", err))
	}
	if req.ConnectorID == "" && len(msg.Key) > 0 {
		req.ConnectorID = string(msg.Key)
	}
	if req.ConnectorID == "" || req.Message == "" {
		return h.reject(ctx, msg, errors.New("invalid request: connector_id and message are required"))
	}
	if req.Author == "" {
		req.Author = "kafka"
	}

	queued, err := h.enqueuer.Enqueue(ctx, []byte(req.Message), req.ConnectorID, req.Author)
	if err != nil {
		if permanent(err) {
			return h.reject(ctx, msg, err)
		}
		return err
	}

	h.logger.Info("outbound request queued",
		zap.String("request_id", req.RequestID),
		zap.String("connector", queued.ConnectorID),
		zap.Int64("message_id", queued.ID),
		zap.String("control_id", queued.ControlID))
	return nil
}

func permanent(err error) bool {
	return errors.Is(err, dispatch.ErrUnknownConnector) ||
		errors.Is(err, dispatch.ErrInvalidState) ||
		errors.Is(err, dispatch.ErrInvalidMessage)
}

// DeadLetter is the value published to TopicDeadLetter.
type DeadLetter struct {
	OriginalTopic string          `json:"original_topic"`
	Partition     int32           `json:"partition"`
	Offset        int64           `json:"offset"`
	Error         string          `json:"error"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Raw           string          `json:"raw,omitempty"`
	FailedAt      time.Time       `json:"failed_at"`
}

func (h *OutboundRequestHandler) reject(ctx context.Context, msg *ConsumedMessage, cause error) error {
	h.logger.Warn("rejecting outbound request",
		zap.String("topic", msg.Topic),
		zap.Int32("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
		zap.Error(cause))
	if h.deadLetter == nil {
		return nil
	}

	dl := DeadLetter{
		OriginalTopic: msg.Topic,
		Partition:     msg.Partition,
		Offset:        msg.Offset,
		Error:         cause.Error(),
		FailedAt:      time.Now().UTC(),
	}
	if json.Valid(msg.Value) {
		dl.Payload = msg.Value
	} else {
		dl.Raw = string(msg.Value)
	}
	value, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("failed to encode dead letter: %w", err)
	}
	if err := h.deadLetter.ProduceMessage(ctx, TopicDeadLetter, string(msg.Key), value); err != nil {
		return fmt.Errorf("failed to publish dead letter: %w", err)
	}
	return nil
}
