// Package store defines the durable message log that backs each outbound
// connector queue.
package store

import (
	"context"
	"errors"
	"time"
)

// Status is the delivery status of a queued message.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusAccepted Status = "ACCEPTED"
	StatusError    Status = "ERROR"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusPending || s == StatusAccepted || s == StatusError
}

// MaxErrorLength bounds the stored error text.
const MaxErrorLength = 5000

var (
	// ErrNotFound is returned when a message does not exist.
	ErrNotFound = errors.New("message not found")
	// ErrStatusConflict is returned when a status change is not permitted
	// from the message's current status.
	ErrStatusConflict = errors.New("message status conflict")
)

// Message is a queued outbound (or logged inbound) HL7 message.
type Message struct {
	ID          int64
	ConnectorID string
	Author      string
	// Type is the message type name, e.g. RDE_O11.
	Type string
	// ControlID is the MSH-10 sequence number.
	ControlID string
	Version   string
	Payload   []byte
	Status    Status
	Error     string
	// MessageTime is the MSH-7 timestamp.
	MessageTime time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ProcessedAt *time.Time
}

// Name returns the document name of the message, e.g. RDE_O11_1001.hl7.
func (m *Message) Name() string {
	return m.Type + "_" + m.ControlID + ".hl7"
}

// MessageStore is an append-only log of messages per connector.
//
// Each connector's rows are only modified by the delivery loop that owns
// the connector, so implementations need not serialize updates beyond what
// a single row write requires.
type MessageStore interface {
	// Append stores msg with status PENDING, assigning its ID and timestamps.
	Append(ctx context.Context, msg *Message) error
	// NextPending returns the oldest PENDING message for the connector, or
	// nil if there is none.
	NextPending(ctx context.Context, connectorID string) (*Message, error)
	Get(ctx context.Context, id int64) (*Message, error)
	// MarkAccepted sets status ACCEPTED and clears the error text.
	MarkAccepted(ctx context.Context, id int64, at time.Time) error
	// MarkError sets status and error text. Status may be PENDING when a
	// retry is planned.
	MarkError(ctx context.Context, id int64, status Status, at time.Time, text string) error
	// Resubmit resets an ERROR message to PENDING. It returns
	// ErrStatusConflict for any other status.
	Resubmit(ctx context.Context, id int64) error
	CountByStatus(ctx context.Context, connectorID string, status Status) (int, error)
	// LastSequence returns the highest numeric control ID issued, or 0.
	LastSequence(ctx context.Context) (int64, error)
}

// TruncateError bounds text to MaxErrorLength characters.
func TruncateError(text string) string {
	if len(text) <= MaxErrorLength {
		return text
	}
	runes := []rune(text)
	if len(runes) <= MaxErrorLength {
		return text
	}
	return string(runes[:MaxErrorLength])
}
