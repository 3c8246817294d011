package dispatch

import (
	"errors"
	"fmt"

	"github.com/vpms/hl7relay/internal/store"
)

var (
	// ErrInvalidState matches every *InvalidStateError.
	ErrInvalidState = errors.New("invalid state")
	// ErrUnknownConnector is returned for connector IDs not in the registry.
	ErrUnknownConnector = errors.New("unknown connector")
	// ErrInvalidMessage is returned by Enqueue for payloads that cannot be
	// parsed or stamped.
	ErrInvalidMessage = errors.New("invalid message")
)

// TransportError is a connection, timeout or I/O failure while sending a
// message or reading its response. The message is retried.
type TransportError struct {
	Connector string
	Op        string
	Err       error
}

func (e *TransportError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("transport to %s failed: %v", e.Connector, e.Err)
	}
	return fmt.Sprintf("transport to %s failed during %s: %v", e.Connector, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// InvalidStateError reports an operation that is not permitted in the
// current state of a message or connector.
type InvalidStateError struct {
	MessageID   int64
	ConnectorID string
	Status      store.Status
	Reason      string
}

func (e *InvalidStateError) Error() string {
	switch {
	case e.MessageID != 0:
		return fmt.Sprintf("message %d: %s", e.MessageID, e.Reason)
	case e.ConnectorID != "":
		return fmt.Sprintf("connector %s: %s", e.ConnectorID, e.Reason)
	default:
		return e.Reason
	}
}

// Is reports whether target is ErrInvalidState.
func (e *InvalidStateError) Is(target error) bool {
	return target == ErrInvalidState
}

func asTransportError(connectorID string, err error) *TransportError {
	var terr *TransportError
	if errors.As(err, &terr) {
		return terr
	}
	return &TransportError{Connector: connectorID, Op: "send", Err: err}
}
