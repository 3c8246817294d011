// Package queue holds the in-memory delivery state of one outbound connector.
package queue

import (
	"errors"
	"sync"
	"time"

	"github.com/vpms/hl7relay/internal/connector"
	"github.com/vpms/hl7relay/internal/store"
)

// State is the delivery state of a connector queue.
type State int

const (
	// Idle means no message is current.
	Idle State = iota
	// InFlight means the current message has been sent and a response is awaited.
	InFlight
	// Waiting means a retry delay is active.
	Waiting
	// Suspended means delivery is administratively disabled.
	Suspended
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case InFlight:
		return "in_flight"
	case Waiting:
		return "waiting"
	case Suspended:
		return "suspended"
	default:
		return "unknown"
	}
}

var (
	// ErrInFlight is returned when a second message would be put in flight.
	ErrInFlight = errors.New("a message is already in flight")
	// ErrNotInFlight is returned when an outcome is applied with no message in flight.
	ErrNotInFlight = errors.New("no message in flight")
	// ErrNoCurrent is returned by Begin when no message has been selected.
	ErrNoCurrent = errors.New("no current message")
)

// Queue tracks the current message, suspension, retry deadline and last
// outcome for one connector. At most one message is in flight at a time.
type Queue struct {
	mu sync.Mutex

	connector connector.Connector
	current   *store.Message
	inFlight  bool
	suspended bool
	waitUntil time.Time

	lastProcessed    time.Time
	lastError        time.Time
	lastErrorMessage string
}

// New creates an idle queue for c.
func New(c connector.Connector) *Queue {
	return &Queue{connector: c, suspended: c.Suspended}
}

// Connector returns the connector the queue delivers to.
func (q *Queue) Connector() connector.Connector {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.connector
}

// SetConnector replaces the connector definition and adopts its suspended flag.
func (q *Queue) SetConnector(c connector.Connector) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.connector = c
	q.setSuspended(c.Suspended)
}

func (q *Queue) setSuspended(suspended bool) {
	if q.suspended && !suspended {
		q.waitUntil = time.Time{}
	}
	q.suspended = suspended
}

// Suspend stops new sends. An in-flight send still completes.
func (q *Queue) Suspend() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.setSuspended(true)
}

// Resume re-enables sending and clears any retry deadline.
func (q *Queue) Resume() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.suspended = false
	q.waitUntil = time.Time{}
}

// IsSuspended reports whether sending is suspended.
func (q *Queue) IsSuspended() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.suspended
}

// State returns the state at now.
func (q *Queue) State(now time.Time) State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state(now)
}

func (q *Queue) state(now time.Time) State {
	switch {
	case q.suspended:
		return Suspended
	case q.inFlight:
		return InFlight
	case !q.waitUntil.IsZero() && now.Before(q.waitUntil):
		return Waiting
	default:
		return Idle
	}
}

// Ready reports whether a new send may start at now.
func (q *Queue) Ready(now time.Time) bool {
	return q.State(now) == Idle
}

// WaitUntil returns the retry deadline, or the zero time if none is set.
func (q *Queue) WaitUntil() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.waitUntil
}

// Current returns the selected message, or nil.
func (q *Queue) Current() *store.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.current
}

// SetCurrent selects the message to deliver next.
func (q *Queue) SetCurrent(m *store.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inFlight {
		return ErrInFlight
	}
	q.current = m
	return nil
}

// Begin marks the current message as in flight.
func (q *Queue) Begin() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inFlight {
		return ErrInFlight
	}
	if q.current == nil {
		return ErrNoCurrent
	}
	q.inFlight = true
	return nil
}

func (q *Queue) complete(at time.Time, errText string, until time.Time) error {
	if !q.inFlight {
		return ErrNotInFlight
	}
	q.current = nil
	q.inFlight = false
	q.waitUntil = until
	if errText == "" {
		q.lastError = time.Time{}
		q.lastErrorMessage = ""
	} else {
		q.lastError = at
		q.lastErrorMessage = errText
	}
	return nil
}

// Accepted records a successful delivery at the given time.
func (q *Queue) Accepted(at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.complete(at, "", time.Time{}); err != nil {
		return err
	}
	q.lastProcessed = at
	return nil
}

// Retry records an application error. The message stays pending and no
// send starts before until.
func (q *Queue) Retry(at time.Time, errText string, until time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.complete(at, errText, until)
}

// TransportFailed records a failed send. A zero until allows the next poll
// to retry immediately.
func (q *Queue) TransportFailed(at time.Time, errText string, until time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.complete(at, errText, until)
}

// Failed records a terminal error. The message leaves the queue.
func (q *Queue) Failed(at time.Time, errText string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.complete(at, errText, time.Time{})
}

// Abort drops the in-flight attempt without recording an outcome. The
// message is selected again on the next poll.
func (q *Queue) Abort() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.current = nil
	q.inFlight = false
}

// Snapshot is a point-in-time copy of the queue state.
type Snapshot struct {
	State            State
	Suspended        bool
	InFlight         bool
	CurrentID        int64
	WaitUntil        time.Time
	LastProcessed    time.Time
	LastError        time.Time
	LastErrorMessage string
}

// Snapshot returns the state at now.
func (q *Queue) Snapshot(now time.Time) Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Snapshot{
		State:            q.state(now),
		Suspended:        q.suspended,
		InFlight:         q.inFlight,
		WaitUntil:        q.waitUntil,
		LastProcessed:    q.lastProcessed,
		LastError:        q.lastError,
		LastErrorMessage: q.lastErrorMessage,
	}
	if q.current != nil {
		s.CurrentID = q.current.ID
	}
	return s
}
