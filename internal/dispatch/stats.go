package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/vpms/hl7relay/internal/queue"
	"github.com/vpms/hl7relay/internal/store"
)

// Statistics describes the delivery state of one connector.
type Statistics struct {
	ConnectorID      string     `json:"connector_id"`
	Queued           int        `json:"queued"`
	Errors           int        `json:"errors"`
	State            string     `json:"state"`
	Suspended        bool       `json:"suspended"`
	InFlight         bool       `json:"in_flight"`
	WaitUntil        *time.Time `json:"wait_until,omitempty"`
	LastProcessed    *time.Time `json:"last_processed,omitempty"`
	LastError        *time.Time `json:"last_error,omitempty"`
	LastErrorMessage string     `json:"last_error_message,omitempty"`
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// Statistics returns the queued and error counts of a connector together
// with the in-memory state of its delivery loop.
func (d *Dispatcher) Statistics(ctx context.Context, connectorID string) (Statistics, error) {
	c, ok := d.registry.Get(connectorID)
	if !ok {
		return Statistics{}, fmt.Errorf("%w: %s", ErrUnknownConnector, connectorID)
	}

	queued, err := d.store.CountByStatus(ctx, c.ID, store.StatusPending)
	if err != nil {
		return Statistics{}, fmt.Errorf("failed to count queued messages: %w", err)
	}
	errs, err := d.store.CountByStatus(ctx, c.ID, store.StatusError)
	if err != nil {
		return Statistics{}, fmt.Errorf("failed to count error messages: %w", err)
	}

	stats := Statistics{
		ConnectorID: c.ID,
		Queued:      queued,
		Errors:      errs,
		Suspended:   c.Suspended,
		State:       queue.Idle.String(),
	}
	if c.Suspended {
		stats.State = queue.Suspended.String()
	}

	if l, ok := d.lookup(c.ID); ok {
		s := l.queue.Snapshot(d.now())
		stats.State = s.State.String()
		stats.Suspended = s.Suspended
		stats.InFlight = s.InFlight
		stats.WaitUntil = timePtr(s.WaitUntil)
		stats.LastProcessed = timePtr(s.LastProcessed)
		stats.LastError = timePtr(s.LastError)
		stats.LastErrorMessage = s.LastErrorMessage
	}

	if d.metrics != nil {
		d.metrics.QueuedMessages.WithLabelValues(c.ID).Set(float64(queued))
		d.metrics.ErrorMessages.WithLabelValues(c.ID).Set(float64(errs))
	}
	return stats, nil
}
