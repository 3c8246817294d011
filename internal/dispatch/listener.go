package dispatch

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vpms/hl7relay/internal/hl7"
	"github.com/vpms/hl7relay/internal/store"
	"github.com/vpms/hl7relay/pkg/workerpool"
)

// Event describes the outcome of one delivery attempt that produced a
// response.
type Event struct {
	ConnectorID string
	Message     store.Message
	Response    []byte
	Disposition hl7.Disposition
	Detail      string
	SentAt      time.Time
}

// Listener is notified after a message has been sent and its response
// applied. Notifications are asynchronous and never delay delivery.
type Listener interface {
	MessageSent(ctx context.Context, e Event) error
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, e Event) error

// MessageSent implements Listener.
func (f ListenerFunc) MessageSent(ctx context.Context, e Event) error {
	return f(ctx, e)
}

type notification struct {
	listener Listener
	event    Event
}

// AddListener registers l for message-sent notifications.
func (d *Dispatcher) AddListener(l Listener) {
	d.lmu.Lock()
	defer d.lmu.Unlock()
	d.listeners = append(d.listeners, l)
}

func (d *Dispatcher) notify(e Event) {
	d.lmu.RLock()
	listeners := append([]Listener(nil), d.listeners...)
	d.lmu.RUnlock()

	for i, l := range listeners {
		job := &workerpool.Job{
			ID:      fmt.Sprintf("%s-%d-%d", e.ConnectorID, e.Message.ID, i),
			Payload: notification{listener: l, event: e},
		}
		if err := d.pool.Submit(job); err != nil {
			if d.metrics != nil {
				d.metrics.ListenerDropped.Inc()
			}
			d.logger.Warn("dropped message-sent notification",
				zap.String("connector", e.ConnectorID),
				zap.Int64("message_id", e.Message.ID),
				zap.Error(err))
		}
	}
}

func (d *Dispatcher) runNotification(ctx context.Context, job *workerpool.Job) error {
	n, ok := job.Payload.(notification)
	if !ok {
		return fmt.Errorf("unexpected job payload %T", job.Payload)
	}
	return n.listener.MessageSent(ctx, n.event)
}
