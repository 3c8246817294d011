// Package memory provides an in-process MessageStore.
package memory

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/vpms/hl7relay/internal/store"
)

// Store keeps messages in memory. Messages are lost on restart.
type Store struct {
	mu       sync.RWMutex
	nextID   int64
	messages map[int64]*store.Message
	// per connector: every message ID in insertion order, and the sorted
	// IDs of messages still PENDING
	all     map[string][]int64
	pending map[string][]int64
	now     func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		messages: make(map[int64]*store.Message),
		all:      make(map[string][]int64),
		pending:  make(map[string][]int64),
		now:      time.Now,
	}
}

func clone(m *store.Message) *store.Message {
	c := *m
	c.Payload = append([]byte(nil), m.Payload...)
	if m.ProcessedAt != nil {
		at := *m.ProcessedAt
		c.ProcessedAt = &at
	}
	return &c
}

// setStatus changes the status of m and keeps the pending index in step.
// Callers hold s.mu.
func (s *Store) setStatus(m *store.Message, status store.Status) {
	ids := s.pending[m.ConnectorID]
	i, found := slices.BinarySearch(ids, m.ID)
	switch {
	case status == store.StatusPending && !found:
		s.pending[m.ConnectorID] = slices.Insert(ids, i, m.ID)
	case status != store.StatusPending && found:
		s.pending[m.ConnectorID] = slices.Delete(ids, i, i+1)
	}
	m.Status = status
}

// Append implements store.MessageStore.
func (s *Store) Append(_ context.Context, msg *store.Message) error {
	if msg.ConnectorID == "" {
		return fmt.Errorf("append: connector is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	now := s.now()
	msg.ID = s.nextID
	msg.Status = store.StatusPending
	msg.CreatedAt = now
	msg.UpdatedAt = now
	s.messages[msg.ID] = clone(msg)
	s.all[msg.ConnectorID] = append(s.all[msg.ConnectorID], msg.ID)
	s.pending[msg.ConnectorID] = append(s.pending[msg.ConnectorID], msg.ID)
	return nil
}

// NextPending implements store.MessageStore.
func (s *Store) NextPending(_ context.Context, connectorID string) (*store.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.pending[connectorID]
	if len(ids) == 0 {
		return nil, nil
	}
	return clone(s.messages[ids[0]]), nil
}

// Get implements store.MessageStore.
func (s *Store) Get(_ context.Context, id int64) (*store.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.messages[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(m), nil
}

// MarkAccepted implements store.MessageStore.
func (s *Store) MarkAccepted(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return store.ErrNotFound
	}
	s.setStatus(m, store.StatusAccepted)
	m.Error = ""
	m.ProcessedAt = &at
	m.UpdatedAt = s.now()
	return nil
}

// MarkError implements store.MessageStore.
func (s *Store) MarkError(_ context.Context, id int64, status store.Status, at time.Time, text string) error {
	if !status.Valid() {
		return fmt.Errorf("mark error: invalid status %q", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return store.ErrNotFound
	}
	s.setStatus(m, status)
	m.Error = store.TruncateError(text)
	m.ProcessedAt = &at
	m.UpdatedAt = s.now()
	return nil
}

// Resubmit implements store.MessageStore.
func (s *Store) Resubmit(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return store.ErrNotFound
	}
	if m.Status != store.StatusError {
		return fmt.Errorf("%w: cannot resubmit message with status %s", store.ErrStatusConflict, m.Status)
	}
	s.setStatus(m, store.StatusPending)
	m.UpdatedAt = s.now()
	return nil
}

// CountByStatus implements store.MessageStore.
func (s *Store) CountByStatus(_ context.Context, connectorID string, status store.Status) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if status == store.StatusPending {
		return len(s.pending[connectorID]), nil
	}
	n := 0
	for _, id := range s.all[connectorID] {
		if s.messages[id].Status == status {
			n++
		}
	}
	return n, nil
}

// LastSequence implements store.MessageStore.
func (s *Store) LastSequence(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var last int64
	for _, m := range s.messages {
		if n, err := strconv.ParseInt(m.ControlID, 10, 64); err == nil && n > last {
			last = n
		}
	}
	return last, nil
}

// List returns the messages for a connector in insertion order.
func (s *Store) List(connectorID string) []*store.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.all[connectorID]
	result := make([]*store.Message, 0, len(ids))
	for _, id := range ids {
		result = append(result, clone(s.messages[id]))
	}
	return result
}
