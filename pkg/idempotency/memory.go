package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// MemoryInbox is a Processor that keeps entries in process memory. Entries
// are lost on restart.
type MemoryInbox struct {
	mu      sync.Mutex
	config  InboxConfig
	entries map[string]*InboxEntry
	now     func() time.Time
}

// NewMemoryInbox creates an empty in-memory inbox.
func NewMemoryInbox(cfg InboxConfig) *MemoryInbox {
	return &MemoryInbox{
		config:  cfg,
		entries: make(map[string]*InboxEntry),
		now:     time.Now,
	}
}

// claim mirrors the PostgreSQL upsert: it returns the claimed entry, or the
// entry that holds the key.
func (m *MemoryInbox) claim(key, handlerName string, payload json.RawMessage) (entry *InboxEntry, claimed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	expires := now.Add(m.config.DefaultTTL)
	entry, ok := m.entries[key]
	switch {
	case !ok, entry.ExpiresAt != nil && now.After(*entry.ExpiresAt):
		entry = &InboxEntry{
			IdempotencyKey: key,
			HandlerName:    handlerName,
			CreatedAt:      now,
		}
		m.entries[key] = entry
	case entry.Status == StatusRecoverable,
		entry.Status == StatusStarted && now.Sub(entry.UpdatedAt) > m.config.RecoveryTimeout:
	default:
		snapshot := *entry
		return &snapshot, false
	}

	entry.Status = StatusStarted
	entry.Attempts++
	entry.Payload = payload
	entry.Result = nil
	entry.LastError = ""
	entry.UpdatedAt = now
	entry.ExpiresAt = &expires
	return entry, true
}

func (m *MemoryInbox) complete(entry *InboxEntry, status Status, result json.RawMessage, lastError string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry.Status = status
	entry.Result = result
	entry.LastError = lastError
	entry.UpdatedAt = m.now()
}

// Process runs fn unless key has already been handled.
func (m *MemoryInbox) Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn ProcessFunc) (*ProcessResult, error) {
	entry, claimed := m.claim(key, handlerName, payload)
	if !claimed {
		switch entry.Status {
		case StatusFinished:
			return &ProcessResult{Attempts: entry.Attempts, Result: entry.Result}, nil
		case StatusFailed:
			return nil, fmt.Errorf("%w: %s", ErrPreviouslyFailed, entry.LastError)
		default:
			return nil, ErrMessageInProgress
		}
	}

	m.mu.Lock()
	attempts := entry.Attempts
	m.mu.Unlock()

	result, handlerErr := fn(ctx, payload)
	if handlerErr != nil {
		status := StatusRecoverable
		if isTerminalError(handlerErr) {
			status = StatusFailed
		}
		m.complete(entry, status, errorResult(handlerErr), handlerErr.Error())
		return nil, handlerErr
	}
	m.complete(entry, StatusFinished, result, "")

	return &ProcessResult{
		IsNew:        attempts == 1,
		WasRecovered: attempts > 1,
		Attempts:     attempts,
		Result:       result,
	}, nil
}

// Cleanup deletes expired entries that are not being processed.
func (m *MemoryInbox) Cleanup(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var deleted int64
	for key, e := range m.entries {
		if e.Status != StatusStarted && e.ExpiresAt != nil && now.After(*e.ExpiresAt) {
			delete(m.entries, key)
			deleted++
		}
	}
	return deleted, nil
}

// GetStats returns current inbox statistics
func (m *MemoryInbox) GetStats(ctx context.Context) (*InboxStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := &InboxStats{}
	for _, e := range m.entries {
		stats.add(e.Status, 1)
	}
	return stats, nil
}
