// Package idempotency runs inbound message handlers at most once per message.
// Inbound HL7 messages are keyed by Hash(SendingApplication+SendingFacility+ControlID).
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status represents the processing status of an inbox entry
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

// InboxEntry is one received message.
type InboxEntry struct {
	IdempotencyKey string
	HandlerName    string
	Status         Status
	Attempts       int
	Payload        json.RawMessage
	Result         json.RawMessage
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ExpiresAt      *time.Time
}

// InboxConfig holds configuration for the inbox
type InboxConfig struct {
	// DefaultTTL is how long a key is remembered after its last attempt
	DefaultTTL time.Duration `mapstructure:"ttl"`
	// CleanupInterval is how often to delete expired entries
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	// RecoveryTimeout is when a STARTED entry is considered abandoned
	RecoveryTimeout time.Duration `mapstructure:"recovery_timeout"`
}

// DefaultInboxConfig returns defaults sized for pharmacy resends, which
// arrive within minutes to days of the original
func DefaultInboxConfig() InboxConfig {
	return InboxConfig{
		DefaultTTL:      7 * 24 * time.Hour,
		CleanupInterval: time.Hour,
		RecoveryTimeout: 5 * time.Minute,
	}
}

var (
	// ErrMessageInProgress indicates another receiver is handling the message
	ErrMessageInProgress = errors.New("message in progress by another handler")
	// ErrPreviouslyFailed indicates the message failed permanently before
	ErrPreviouslyFailed = errors.New("message previously failed permanently")
)

// PermanentError marks a handler failure that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the inbox records it as FAILED.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func isTerminalError(err error) bool {
	var perr *PermanentError
	return errors.As(err, &perr)
}

// ProcessResult describes a Process call that did not fail.
type ProcessResult struct {
	// IsNew is true when the handler ran for the first time.
	IsNew bool
	// WasRecovered is true when the handler ran again after an earlier
	// recoverable failure or an abandoned attempt.
	WasRecovered bool
	// Attempts counts handler runs for the key, including this one.
	Attempts int
	// Result is the handler output, or the stored output for a duplicate.
	Result json.RawMessage
}

// ProcessFunc is the function signature for idempotent handlers
type ProcessFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Processor runs a handler at most once per key.
type Processor interface {
	Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn ProcessFunc) (*ProcessResult, error)
}

// GenerateKey creates a deterministic idempotency key for an inbound message.
// Control IDs are only unique per sending application and facility.
func GenerateKey(sendingApplication, sendingFacility, controlID string) string {
	data := strings.Join([]string{sendingApplication, sendingFacility, controlID}, "|")
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

// errorResult is the stored result of a failed attempt.
func errorResult(err error) json.RawMessage {
	b, _ := json.Marshal(map[string]string{"error": err.Error()})
	return b
}

// Inbox is a Processor backed by the hl7_inbox table. A key is claimed with
// a single upsert so concurrent receivers of the same message cannot both
// run the handler.
type Inbox struct {
	pool   *pgxpool.Pool
	config InboxConfig
	logger *zap.Logger
	tracer trace.Tracer

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// NewInbox creates a PostgreSQL inbox
func NewInbox(pool *pgxpool.Pool, cfg InboxConfig, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Inbox{
		pool:   pool,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("inbox"),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// claimQuery inserts a STARTED entry, or takes over an existing one that is
// RECOVERABLE, abandoned, or expired. No row is returned when the key is
// held by a live, finished or failed entry.
const claimQuery = `
	INSERT INTO hl7_inbox (idempotency_key, handler_name, status, attempts, payload, expires_at)
	VALUES ($1, $2, 'STARTED', 1, $3, NOW() + make_interval(secs => $4))
	ON CONFLICT (idempotency_key) DO UPDATE
	SET status     = 'STARTED',
	    attempts   = CASE WHEN hl7_inbox.expires_at < NOW() THEN 1 ELSE hl7_inbox.attempts + 1 END,
	    payload    = EXCLUDED.payload,
	    result     = NULL,
	    last_error = NULL,
	    updated_at = NOW(),
	    expires_at = EXCLUDED.expires_at
	WHERE hl7_inbox.status = 'RECOVERABLE'
	   OR hl7_inbox.expires_at < NOW()
	   OR (hl7_inbox.status = 'STARTED' AND hl7_inbox.updated_at < NOW() - make_interval(secs => $5))
	RETURNING attempts
`

// Process runs fn unless key has already been handled.
func (i *Inbox) Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn ProcessFunc) (*ProcessResult, error) {
	ctx, span := i.tracer.Start(ctx, "inbox_process",
		trace.WithAttributes(
			attribute.String("idempotency_key", key),
			attribute.String("handler", handlerName),
		))
	defer span.End()

	var attempts int
	err := i.pool.QueryRow(ctx, claimQuery, key, handlerName, payload,
		i.config.DefaultTTL.Seconds(), i.config.RecoveryTimeout.Seconds()).Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return i.held(ctx, span, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim inbox entry: %w", err)
	}
	span.SetAttributes(attribute.Int("attempts", attempts))

	result, handlerErr := fn(ctx, payload)
	if handlerErr != nil {
		status := StatusRecoverable
		if isTerminalError(handlerErr) {
			status = StatusFailed
		}
		if err := i.complete(ctx, key, status, errorResult(handlerErr), handlerErr.Error()); err != nil {
			i.logger.Error("failed to record handler failure",
				zap.String("key", key),
				zap.Error(err))
		}
		span.RecordError(handlerErr)
		return nil, handlerErr
	}

	// The handler already ran; a failed update only means a resend may run it again.
	if err := i.complete(ctx, key, StatusFinished, result, ""); err != nil {
		i.logger.Error("failed to mark inbox entry finished",
			zap.String("key", key),
			zap.Error(err))
	}

	return &ProcessResult{
		IsNew:        attempts == 1,
		WasRecovered: attempts > 1,
		Attempts:     attempts,
		Result:       result,
	}, nil
}

// held explains why a key could not be claimed.
func (i *Inbox) held(ctx context.Context, span trace.Span, key string) (*ProcessResult, error) {
	entry, err := i.Get(ctx, key)
	if errors.Is(err, pgx.ErrNoRows) {
		// deleted by cleanup between the claim and the lookup
		return nil, ErrMessageInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check inbox: %w", err)
	}

	switch entry.Status {
	case StatusFinished:
		span.SetAttributes(attribute.Bool("duplicate", true))
		return &ProcessResult{Attempts: entry.Attempts, Result: entry.Result}, nil
	case StatusFailed:
		span.SetAttributes(attribute.Bool("previously_failed", true))
		return nil, fmt.Errorf("%w: %s", ErrPreviouslyFailed, entry.LastError)
	default:
		return nil, ErrMessageInProgress
	}
}

func (i *Inbox) complete(ctx context.Context, key string, status Status, result json.RawMessage, lastError string) error {
	query := `
		UPDATE hl7_inbox
		SET status = $1, result = $2, last_error = NULLIF($3, ''), updated_at = NOW()
		WHERE idempotency_key = $4
	`
	_, err := i.pool.Exec(ctx, query, status, result, lastError, key)
	return err
}

// Get returns the entry for key, or pgx.ErrNoRows.
func (i *Inbox) Get(ctx context.Context, key string) (*InboxEntry, error) {
	query := `
		SELECT idempotency_key, handler_name, status, attempts, payload, result,
		       COALESCE(last_error, ''), created_at, updated_at, expires_at
		FROM hl7_inbox
		WHERE idempotency_key = $1
	`

	entry := &InboxEntry{}
	err := i.pool.QueryRow(ctx, query, key).Scan(
		&entry.IdempotencyKey, &entry.HandlerName, &entry.Status, &entry.Attempts,
		&entry.Payload, &entry.Result, &entry.LastError,
		&entry.CreatedAt, &entry.UpdatedAt, &entry.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// StartCleanup starts the background cleanup goroutine
func (i *Inbox) StartCleanup() {
	i.started = true
	go i.cleanupLoop()
	i.logger.Info("inbox cleanup started", zap.Duration("interval", i.config.CleanupInterval))
}

// Stop stops the inbox cleanup
func (i *Inbox) Stop() {
	i.cancel()
	if i.started {
		<-i.done
	}
	i.logger.Info("inbox stopped")
}

func (i *Inbox) cleanupLoop() {
	defer close(i.done)

	ticker := time.NewTicker(i.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-i.ctx.Done():
			return
		case <-ticker.C:
			deleted, err := i.Cleanup(i.ctx)
			if err != nil {
				i.logger.Error("inbox cleanup failed", zap.Error(err))
				continue
			}
			if deleted > 0 {
				i.logger.Info("inbox cleanup completed", zap.Int64("deleted", deleted))
			}
		}
	}
}

// Cleanup deletes expired entries that are not being processed.
func (i *Inbox) Cleanup(ctx context.Context) (int64, error) {
	query := `
		DELETE FROM hl7_inbox
		WHERE expires_at < NOW()
		  AND status <> 'STARTED'
	`
	result, err := i.pool.Exec(ctx, query)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

// InboxStats counts inbox entries by status
type InboxStats struct {
	TotalEntries int64 `json:"total"`
	Started      int64 `json:"started"`
	Finished     int64 `json:"finished"`
	Recoverable  int64 `json:"recoverable"`
	Failed       int64 `json:"failed"`
}

func (s *InboxStats) add(status Status, n int64) {
	s.TotalEntries += n
	switch status {
	case StatusStarted:
		s.Started += n
	case StatusFinished:
		s.Finished += n
	case StatusRecoverable:
		s.Recoverable += n
	case StatusFailed:
		s.Failed += n
	}
}

// GetStats returns current inbox statistics
func (i *Inbox) GetStats(ctx context.Context) (*InboxStats, error) {
	rows, err := i.pool.Query(ctx, `SELECT status, COUNT(*) FROM hl7_inbox GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := &InboxStats{}
	for rows.Next() {
		var (
			status Status
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		stats.add(status, n)
	}
	return stats, rows.Err()
}
