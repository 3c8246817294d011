package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// OutboxEntry is an event waiting to be published
type OutboxEntry struct {
	ID          int64
	Topic       string
	Key         string
	Payload     []byte
	CreatedAt   time.Time
	ProcessedAt *time.Time
	RetryCount  int
	LastError   *string
}

// OutboxConfig holds configuration for the outbox relay
type OutboxConfig struct {
	// BatchSize is the number of entries to publish per batch
	BatchSize int `mapstructure:"batch_size"`
	// PollInterval is how often to poll for new entries
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// MaxRetries is the number of failed publishes before an entry is
	// moved to DeadLetterTopic
	MaxRetries int `mapstructure:"max_retries"`
	// DeadLetterTopic receives entries that exhausted their retries
	DeadLetterTopic string `mapstructure:"dead_letter_topic"`
	// Retention is how long published entries are kept
	Retention time.Duration `mapstructure:"retention"`
}

// DefaultOutboxConfig returns sensible defaults
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		BatchSize:       100,
		PollInterval:    100 * time.Millisecond,
		MaxRetries:      5,
		DeadLetterTopic: "hl7.dead.letter",
		Retention:       24 * time.Hour,
	}
}

// relayLockID keeps a single relay publishing at a time so each key stays
// ordered.
const relayLockID = int64(0x484c374f) // "HL7O"

// OutboxPublisher publishes one record. *redpanda.Producer implements it.
type OutboxPublisher interface {
	ProduceMessage(ctx context.Context, topic, key string, value []byte) error
}

// Outbox stores events in hl7_outbox and relays them to a publisher.
// It implements the same ProduceMessage method as the publisher, so callers
// can write through it and survive broker outages.
type Outbox struct {
	pool      *pgxpool.Pool
	config    OutboxConfig
	publisher OutboxPublisher
	logger    *zap.Logger
	tracer    trace.Tracer

	// Control
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewOutbox creates a new outbox relay
func NewOutbox(pool *pgxpool.Pool, publisher OutboxPublisher, cfg OutboxConfig, logger *zap.Logger) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultOutboxConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.DeadLetterTopic == "" {
		cfg.DeadLetterTopic = def.DeadLetterTopic
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Outbox{
		pool:      pool,
		config:    cfg,
		publisher: publisher,
		logger:    logger,
		tracer:    otel.Tracer("outbox"),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// ProduceMessage records an event for publication.
func (o *Outbox) ProduceMessage(ctx context.Context, topic, key string, value []byte) error {
	entry := &OutboxEntry{Topic: topic, Key: key, Payload: value}
	return WriteEntry(ctx, o.pool, entry)
}

// Querier is satisfied by *pgxpool.Pool and pgx.Tx, so entries can be
// written in the same transaction as the change they describe.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// WriteEntry inserts an outbox entry
func WriteEntry(ctx context.Context, q Querier, entry *OutboxEntry) error {
	query := `
		INSERT INTO hl7_outbox (topic, key, payload)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`
	if err := q.QueryRow(ctx, query, entry.Topic, entry.Key, entry.Payload).Scan(&entry.ID, &entry.CreatedAt); err != nil {
		return fmt.Errorf("failed to write outbox entry: %w", err)
	}
	return nil
}

// Start begins relaying outbox entries
func (o *Outbox) Start() {
	go o.processLoop()
	o.logger.Info("outbox relay started",
		zap.Int("batch_size", o.config.BatchSize),
		zap.Duration("poll_interval", o.config.PollInterval))
}

// Stop gracefully stops the outbox relay
func (o *Outbox) Stop() {
	o.cancel()
	<-o.done
	o.logger.Info("outbox relay stopped")
}

func (o *Outbox) processLoop() {
	defer close(o.done)

	ticker := time.NewTicker(o.config.PollInterval)
	defer ticker.Stop()

	cleanup := time.NewTicker(time.Hour)
	defer cleanup.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.ProcessBatch(o.ctx); err != nil && o.ctx.Err() == nil {
				o.logger.Error("outbox batch failed", zap.Error(err))
			}
		case <-cleanup.C:
			if o.config.Retention <= 0 {
				continue
			}
			if n, err := o.CleanupProcessed(o.ctx, o.config.Retention); err != nil {
				o.logger.Warn("outbox cleanup failed", zap.Error(err))
			} else if n > 0 {
				o.logger.Debug("outbox entries removed", zap.Int64("deleted", n))
			}
		}
	}
}

// ProcessBatch publishes one batch of pending entries in a transaction and
// returns how many were published. Entries of a key are published in
// insertion order; a failed entry stops the batch so later entries wait.
func (o *Outbox) ProcessBatch(ctx context.Context) (int, error) {
	ctx, span := o.tracer.Start(ctx, "outbox_process_batch")
	defer span.End()

	tx, err := o.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin failed: %w", err)
	}
	defer tx.Rollback(context.Background())

	// Another relay holds the lock
	var acquired bool
	if err := tx.QueryRow(ctx, "SELECT pg_try_advisory_xact_lock($1)", relayLockID).Scan(&acquired); err != nil {
		return 0, fmt.Errorf("lock failed: %w", err)
	}
	if !acquired {
		return 0, nil
	}

	entries, err := o.fetchUnprocessed(ctx, tx)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}
	span.SetAttributes(attribute.Int("batch_size", len(entries)))

	published := 0
	for _, entry := range entries {
		if entry.RetryCount >= o.config.MaxRetries && o.config.MaxRetries > 0 {
			if err := o.deadLetter(ctx, tx, entry); err != nil {
				o.logger.Error("failed to dead-letter outbox entry", zap.Int64("id", entry.ID), zap.Error(err))
				break
			}
			continue
		}
		if err := o.processEntry(ctx, tx, entry); err != nil {
			o.logger.Warn("failed to publish outbox entry",
				zap.Int64("id", entry.ID),
				zap.String("topic", entry.Topic),
				zap.Int("retry_count", entry.RetryCount+1),
				zap.Error(err))
			break
		}
		published++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit failed: %w", err)
	}
	return published, nil
}

func (o *Outbox) fetchUnprocessed(ctx context.Context, tx pgx.Tx) ([]*OutboxEntry, error) {
	query := `
		SELECT id, topic, key, payload, created_at, retry_count, last_error
		FROM hl7_outbox
		WHERE processed_at IS NULL
		ORDER BY id ASC
		LIMIT $1
	`
	rows, err := tx.Query(ctx, query, o.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var entries []*OutboxEntry
	for rows.Next() {
		entry := &OutboxEntry{}
		if err := rows.Scan(&entry.ID, &entry.Topic, &entry.Key, &entry.Payload,
			&entry.CreatedAt, &entry.RetryCount, &entry.LastError); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (o *Outbox) processEntry(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) error {
	ctx, span := o.tracer.Start(ctx, "outbox_process_entry",
		trace.WithAttributes(
			attribute.Int64("entry_id", entry.ID),
			attribute.String("topic", entry.Topic),
		))
	defer span.End()

	if err := o.publisher.ProduceMessage(ctx, entry.Topic, entry.Key, entry.Payload); err != nil {
		span.RecordError(err)
		if _, uerr := tx.Exec(ctx, `
			UPDATE hl7_outbox
			SET retry_count = retry_count + 1, last_error = $1
			WHERE id = $2`, err.Error(), entry.ID); uerr != nil {
			o.logger.Error("failed to update retry count", zap.Error(uerr))
		}
		return fmt.Errorf("publish failed: %w", err)
	}

	if _, err := tx.Exec(ctx, "UPDATE hl7_outbox SET processed_at = NOW() WHERE id = $1", entry.ID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to mark processed: %w", err)
	}
	return nil
}

func (o *Outbox) deadLetter(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) error {
	dl := map[string]interface{}{
		"original_topic": entry.Topic,
		"retry_count":    entry.RetryCount,
		"created_at":     entry.CreatedAt,
		"failed_at":      time.Now().UTC(),
	}
	if entry.LastError != nil {
		dl["error"] = *entry.LastError
	}
	if json.Valid(entry.Payload) {
		dl["payload"] = json.RawMessage(entry.Payload)
	} else {
		dl["raw"] = string(entry.Payload)
	}
	value, err := json.Marshal(dl)
	if err != nil {
		return err
	}

	if err := o.publisher.ProduceMessage(ctx, o.config.DeadLetterTopic, entry.Key, value); err != nil {
		return err
	}
	_, err = tx.Exec(ctx, "UPDATE hl7_outbox SET processed_at = NOW() WHERE id = $1", entry.ID)
	return err
}

// CleanupProcessed removes published entries older than olderThan
func (o *Outbox) CleanupProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `
		DELETE FROM hl7_outbox
		WHERE processed_at IS NOT NULL
		  AND processed_at < NOW() - make_interval(secs => $1)
	`
	result, err := o.pool.Exec(ctx, query, olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("cleanup failed: %w", err)
	}
	return result.RowsAffected(), nil
}

// OutboxStats summarises the outbox
type OutboxStats struct {
	Pending       int64      `json:"pending"`
	Retrying      int64      `json:"retrying"`
	OldestPending *time.Time `json:"oldest_pending,omitempty"`
}

// GetStats returns current outbox statistics
func (o *Outbox) GetStats(ctx context.Context) (*OutboxStats, error) {
	stats := &OutboxStats{}
	err := o.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE retry_count > 0),
			MIN(created_at)
		FROM hl7_outbox
		WHERE processed_at IS NULL`).Scan(&stats.Pending, &stats.Retrying, &stats.OldestPending)
	if err != nil {
		return nil, fmt.Errorf("outbox stats failed: %w", err)
	}
	return stats, nil
}
