package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vpms/hl7relay/internal/store"
)

// RetentionConfig controls purging of accepted messages.
type RetentionConfig struct {
	// Retention is how long accepted messages are kept. Zero keeps them forever.
	Retention time.Duration `mapstructure:"retention"`
	// PurgeInterval is how often the purge runs
	PurgeInterval time.Duration `mapstructure:"purge_interval"`
}

// DefaultRetentionConfig returns sensible defaults
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		Retention:     90 * 24 * time.Hour,
		PurgeInterval: time.Hour,
	}
}

// purgeLockID serializes purges across relay instances.
const purgeLockID = int64(0x484c3752) // "HL7R"

const messageColumns = `id, connector_id, author, message_type, control_id, version, payload,
		       status, error, message_time, created_at, updated_at, processed_at`

// MessageStore implements store.MessageStore on the hl7_messages table.
type MessageStore struct {
	pool   *pgxpool.Pool
	config RetentionConfig
	logger *zap.Logger
	tracer trace.Tracer

	// Control
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

var _ store.MessageStore = (*MessageStore)(nil)

// NewMessageStore creates a message store
func NewMessageStore(pool *pgxpool.Pool, cfg RetentionConfig, logger *zap.Logger) *MessageStore {
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &MessageStore{
		pool:   pool,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("message-store"),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Append implements store.MessageStore.
func (s *MessageStore) Append(ctx context.Context, msg *store.Message) error {
	ctx, span := s.tracer.Start(ctx, "store.append",
		trace.WithAttributes(attribute.String("connector", msg.ConnectorID)))
	defer span.End()

	query := `
		INSERT INTO hl7_messages (connector_id, author, message_type, control_id, version, payload, status, message_time)
		VALUES ($1, $2, $3, $4, $5, $6, 'PENDING', $7)
		RETURNING id, created_at, updated_at
	`

	var messageTime *time.Time
	if !msg.MessageTime.IsZero() {
		messageTime = &msg.MessageTime
	}
	err := s.pool.QueryRow(ctx, query,
		msg.ConnectorID,
		msg.Author,
		msg.Type,
		msg.ControlID,
		msg.Version,
		msg.Payload,
		messageTime,
	).Scan(&msg.ID, &msg.CreatedAt, &msg.UpdatedAt)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to append message: %w", err)
	}

	msg.Status = store.StatusPending
	msg.Error = ""
	msg.ProcessedAt = nil
	return nil
}

// NextPending implements store.MessageStore.
func (s *MessageStore) NextPending(ctx context.Context, connectorID string) (*store.Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM hl7_messages
		WHERE connector_id = $1
		  AND status = 'PENDING'
		ORDER BY id ASC
		LIMIT 1
	`

	msg, err := scanMessage(s.pool.QueryRow(ctx, query, connectorID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch next pending message: %w", err)
	}
	return msg, nil
}

// Get implements store.MessageStore.
func (s *MessageStore) Get(ctx context.Context, id int64) (*store.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM hl7_messages WHERE id = $1`

	msg, err := scanMessage(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", store.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message %d: %w", id, err)
	}
	return msg, nil
}

// MarkAccepted implements store.MessageStore.
func (s *MessageStore) MarkAccepted(ctx context.Context, id int64, at time.Time) error {
	query := `
		UPDATE hl7_messages
		SET status = 'ACCEPTED', error = '', processed_at = $1, updated_at = NOW()
		WHERE id = $2
	`
	return s.update(ctx, query, id, at, id)
}

// MarkError implements store.MessageStore.
func (s *MessageStore) MarkError(ctx context.Context, id int64, status store.Status, at time.Time, text string) error {
	if !status.Valid() {
		return fmt.Errorf("invalid status %q", status)
	}
	query := `
		UPDATE hl7_messages
		SET status = $1, error = $2, processed_at = $3, updated_at = NOW()
		WHERE id = $4
	`
	return s.update(ctx, query, id, status, store.TruncateError(text), at, id)
}

// Resubmit implements store.MessageStore.
func (s *MessageStore) Resubmit(ctx context.Context, id int64) error {
	query := `
		UPDATE hl7_messages
		SET status = 'PENDING', updated_at = NOW()
		WHERE id = $1 AND status = 'ERROR'
	`
	tag, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to resubmit message %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: message %d is not in error", store.ErrStatusConflict, id)
	}
	return nil
}

// CountByStatus implements store.MessageStore.
func (s *MessageStore) CountByStatus(ctx context.Context, connectorID string, status store.Status) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM hl7_messages WHERE connector_id = $1 AND status = $2",
		connectorID, status).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}

// LastSequence implements store.MessageStore.
func (s *MessageStore) LastSequence(ctx context.Context) (int64, error) {
	query := `
		SELECT COALESCE(MAX(control_id::BIGINT), 0)
		FROM hl7_messages
		WHERE control_id ~ '^[0-9]{1,18}$'
	`
	var last int64
	if err := s.pool.QueryRow(ctx, query).Scan(&last); err != nil {
		return 0, fmt.Errorf("failed to read last sequence: %w", err)
	}
	return last, nil
}

func (s *MessageStore) update(ctx context.Context, query string, id int64, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update message %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", store.ErrNotFound, id)
	}
	return nil
}

func scanMessage(row pgx.Row) (*store.Message, error) {
	msg := &store.Message{}
	var messageTime *time.Time
	err := row.Scan(
		&msg.ID, &msg.ConnectorID, &msg.Author, &msg.Type, &msg.ControlID,
		&msg.Version, &msg.Payload, &msg.Status, &msg.Error, &messageTime,
		&msg.CreatedAt, &msg.UpdatedAt, &msg.ProcessedAt,
	)
	if err != nil {
		return nil, err
	}
	if messageTime != nil {
		msg.MessageTime = *messageTime
	}
	return msg, nil
}

// Purge removes accepted messages processed before now - olderThan.
func (s *MessageStore) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `
		DELETE FROM hl7_messages
		WHERE status = 'ACCEPTED'
		  AND processed_at < NOW() - make_interval(secs => $1)
	`

	result, err := s.pool.Exec(ctx, query, olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("purge failed: %w", err)
	}
	return result.RowsAffected(), nil
}

// StartPurge begins periodically purging accepted messages. It does
// nothing when retention is disabled.
func (s *MessageStore) StartPurge() {
	if s.config.Retention <= 0 || s.config.PurgeInterval <= 0 {
		return
	}
	s.started = true
	go s.purgeLoop()
	s.logger.Info("message purge started",
		zap.Duration("retention", s.config.Retention),
		zap.Duration("interval", s.config.PurgeInterval))
}

// Stop stops the purge loop
func (s *MessageStore) Stop() {
	s.cancel()
	if s.started {
		<-s.done
	}
}

func (s *MessageStore) purgeLoop() {
	defer close(s.done)

	ticker := time.NewTicker(s.config.PurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.purgeOnce()
		}
	}
}

func (s *MessageStore) purgeOnce() {
	ctx, span := s.tracer.Start(s.ctx, "store.purge")
	defer span.End()

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		s.logger.Error("failed to acquire connection for purge", zap.Error(err))
		return
	}
	defer conn.Release()

	// Another instance may hold the lock
	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", purgeLockID).Scan(&acquired); err != nil || !acquired {
		return
	}
	defer conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", purgeLockID)

	deleted, err := s.Purge(ctx, s.config.Retention)
	if err != nil {
		s.logger.Error("message purge failed", zap.Error(err))
		span.RecordError(err)
		return
	}
	if deleted > 0 {
		s.logger.Info("purged accepted messages", zap.Int64("deleted", deleted))
	}
}

// Stats summarises the message log
type Stats struct {
	Pending       int64      `json:"pending"`
	Accepted      int64      `json:"accepted"`
	Errors        int64      `json:"errors"`
	OldestPending *time.Time `json:"oldest_pending,omitempty"`
}

// GetStats returns message counts across all connectors
func (s *MessageStore) GetStats(ctx context.Context) (*Stats, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'PENDING'),
			COUNT(*) FILTER (WHERE status = 'ACCEPTED'),
			COUNT(*) FILTER (WHERE status = 'ERROR'),
			MIN(created_at) FILTER (WHERE status = 'PENDING')
		FROM hl7_messages
	`
	stats := &Stats{}
	if err := s.pool.QueryRow(ctx, query).Scan(&stats.Pending, &stats.Accepted, &stats.Errors, &stats.OldestPending); err != nil {
		return nil, err
	}
	return stats, nil
}
