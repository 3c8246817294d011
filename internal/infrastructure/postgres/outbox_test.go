package postgres

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
)

type recordingPublisher struct {
	mu      sync.Mutex
	topics  []string
	fail    bool
	failErr error
}

func (p *recordingPublisher) ProduceMessage(ctx context.Context, topic, key string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail && topic != "test.dead.letter" {
		return p.failErr
	}
	p.topics = append(p.topics, topic)
	return nil
}

func newTestOutbox(t *testing.T, pub OutboxPublisher, cfg OutboxConfig) *Outbox {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}

	ctx := context.Background()
	poolCfg := DefaultPoolConfig()
	poolCfg.URL = url
	pool, err := Connect(ctx, poolCfg, nil)
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	if _, err := pool.Exec(ctx, "DELETE FROM hl7_outbox"); err != nil {
		t.Fatalf("reset failed: %v", err)
	}
	return NewOutbox(pool, pub, cfg, nil)
}

func TestOutboxRelaysInOrder(t *testing.T) {
	pub := &recordingPublisher{}
	o := newTestOutbox(t, pub, DefaultOutboxConfig())
	ctx := context.Background()

	for _, topic := range []string{"a", "b", "c"} {
		if err := o.ProduceMessage(ctx, topic, "pharmacy", []byte(`{}`)); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}

	n, err := o.ProcessBatch(ctx)
	if err != nil || n != 3 {
		t.Fatalf("published %d, err %v", n, err)
	}
	if len(pub.topics) != 3 || pub.topics[0] != "a" || pub.topics[2] != "c" {
		t.Errorf("topics = %v", pub.topics)
	}

	stats, err := o.GetStats(ctx)
	if err != nil || stats.Pending != 0 {
		t.Errorf("stats = %+v, err %v", stats, err)
	}
}

func TestOutboxRetriesThenDeadLetters(t *testing.T) {
	pub := &recordingPublisher{fail: true, failErr: errors.New("broker down")}
	cfg := DefaultOutboxConfig()
	cfg.MaxRetries = 2
	cfg.DeadLetterTopic = "test.dead.letter"
	o := newTestOutbox(t, pub, cfg)
	ctx := context.Background()

	if err := o.ProduceMessage(ctx, "hl7.messages.sent", "pharmacy", []byte(`{"id":1}`)); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		if n, err := o.ProcessBatch(ctx); err != nil || n != 0 {
			t.Fatalf("attempt %d: published %d, err %v", i, n, err)
		}
	}
	stats, _ := o.GetStats(ctx)
	if stats.Retrying != 1 {
		t.Fatalf("stats = %+v", stats)
	}

	if _, err := o.ProcessBatch(ctx); err != nil {
		t.Fatal(err)
	}
	if len(pub.topics) != 1 || pub.topics[0] != "test.dead.letter" {
		t.Errorf("topics = %v", pub.topics)
	}
	stats, _ = o.GetStats(ctx)
	if stats.Pending != 0 {
		t.Errorf("stats after dead letter = %+v", stats)
	}
}
