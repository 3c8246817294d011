package redpanda

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

const (
	// TopicOutboundRequests carries messages to enqueue for delivery, keyed
	// by connector.
	TopicOutboundRequests = "hl7.outbound.requests"
	// TopicMessagesSent carries one event per delivery outcome.
	TopicMessagesSent = "hl7.messages.sent"
	// TopicInbound carries accepted inbound dispense messages.
	TopicInbound = "hl7.inbound"
	// TopicDeadLetter carries outbound requests that could not be enqueued.
	TopicDeadLetter = "hl7.dead.letter"
)

// Topic is a relay topic and the settings it is created with.
type Topic struct {
	Name       string
	Partitions int32
	Retention  time.Duration
}

var relayTopics = []Topic{
	{Name: TopicOutboundRequests, Partitions: 6, Retention: 24 * time.Hour},
	{Name: TopicMessagesSent, Partitions: 6, Retention: 7 * 24 * time.Hour},
	// inbound dispenses are kept long enough to rebuild a downstream view
	{Name: TopicInbound, Partitions: 6, Retention: 30 * 24 * time.Hour},
	// one partition, so dead letters read back in the order they failed
	{Name: TopicDeadLetter, Partitions: 1, Retention: 7 * 24 * time.Hour},
}

// Topics returns the topics the relay produces to or consumes from.
func Topics() []Topic {
	return slices.Clone(relayTopics)
}

func (t Topic) configs() map[string]*string {
	str := func(s string) *string { return &s }
	return map[string]*string{
		"retention.ms":     str(strconv.FormatInt(t.Retention.Milliseconds(), 10)),
		"cleanup.policy":   str("delete"),
		"compression.type": str("lz4"),
	}
}

// TopicStatus reports what Ensure did with one topic.
type TopicStatus struct {
	Name    string `json:"name"`
	Created bool   `json:"created"`
}

// GroupLag is the unconsumed record count of a consumer group.
type GroupLag struct {
	Group  string                     `json:"group"`
	Total  int64                      `json:"total"`
	Topics map[string]map[int32]int64 `json:"topics"`
}

// PartitionDetails holds the placement of one partition.
type PartitionDetails struct {
	ID       int32   `json:"id"`
	Leader   int32   `json:"leader"`
	Replicas []int32 `json:"replicas"`
	ISR      []int32 `json:"isr"`
}

// Admin runs topic and group administration for the relay.
type Admin struct {
	client *kadm.Client
	logger *zap.Logger
}

// NewAdmin connects an admin client to the brokers.
func NewAdmin(brokers []string, logger *zap.Logger) (*Admin, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	kgoClient, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &Admin{
		client: kadm.NewClient(kgoClient),
		logger: logger,
	}, nil
}

// Ensure creates the relay topics that do not exist yet. Existing topics
// are left as they are.
func (a *Admin) Ensure(ctx context.Context, replicas int16) ([]TopicStatus, error) {
	if replicas < 1 {
		replicas = 1
	}

	var statuses []TopicStatus
	for _, t := range relayTopics {
		resp, err := a.client.CreateTopic(ctx, t.Partitions, replicas, t.configs(), t.Name)
		if err != nil && !errors.Is(err, kerr.TopicAlreadyExists) {
			return statuses, fmt.Errorf("failed to create topic %s: %w", t.Name, err)
		}
		if err == nil && resp.Err != nil && !errors.Is(resp.Err, kerr.TopicAlreadyExists) {
			return statuses, fmt.Errorf("failed to create topic %s: %w", t.Name, resp.Err)
		}

		created := err == nil && resp.Err == nil
		statuses = append(statuses, TopicStatus{Name: t.Name, Created: created})
		a.logger.Info("topic ensured",
			zap.String("topic", t.Name),
			zap.Bool("created", created),
			zap.Int32("partitions", t.Partitions),
			zap.Duration("retention", t.Retention))
	}
	return statuses, nil
}

// List returns every topic name on the cluster, sorted.
func (a *Admin) List(ctx context.Context) ([]string, error) {
	topics, err := a.client.ListTopics(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list topics: %w", err)
	}

	names := topics.Names()
	sort.Strings(names)
	return names, nil
}

// Partitions returns the partition placement of a topic.
func (a *Admin) Partitions(ctx context.Context, topic string) ([]PartitionDetails, error) {
	topics, err := a.client.ListTopics(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("failed to describe topic: %w", err)
	}

	t, ok := topics[topic]
	if !ok || t.Err != nil {
		return nil, fmt.Errorf("topic %s not found", topic)
	}

	partitions := make([]PartitionDetails, 0, len(t.Partitions))
	for _, p := range t.Partitions.Sorted() {
		partitions = append(partitions, PartitionDetails{
			ID:       p.Partition,
			Leader:   p.Leader,
			Replicas: p.Replicas,
			ISR:      p.ISR,
		})
	}
	return partitions, nil
}

// Lag reports how far a consumer group, normally the outbound request
// consumer, is behind each partition.
func (a *Admin) Lag(ctx context.Context, group string) (*GroupLag, error) {
	described, err := a.client.Lag(ctx, group)
	if err != nil {
		return nil, fmt.Errorf("failed to get consumer group lag: %w", err)
	}

	lag := &GroupLag{Group: group, Topics: make(map[string]map[int32]int64)}
	described.Each(func(l kadm.DescribedGroupLag) {
		for topic, partitions := range l.Lag {
			if lag.Topics[topic] == nil {
				lag.Topics[topic] = make(map[int32]int64)
			}
			for partition, m := range partitions {
				lag.Topics[topic][partition] = m.Lag
				lag.Total += m.Lag
			}
		}
	})
	return lag, nil
}

// Delete removes topics. Every topic is attempted; failures are joined.
func (a *Admin) Delete(ctx context.Context, topics ...string) error {
	resp, err := a.client.DeleteTopics(ctx, topics...)
	if err != nil {
		return fmt.Errorf("failed to delete topics: %w", err)
	}

	var errs []error
	for _, r := range resp.Sorted() {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("topic %s: %w", r.Topic, r.Err))
			continue
		}
		a.logger.Info("topic deleted", zap.String("topic", r.Topic))
	}
	return errors.Join(errs...)
}

// Close closes the admin client
func (a *Admin) Close() {
	a.client.Close()
}
