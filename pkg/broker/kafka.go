package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaBroker is a Kafka-compatible Broker implementation using franz-go.
type KafkaBroker struct {
	client  *kgo.Client
	seeds   []string
	mu      sync.RWMutex
	readers map[string]*kgo.Client // topic+groupID -> consumer client
	healthy bool
	closed  bool
}

// NewKafkaBroker connects a producer client to the given seed brokers
// (e.g. ["localhost:9092"]).
func NewKafkaBroker(seeds []string) (*KafkaBroker, error) {
	if len(seeds) == 0 {
		return nil, fmt.Errorf("at least one seed broker address is required")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(seeds...),
		kgo.AllowAutoTopicCreation(),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	return &KafkaBroker{
		client:  client,
		seeds:   seeds,
		readers: make(map[string]*kgo.Client),
		healthy: true,
	}, nil
}

// Publish produces synchronously so delivery errors surface to the router's
// retry logic. Implements Broker.
func (b *KafkaBroker) Publish(ctx context.Context, topic string, key string, value []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("broker is closed")
	}
	client := b.client
	b.mu.RUnlock()

	record := &kgo.Record{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
	}
	results := client.ProduceSync(ctx, record)
	if err := results.FirstErr(); err != nil {
		b.setHealthy(false)
		return fmt.Errorf("produce to %s: %w", topic, err)
	}
	b.setHealthy(true)
	return nil
}

// Subscribe creates a consumer for the topic and consumer group and pumps
// records into the returned channel until ctx is cancelled. Implements
// Broker.
func (b *KafkaBroker) Subscribe(ctx context.Context, topic string, groupID string) (<-chan Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("broker is closed")
	}

	key := topic + ":" + groupID
	if _, exists := b.readers[key]; exists {
		return nil, fmt.Errorf("already subscribed to %s with group %s", topic, groupID)
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(b.seeds...),
		kgo.ConsumeTopics(topic),
	}
	if groupID != "" {
		opts = append(opts, kgo.ConsumerGroup(groupID))
	}
	consumer, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create consumer for %s: %w", topic, err)
	}
	b.readers[key] = consumer

	out := make(chan Message, subscriberBuffer)
	go func() {
		defer close(out)
		for {
			fetches := consumer.PollFetches(ctx)
			if ctx.Err() != nil {
				return
			}
			if fetches.IsClientClosed() {
				return
			}
			fetches.EachRecord(func(r *kgo.Record) {
				select {
				case out <- Message{
					Topic:     r.Topic,
					Key:       string(r.Key),
					Value:     r.Value,
					Offset:    r.Offset,
					Partition: r.Partition,
					Timestamp: r.Timestamp.UnixMilli(),
				}:
				case <-ctx.Done():
				}
			})
		}
	}()
	return out, nil
}

// Health reports 1 while the last produce succeeded and degrades after a
// produce error until the next success.
func (b *KafkaBroker) Health() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0
	}
	if !b.healthy {
		return 0.2
	}
	return 1
}

func (b *KafkaBroker) setHealthy(ok bool) {
	b.mu.Lock()
	b.healthy = ok
	b.mu.Unlock()
}

// Close shuts down the producer and all consumers. Implements Broker.
func (b *KafkaBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	b.client.Close()
	for _, c := range b.readers {
		c.Close()
	}
	b.readers = nil
	return nil
}
