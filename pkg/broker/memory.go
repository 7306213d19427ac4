package broker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// subscriberBuffer is the per-subscriber channel depth. A subscriber that
// stops draining loses its oldest messages rather than blocking publishers.
const subscriberBuffer = 256

// MemoryBroker is an in-process Broker for tests and single-node runs.
type MemoryBroker struct {
	mu     sync.RWMutex
	topics map[string][]chan Message
	offset int64
	closed bool
}

// NewMemoryBroker creates an empty in-memory broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{topics: make(map[string][]chan Message)}
}

// Publish delivers value to every subscriber of topic. Implements Broker.
func (b *MemoryBroker) Publish(_ context.Context, topic string, key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("broker is closed")
	}
	b.offset++
	msg := Message{
		Topic:     topic,
		Key:       key,
		Value:     value,
		Offset:    b.offset,
		Timestamp: time.Now().UnixMilli(),
	}
	for _, ch := range b.topics[topic] {
		select {
		case ch <- msg:
		default:
			// Subscriber is full: drop the oldest entry to make room so
			// slow consumers see recent state, not ancient state.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- msg:
			default:
			}
		}
	}
	return nil
}

// Subscribe registers a new subscriber channel for topic. Implements Broker.
func (b *MemoryBroker) Subscribe(_ context.Context, topic string, _ string) (<-chan Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("broker is closed")
	}
	ch := make(chan Message, subscriberBuffer)
	b.topics[topic] = append(b.topics[topic], ch)
	return ch, nil
}

// Health always reports a fully healthy in-process connection.
func (b *MemoryBroker) Health() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0
	}
	return 1
}

// Close shuts down all subscriber channels. Implements Broker.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.topics {
		for _, ch := range subs {
			close(ch)
		}
	}
	b.topics = nil
	return nil
}
