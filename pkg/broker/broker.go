// Package broker abstracts the pub/sub transport underneath the message
// router. Implementations provide at-least-once delivery per topic; the
// in-memory bus serves tests and single-node runs, the Kafka bus serves
// distributed deployments.
package broker

import "context"

// Broker abstracts message publishing and consumption.
type Broker interface {
	// Publish sends a message to a topic with an optional key for
	// partitioning. The in-memory broker ignores the key.
	Publish(ctx context.Context, topic string, key string, value []byte) error

	// Subscribe returns a channel for consuming messages from a topic.
	// groupID is used for consumer group coordination in Kafka and is
	// ignored by the in-memory broker.
	Subscribe(ctx context.Context, topic string, groupID string) (<-chan Message, error)

	// Health reports the connection's health in [0,1]. The router skips
	// connections reporting below its health floor.
	Health() float64

	// Close shuts down the broker connection gracefully.
	Close() error
}

// Message represents a consumed message from a broker.
type Message struct {
	Topic     string
	Key       string
	Value     []byte
	Offset    int64
	Partition int32
	Timestamp int64
}
