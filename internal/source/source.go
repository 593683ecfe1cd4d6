package source

import (
	"context"
	"time"
)

// Message is a raw message received from a topic subscription.
// Value is opaque until decoded.
type Message struct {
	Value         []byte
	Cache         string
	Topic         string
	ReceivedAt    time.Time
	CorrelationID string
}

// Source consumes messages from an external system.
type Source interface {
	// Start begins consuming messages. Blocks until ctx is cancelled or the
	// source gives up. Messages are delivered to the handler one at a time.
	Start(ctx context.Context, handler func(context.Context, Message) error) error

	// Close performs graceful shutdown.
	Close() error
}
