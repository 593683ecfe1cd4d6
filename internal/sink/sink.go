package sink

import (
	"context"

	"github.com/clash-of-farms/event-router/internal/event"
)

// Sink delivers envelopes to the downstream event bus.
type Sink interface {
	// Deliver publishes one envelope. Returns nil once the bus has
	// acknowledged it.
	Deliver(ctx context.Context, env event.Envelope) error

	// Close performs graceful shutdown.
	Close() error
}
