package topic

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/clash-of-farms/event-router/internal/correlation"
	"github.com/clash-of-farms/event-router/internal/observability"
	"github.com/clash-of-farms/event-router/internal/retry"
	"github.com/clash-of-farms/event-router/internal/source"
	"github.com/clash-of-farms/event-router/internal/tracing"
)

// Stream is an open topic subscription.
type Stream interface {
	// Next blocks until the next message arrives. It returns io.EOF when the
	// stream ends normally.
	Next(ctx context.Context) ([]byte, error)
	Close()
}

// Subscriber opens subscriptions on a pub/sub service.
type Subscriber interface {
	Subscribe(ctx context.Context, cache, topic string) (Stream, error)
	Close() error
}

// SubscriptionSetupError reports that a subscription could not be established.
type SubscriptionSetupError struct {
	Cache    string
	Topic    string
	Attempts int
	Err      error
}

func (e *SubscriptionSetupError) Error() string {
	return fmt.Sprintf("subscribe to %s/%s (after %d attempts): %v", e.Cache, e.Topic, e.Attempts, e.Err)
}

func (e *SubscriptionSetupError) Unwrap() error { return e.Err }

// Config holds topic source configuration.
type Config struct {
	Cache     string
	Topic     string
	Reconnect retry.Config
	// StableAfter is how long a stream must stay open, without delivering
	// anything, before its termination stops counting as a failure.
	StableAfter time.Duration
}

// DefaultStableAfter is used when Config.StableAfter is unset.
const DefaultStableAfter = 10 * time.Second

// Status is a point-in-time view of subscription liveness.
type Status struct {
	Connected  bool
	Since      time.Time
	Reconnects int64
	LastError  string
}

// Source keeps a subscription to one topic open, resubscribing whenever the
// stream terminates.
type Source struct {
	sub     Subscriber
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *observability.Metrics
	clock   func() time.Time

	mu           sync.Mutex
	status       Status
	cancelStream context.CancelFunc
	reloading    bool
}

// NewSource creates a topic source.
func NewSource(cfg Config, sub Subscriber, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := retry.ReconnectDefaults()
	if cfg.Reconnect.InitialInterval <= 0 {
		cfg.Reconnect.InitialInterval = defaults.InitialInterval
	}
	if cfg.Reconnect.MaxInterval <= 0 {
		cfg.Reconnect.MaxInterval = defaults.MaxInterval
	}
	if cfg.Reconnect.MaxInterval < cfg.Reconnect.InitialInterval {
		cfg.Reconnect.MaxInterval = cfg.Reconnect.InitialInterval
	}
	if cfg.StableAfter <= 0 {
		cfg.StableAfter = DefaultStableAfter
	}
	return &Source{
		sub:    sub,
		cfg:    cfg,
		logger: logger.With("cache", cfg.Cache, "topic", cfg.Topic),
		tracer: noop.NewTracerProvider().Tracer("topic-source"),
		clock:  time.Now,
		status: Status{Since: time.Now()},
	}
}

// SetTracer sets the tracer for the source.
func (s *Source) SetTracer(tracer trace.Tracer) {
	s.tracer = tracer
}

// SetMetrics enables subscription metrics.
func (s *Source) SetMetrics(m *observability.Metrics) {
	s.metrics = m
}

// Status returns the current subscription status.
func (s *Source) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Reload drops the current stream so the next subscription picks up a
// refreshed credential. The resubscribe happens without backoff.
func (s *Source) Reload() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelStream == nil {
		return
	}
	s.reloading = true
	s.cancelStream()
}

// Start subscribes and delivers messages to handler until ctx is cancelled.
// It returns a *SubscriptionSetupError when subscribing keeps failing.
func (s *Source) Start(ctx context.Context, handler func(context.Context, source.Message) error) error {
	s.logger.Info("starting topic subscription")

	backoff := retry.NewBackoff(s.cfg.Reconnect)
	first := true

	for {
		if ctx.Err() != nil {
			s.markDown(nil)
			return ctx.Err()
		}
		if !first {
			s.countReconnect()
		}
		first = false

		streamCtx, cancel := context.WithCancel(ctx)
		s.setCancel(cancel)

		stream, err := s.sub.Subscribe(streamCtx, s.cfg.Cache, s.cfg.Topic)
		if err != nil {
			s.setCancel(nil)
			cancel()
			if ctx.Err() != nil {
				s.markDown(nil)
				return ctx.Err()
			}
			if s.takeReload() {
				continue
			}

			delay, ok := backoff.Next()
			setupErr := &SubscriptionSetupError{
				Cache:    s.cfg.Cache,
				Topic:    s.cfg.Topic,
				Attempts: backoff.Failures(),
				Err:      err,
			}
			s.markDown(setupErr)
			if !ok || retry.IsPermanent(err) {
				s.logger.Error("subscription setup failed, giving up", "attempts", setupErr.Attempts, "error", err)
				return setupErr
			}
			s.logger.Warn("subscription setup failed, retrying",
				"attempt", setupErr.Attempts,
				"delay", delay,
				"error", err,
			)
			if err := retry.Sleep(ctx, delay); err != nil {
				s.markDown(nil)
				return err
			}
			continue
		}

		upSince := s.clock()
		s.markUp()
		s.logger.Info("subscribed to topic")

		delivered, err := s.consume(ctx, streamCtx, stream, handler)
		stream.Close()
		s.setCancel(nil)
		cancel()

		if ctx.Err() != nil {
			s.markDown(nil)
			s.logger.Info("topic subscription stopped")
			return ctx.Err()
		}

		if s.takeReload() {
			s.markDown(nil)
			s.logger.Info("resubscribing after credential reload")
			continue
		}

		if errors.Is(err, io.EOF) {
			err = errors.New("subscription stream ended")
		}
		s.markDown(err)
		// A stream that delivered or stayed up long enough counts as a
		// success; one that dies straight away grows the delay.
		var delay time.Duration
		if delivered > 0 || s.clock().Sub(upSince) >= s.cfg.StableAfter {
			backoff.Reset()
			delay = retry.Delay(0, s.cfg.Reconnect)
		} else {
			delay = backoff.Fail()
		}
		s.logger.Warn("subscription stream terminated, resubscribing",
			"delay", delay,
			"delivered", delivered,
			"consecutive_failures", backoff.Failures(),
			"error", err,
		)
		if err := retry.Sleep(ctx, delay); err != nil {
			s.markDown(nil)
			return err
		}
	}
}

// consume reads stream until it fails and returns how many messages it delivered.
func (s *Source) consume(ctx, streamCtx context.Context, stream Stream, handler func(context.Context, source.Message) error) (int, error) {
	delivered := 0
	for {
		data, err := stream.Next(streamCtx)
		if err != nil {
			return delivered, err
		}
		delivered++

		msg := source.Message{
			Value:         data,
			Cache:         s.cfg.Cache,
			Topic:         s.cfg.Topic,
			ReceivedAt:    s.clock(),
			CorrelationID: correlation.New(),
		}

		spanCtx, span := tracing.StartSpan(ctx, s.tracer, tracing.SpanMessageReceive,
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(
				tracing.CacheAttr(s.cfg.Cache),
				tracing.TopicAttr(s.cfg.Topic),
				tracing.CorrelationAttr(msg.CorrelationID),
			),
		)

		if err := handler(spanCtx, msg); err != nil {
			tracing.SetSpanError(span, err)
			s.logger.Error("handler error", "correlation_id", msg.CorrelationID, "error", err)
		} else {
			tracing.SetSpanOK(span)
		}
		span.End()
	}
}

// Close releases the underlying subscriber.
func (s *Source) Close() error {
	return s.sub.Close()
}

func (s *Source) setCancel(cancel context.CancelFunc) {
	s.mu.Lock()
	s.cancelStream = cancel
	s.mu.Unlock()
}

func (s *Source) takeReload() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.reloading
	s.reloading = false
	return r
}

func (s *Source) markUp() {
	s.mu.Lock()
	s.status.Connected = true
	s.status.Since = s.clock()
	s.status.LastError = ""
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.SubscriptionUp.Set(1)
	}
}

func (s *Source) markDown(err error) {
	s.mu.Lock()
	if s.status.Connected {
		s.status.Since = s.clock()
	}
	s.status.Connected = false
	if err != nil {
		s.status.LastError = err.Error()
	}
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.SubscriptionUp.Set(0)
	}
}

func (s *Source) countReconnect() {
	s.mu.Lock()
	s.status.Reconnects++
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.SubscriptionReconnects.Inc()
	}
}
