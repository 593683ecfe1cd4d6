package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/clash-of-farms/event-router/internal/correlation"
	"github.com/clash-of-farms/event-router/internal/event"
	"github.com/clash-of-farms/event-router/internal/observability"
	"github.com/clash-of-farms/event-router/internal/sink"
	"github.com/clash-of-farms/event-router/internal/source"
	"github.com/clash-of-farms/event-router/internal/tracing"
)

// Outcome classifies how a single message was handled.
type Outcome string

const (
	OutcomeForwarded       Outcome = "forwarded"
	OutcomeDecodeError     Outcome = "decode_error"
	OutcomeValidationError Outcome = "validation_error"
	OutcomePublishError    Outcome = "publish_error"
	OutcomeInternalError   Outcome = "internal_error"
)

// Result is the outcome of forwarding one message.
type Result struct {
	Outcome  Outcome
	Event    event.Event // zero unless decoding succeeded
	Err      error
	Duration time.Duration
}

// Config holds pipeline configuration.
type Config struct {
	EventBusName string
}

// Pipeline drives the source and forwards every message to the sink.
type Pipeline struct {
	config  Config
	source  source.Source
	sink    sink.Sink
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *observability.Metrics
}

// New creates a new Pipeline.
func New(cfg Config, src source.Source, sk sink.Sink, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		config: cfg,
		source: src,
		sink:   sk,
		logger: logger,
		tracer: noop.NewTracerProvider().Tracer("pipeline"),
	}
}

// SetTracer sets the tracer for the pipeline.
func (p *Pipeline) SetTracer(tracer trace.Tracer) {
	p.tracer = tracer
}

// SetMetrics enables per-message metrics.
func (p *Pipeline) SetMetrics(m *observability.Metrics) {
	p.metrics = m
}

// Run starts the pipeline. Blocks until ctx is cancelled or the source gives up.
// Per-message failures never stop the run.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.InfoContext(ctx, "starting pipeline", "bus", p.config.EventBusName)

	return p.source.Start(ctx, func(ctx context.Context, msg source.Message) error {
		p.Forward(ctx, msg)
		return nil
	})
}

// Forward decodes msg and publishes it to the event bus. It never panics.
func (p *Pipeline) Forward(ctx context.Context, msg source.Message) (res Result) {
	start := time.Now()
	ctx = correlation.WithID(ctx, msg.CorrelationID)
	ctx, span := tracing.StartSpan(ctx, p.tracer, tracing.SpanForward,
		trace.WithAttributes(tracing.CorrelationAttr(msg.CorrelationID)),
	)

	defer func() {
		if r := recover(); r != nil {
			res = Result{Outcome: OutcomeInternalError, Event: res.Event, Err: fmt.Errorf("panic: %v", r)}
		}
		res.Duration = time.Since(start)
		p.record(ctx, span, res)
		span.End()
	}()

	p.logger.DebugContext(ctx, "raw message from topic", "topic", msg.Topic, "raw", string(msg.Value))

	evt, err := event.Decode(msg.Value)
	p.observe("decode", start)
	if err != nil {
		var ve *event.ValidationError
		if errors.As(err, &ve) {
			return Result{Outcome: OutcomeValidationError, Err: err}
		}
		return Result{Outcome: OutcomeDecodeError, Err: err}
	}

	p.logger.DebugContext(ctx, "parsed topic message",
		"eventType", evt.Type(),
		"playerId", evt.Player(),
		"timestamp", evt.Time(),
		"payload", string(evt.Payload),
	)

	env, err := event.NewEnvelope(evt, p.config.EventBusName)
	if err != nil {
		return Result{Outcome: OutcomeInternalError, Event: evt, Err: err}
	}

	publishStart := time.Now()
	err = p.sink.Deliver(ctx, env)
	p.observe("publish", publishStart)
	if err != nil {
		return Result{Outcome: OutcomePublishError, Event: evt, Err: err}
	}

	return Result{Outcome: OutcomeForwarded, Event: evt}
}

func (p *Pipeline) record(ctx context.Context, span trace.Span, res Result) {
	span.SetAttributes(tracing.OutcomeAttr(string(res.Outcome)))
	if res.Event.EventType != nil {
		span.SetAttributes(
			tracing.EventTypeAttr(res.Event.Type()),
			tracing.PlayerIDAttr(res.Event.Player()),
		)
	}

	if p.metrics != nil {
		p.metrics.MessagesTotal.WithLabelValues(string(res.Outcome)).Inc()
		p.metrics.ForwardDuration.WithLabelValues("total").Observe(res.Duration.Seconds())
	}

	if res.Outcome == OutcomeForwarded {
		tracing.SetSpanOK(span)
		p.logger.InfoContext(ctx, "forwarded event to event bus",
			"eventType", res.Event.Type(),
			"playerId", res.Event.Player(),
			"latency_ms", res.Duration.Milliseconds(),
		)
		return
	}

	tracing.SetSpanError(span, res.Err)
	args := []any{"outcome", string(res.Outcome), "error", res.Err}
	if res.Event.EventType != nil {
		args = append(args, "eventType", res.Event.Type(), "playerId", res.Event.Player())
	}
	p.logger.ErrorContext(ctx, "error handling topic message, dropping it", args...)
}

func (p *Pipeline) observe(phase string, since time.Time) {
	if p.metrics != nil {
		p.metrics.ForwardDuration.WithLabelValues(phase).Observe(time.Since(since).Seconds())
	}
}

// Shutdown closes source and sink in order. Returns all errors joined.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.logger.InfoContext(ctx, "shutting down pipeline")

	var errs []error
	if err := p.source.Close(); err != nil {
		p.logger.ErrorContext(ctx, "source close error", "error", err)
		errs = append(errs, fmt.Errorf("source close: %w", err))
	}
	if err := p.sink.Close(); err != nil {
		p.logger.ErrorContext(ctx, "sink close error", "error", err)
		errs = append(errs, fmt.Errorf("sink close: %w", err))
	}

	p.logger.InfoContext(ctx, "pipeline shutdown complete")
	return errors.Join(errs...)
}
