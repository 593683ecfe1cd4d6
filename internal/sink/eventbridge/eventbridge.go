package eventbridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/aws/smithy-go"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/clash-of-farms/event-router/internal/event"
	"github.com/clash-of-farms/event-router/internal/observability"
	"github.com/clash-of-farms/event-router/internal/retry"
	"github.com/clash-of-farms/event-router/internal/tracing"
)

// PutEventsAPI is the subset of the EventBridge client used by Sink.
type PutEventsAPI interface {
	PutEvents(ctx context.Context, params *eventbridge.PutEventsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error)
}

// Config holds EventBridge sink configuration.
type Config struct {
	Timeout time.Duration // per attempt
	Retry   retry.Config
}

// EntryError is a per-entry rejection reported in a PutEvents response.
type EntryError struct {
	Code    string
	Message string
}

func (e *EntryError) Error() string {
	return fmt.Sprintf("entry rejected: %s: %s", e.Code, e.Message)
}

func (e *EntryError) transient() bool {
	switch e.Code {
	case "ThrottlingException", "InternalFailure", "InternalException", "ServiceUnavailable":
		return true
	}
	return false
}

// ErrTimeout is returned when a single publish attempt exceeds Config.Timeout.
var ErrTimeout = errors.New("publish timed out")

var permanentAPICodes = map[string]bool{
	"ValidationException":         true,
	"ResourceNotFoundException":   true,
	"AccessDeniedException":       true,
	"UnrecognizedClientException": true,
	"InvalidSignatureException":   true,
}

// Sink publishes envelopes to an EventBridge bus, one entry per call.
type Sink struct {
	client  PutEventsAPI
	config  Config
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *observability.Metrics
}

// NewClient builds an EventBridge client from the default AWS credential
// chain. SDK-level retries are disabled; Sink applies its own policy.
// A non-empty endpoint replaces the regional endpoint (LocalStack, tests).
func NewClient(ctx context.Context, region, endpoint string) (*eventbridge.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return eventbridge.NewFromConfig(awsCfg, func(o *eventbridge.Options) {
		o.RetryMaxAttempts = 1
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}

// NewSink creates a new EventBridge sink.
func NewSink(client PutEventsAPI, cfg Config, logger *slog.Logger) (*Sink, error) {
	if client == nil {
		return nil, fmt.Errorf("eventbridge client is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.PublishDefaults()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		client: client,
		config: cfg,
		logger: logger,
		tracer: noop.NewTracerProvider().Tracer("eventbridge-sink"),
	}, nil
}

// SetTracer sets the tracer for the sink.
func (s *Sink) SetTracer(tracer trace.Tracer) {
	s.tracer = tracer
}

// SetMetrics enables publish error metrics.
func (s *Sink) SetMetrics(m *observability.Metrics) {
	s.metrics = m
}

// Deliver publishes env as a single-entry PutEvents batch.
func (s *Sink) Deliver(ctx context.Context, env event.Envelope) error {
	ctx, span := tracing.StartSpan(ctx, s.tracer, tracing.SpanPutEvents,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			tracing.EventBusAttr(env.EventBusName),
			tracing.EventTypeAttr(env.DetailType),
		),
	)
	defer span.End()

	err := retry.Do(ctx, s.config.Retry, func(attempt int) error {
		if attempt > 0 {
			s.logger.WarnContext(ctx, "retrying publish",
				"attempt", attempt+1,
				"bus", env.EventBusName,
			)
		}
		eventID, err := s.put(ctx, env)
		if err != nil {
			return err
		}
		span.SetAttributes(tracing.EventIDAttr(eventID), tracing.AttemptAttr(attempt+1))
		s.logger.DebugContext(ctx, "eventbridge response",
			"event_id", eventID,
			"bus", env.EventBusName,
		)
		return nil
	})
	if err != nil {
		code := ErrorCode(err)
		span.SetAttributes(tracing.ErrorTypeAttr(code))
		tracing.SetSpanError(span, err)
		if s.metrics != nil {
			s.metrics.PublishErrors.WithLabelValues(code).Inc()
		}
		return fmt.Errorf("put events to %s: %w", env.EventBusName, err)
	}

	tracing.SetSpanOK(span)
	return nil
}

func (s *Sink) put(ctx context.Context, env event.Envelope) (string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	out, err := s.client.PutEvents(attemptCtx, &eventbridge.PutEventsInput{
		Entries: []types.PutEventsRequestEntry{{
			Source:       aws.String(env.Source),
			DetailType:   aws.String(env.DetailType),
			Detail:       aws.String(env.Detail),
			EventBusName: aws.String(env.EventBusName),
		}},
	})
	if err != nil {
		if ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w after %s: %w", ErrTimeout, s.config.Timeout, err)
		}
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && permanentAPICodes[apiErr.ErrorCode()] {
			return "", retry.Permanent(err)
		}
		return "", err
	}

	var entry types.PutEventsResultEntry
	if len(out.Entries) > 0 {
		entry = out.Entries[0]
	}
	if out.FailedEntryCount > 0 || entry.ErrorCode != nil {
		entryErr := &EntryError{
			Code:    aws.ToString(entry.ErrorCode),
			Message: aws.ToString(entry.ErrorMessage),
		}
		if entryErr.Code == "" {
			entryErr.Code = "Unknown"
		}
		if entryErr.transient() {
			return "", entryErr
		}
		return "", retry.Permanent(entryErr)
	}
	return aws.ToString(entry.EventId), nil
}

// Close releases resources held by the sink.
func (s *Sink) Close() error {
	return nil
}

// ErrorCode returns a short label describing a publish failure.
func ErrorCode(err error) string {
	var entryErr *EntryError
	if errors.As(err, &entryErr) {
		return entryErr.Code
	}
	if errors.Is(err, ErrTimeout) {
		return "Timeout"
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	if errors.Is(err, context.Canceled) {
		return "Canceled"
	}
	return "Unknown"
}
