package eventbridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/aws/smithy-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/clash-of-farms/event-router/internal/event"
	"github.com/clash-of-farms/event-router/internal/observability"
	"github.com/clash-of-farms/event-router/internal/retry"
)

type putResult struct {
	out *eventbridge.PutEventsOutput
	err error
}

type mockClient struct {
	mu      sync.Mutex
	inputs  []*eventbridge.PutEventsInput
	results []putResult
	block   bool
}

func (m *mockClient) PutEvents(ctx context.Context, in *eventbridge.PutEventsInput, _ ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error) {
	m.mu.Lock()
	m.inputs = append(m.inputs, in)
	n := len(m.inputs)
	block := m.block
	m.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if n <= len(m.results) {
		r := m.results[n-1]
		return r.out, r.err
	}
	return okOutput("evt-default"), nil
}

func (m *mockClient) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inputs)
}

func okOutput(id string) *eventbridge.PutEventsOutput {
	return &eventbridge.PutEventsOutput{
		Entries: []types.PutEventsResultEntry{{EventId: aws.String(id)}},
	}
}

func failedOutput(code string) *eventbridge.PutEventsOutput {
	return &eventbridge.PutEventsOutput{
		FailedEntryCount: 1,
		Entries: []types.PutEventsResultEntry{{
			ErrorCode:    aws.String(code),
			ErrorMessage: aws.String(code + " happened"),
		}},
	}
}

func testEnvelope() event.Envelope {
	return event.Envelope{
		Source:       event.SourceName,
		DetailType:   "PLAYER_LEVEL_UP",
		Detail:       `{"eventType":"PLAYER_LEVEL_UP","playerId":"p123","timestamp":"t","payload":{}}`,
		EventBusName: "game-bus",
	}
}

func fastRetry(attempts int) retry.Config {
	return retry.Config{MaxAttempts: attempts, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}
}

func TestNewSink_RequiresClient(t *testing.T) {
	if _, err := NewSink(nil, Config{}, nil); err == nil {
		t.Fatal("expected error for nil client")
	}
}

func TestDeliver_SingleEntryBatch(t *testing.T) {
	client := &mockClient{results: []putResult{{out: okOutput("evt-1")}}}
	s, err := NewSink(client, Config{}, nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Deliver(context.Background(), testEnvelope()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if client.calls() != 1 {
		t.Fatalf("expected 1 PutEvents call, got %d", client.calls())
	}
	entries := client.inputs[0].Entries
	if len(entries) != 1 {
		t.Fatalf("expected single-entry batch, got %d entries", len(entries))
	}
	e := entries[0]
	if aws.ToString(e.Source) != "event-router-service" {
		t.Errorf("unexpected source %q", aws.ToString(e.Source))
	}
	if aws.ToString(e.DetailType) != "PLAYER_LEVEL_UP" {
		t.Errorf("unexpected detail type %q", aws.ToString(e.DetailType))
	}
	if aws.ToString(e.Detail) != testEnvelope().Detail {
		t.Errorf("unexpected detail %q", aws.ToString(e.Detail))
	}
	if aws.ToString(e.EventBusName) != "game-bus" {
		t.Errorf("unexpected bus %q", aws.ToString(e.EventBusName))
	}
}

func TestDeliver_DefaultDoesNotRetry(t *testing.T) {
	client := &mockClient{results: []putResult{{err: errors.New("connection reset")}}}
	s, _ := NewSink(client, Config{}, nil)

	if err := s.Deliver(context.Background(), testEnvelope()); err == nil {
		t.Fatal("expected error")
	}
	if client.calls() != 1 {
		t.Fatalf("expected exactly 1 call, got %d", client.calls())
	}
}

func TestDeliver_RetriesTransientEntryFailure(t *testing.T) {
	client := &mockClient{results: []putResult{
		{out: failedOutput("ThrottlingException")},
		{out: okOutput("evt-2")},
	}}
	s, _ := NewSink(client, Config{Retry: fastRetry(3)}, nil)

	if err := s.Deliver(context.Background(), testEnvelope()); err != nil {
		t.Fatalf("expected success after retry, got %v", err)
	}
	if client.calls() != 2 {
		t.Fatalf("expected 2 calls, got %d", client.calls())
	}
}

func TestDeliver_PermanentEntryFailureNotRetried(t *testing.T) {
	client := &mockClient{results: []putResult{{out: failedOutput("MalformedDetail")}}}
	reg := prometheus.NewRegistry()
	m := observability.NewMetrics(reg)
	s, _ := NewSink(client, Config{Retry: fastRetry(3)}, nil)
	s.SetMetrics(m)

	err := s.Deliver(context.Background(), testEnvelope())
	var entryErr *EntryError
	if !errors.As(err, &entryErr) {
		t.Fatalf("expected EntryError, got %v", err)
	}
	if entryErr.Code != "MalformedDetail" {
		t.Errorf("expected code MalformedDetail, got %q", entryErr.Code)
	}
	if client.calls() != 1 {
		t.Fatalf("expected 1 call, got %d", client.calls())
	}
	if got := testutil.ToFloat64(m.PublishErrors.WithLabelValues("MalformedDetail")); got != 1 {
		t.Errorf("expected 1 publish error metric, got %v", got)
	}
}

func TestDeliver_PermanentAPIErrorNotRetried(t *testing.T) {
	apiErr := &smithy.GenericAPIError{Code: "ResourceNotFoundException", Message: "bus not found"}
	client := &mockClient{results: []putResult{{err: apiErr}}}
	s, _ := NewSink(client, Config{Retry: fastRetry(3)}, nil)

	err := s.Deliver(context.Background(), testEnvelope())
	if err == nil {
		t.Fatal("expected error")
	}
	if client.calls() != 1 {
		t.Fatalf("expected 1 call, got %d", client.calls())
	}
	if code := ErrorCode(err); code != "ResourceNotFoundException" {
		t.Errorf("expected ResourceNotFoundException, got %q", code)
	}
}

func TestDeliver_TimeoutPerAttempt(t *testing.T) {
	client := &mockClient{block: true}
	s, _ := NewSink(client, Config{Timeout: 20 * time.Millisecond}, nil)

	start := time.Now()
	err := s.Deliver(context.Background(), testEnvelope())
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("publish was not bounded: took %v", elapsed)
	}
	if code := ErrorCode(err); code != "Timeout" {
		t.Errorf("expected Timeout code, got %q", code)
	}
}

func TestDeliver_ParentCancelled(t *testing.T) {
	client := &mockClient{block: true}
	s, _ := NewSink(client, Config{Timeout: time.Minute}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := s.Deliver(ctx, testEnvelope())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if errors.Is(err, ErrTimeout) {
		t.Error("parent cancellation should not be reported as a timeout")
	}
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"entry", &EntryError{Code: "ThrottlingException"}, "ThrottlingException"},
		{"wrapped entry", retry.Permanent(&EntryError{Code: "X"}), "X"},
		{"api", &smithy.GenericAPIError{Code: "AccessDeniedException"}, "AccessDeniedException"},
		{"canceled", context.Canceled, "Canceled"},
		{"other", errors.New("boom"), "Unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ErrorCode(tt.err); got != tt.want {
				t.Errorf("ErrorCode() = %q, want %q", got, tt.want)
			}
		})
	}
}
