package pipeline_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/clash-of-farms/event-router/internal/observability"
	"github.com/clash-of-farms/event-router/internal/pipeline"
	"github.com/clash-of-farms/event-router/internal/retry"
	"github.com/clash-of-farms/event-router/internal/sink/eventbridge"
	"github.com/clash-of-farms/event-router/internal/source/topic"
)

// openStream yields its messages and then stays open until cancelled.
type openStream struct {
	mu   sync.Mutex
	msgs [][]byte
}

func (s *openStream) Next(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	if len(s.msgs) > 0 {
		m := s.msgs[0]
		s.msgs = s.msgs[1:]
		s.mu.Unlock()
		return m, nil
	}
	s.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *openStream) Close() {}

type oneShotSubscriber struct {
	stream *openStream
}

func (o *oneShotSubscriber) Subscribe(context.Context, string, string) (topic.Stream, error) {
	return o.stream, nil
}

func (o *oneShotSubscriber) Close() error { return nil }

type putEventsRequest struct {
	Entries []struct {
		Source       string
		DetailType   string
		Detail       string
		EventBusName string
	}
}

// fakeEventBus speaks just enough of the PutEvents JSON protocol.
func fakeEventBus(t *testing.T, got chan<- putEventsRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if target := r.Header.Get("X-Amz-Target"); target != "AWSEvents.PutEvents" {
			t.Errorf("unexpected target %q", target)
		}
		body, _ := io.ReadAll(r.Body)
		var req putEventsRequest
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		got <- req

		w.Header().Set("Content-Type", "application/x-amz-json-1.1")
		_, _ = w.Write([]byte(`{"FailedEntryCount":0,"Entries":[{"EventId":"evt-1"}]}`))
	}))
}

func TestEndToEnd_TopicToEventBus(t *testing.T) {
	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	t.Setenv("AWS_EC2_METADATA_DISABLED", "true")

	requests := make(chan putEventsRequest, 10)
	bus := fakeEventBus(t, requests)
	defer bus.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)

	levelUp := `{"eventType":"PLAYER_LEVEL_UP","playerId":"p123","timestamp":"2024-01-01T00:00:00Z","payload":{"level":5}}`
	stream := &openStream{msgs: [][]byte{
		[]byte("not-json"),
		[]byte(levelUp),
		[]byte(`{"playerId":"p123","timestamp":"2024-01-01T00:00:00Z"}`),
	}}

	src := topic.NewSource(topic.Config{
		Cache:     "game",
		Topic:     "game-events",
		Reconnect: retry.Config{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
	}, &oneShotSubscriber{stream: stream}, nil)
	src.SetMetrics(metrics)

	client, err := eventbridge.NewClient(ctx, "us-east-1", bus.URL)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	sk, err := eventbridge.NewSink(client, eventbridge.Config{Timeout: 2 * time.Second}, nil)
	if err != nil {
		t.Fatalf("sink: %v", err)
	}
	sk.SetMetrics(metrics)

	p := pipeline.New(pipeline.Config{EventBusName: "game-bus"}, src, sk, nil)
	p.SetMetrics(metrics)

	runErr := make(chan error, 1)
	go func() { runErr <- p.Run(ctx) }()

	select {
	case req := <-requests:
		if len(req.Entries) != 1 {
			t.Fatalf("expected single entry, got %d", len(req.Entries))
		}
		e := req.Entries[0]
		if e.Source != "event-router-service" || e.DetailType != "PLAYER_LEVEL_UP" || e.EventBusName != "game-bus" {
			t.Errorf("unexpected entry %+v", e)
		}
		if e.Detail != levelUp {
			t.Errorf("detail mismatch:\n got %s\nwant %s", e.Detail, levelUp)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for PutEvents")
	}

	// Wait for the trailing invalid message to be counted before stopping.
	deadline := time.Now().Add(5 * time.Second)
	for testutil.ToFloat64(metrics.MessagesTotal.WithLabelValues("validation_error")) < 1 {
		if time.Now().After(deadline) {
			t.Fatal("validation error was never recorded")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-runErr:
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("unexpected run error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop")
	}

	if len(requests) != 0 {
		t.Errorf("expected exactly one publish, %d extra", len(requests))
	}
	if got := testutil.ToFloat64(metrics.MessagesTotal.WithLabelValues("decode_error")); got != 1 {
		t.Errorf("expected 1 decode error, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.MessagesTotal.WithLabelValues("forwarded")); got != 1 {
		t.Errorf("expected 1 forwarded, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.SubscriptionUp); got != 0 {
		t.Errorf("expected subscription down after stop, got %v", got)
	}
}
