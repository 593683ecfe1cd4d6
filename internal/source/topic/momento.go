package topic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/momentohq/client-sdk-go/auth"
	momentocfg "github.com/momentohq/client-sdk-go/config"
	"github.com/momentohq/client-sdk-go/momento"

	"github.com/clash-of-farms/event-router/internal/retry"
)

// TokenSource yields the current pub/sub credential.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// MomentoSubscriber subscribes to Momento topics. The topic client is
// rebuilt whenever the credential changes between subscriptions.
type MomentoSubscriber struct {
	tokens TokenSource
	logger *slog.Logger

	mu     sync.Mutex
	client momento.TopicClient
	token  string
}

// NewMomentoSubscriber creates a subscriber authenticating with tokens.
func NewMomentoSubscriber(tokens TokenSource, logger *slog.Logger) *MomentoSubscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &MomentoSubscriber{tokens: tokens, logger: logger}
}

// Subscribe opens a subscription to topic in cache.
func (m *MomentoSubscriber) Subscribe(ctx context.Context, cache, topic string) (Stream, error) {
	if cache == "" || topic == "" {
		return nil, retry.Permanent(errors.New("cache and topic names are required"))
	}

	client, err := m.clientFor(ctx)
	if err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub, err := client.Subscribe(subCtx, &momento.TopicSubscribeRequest{
		CacheName: cache,
		TopicName: topic,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("momento subscribe: %w", err)
	}
	return &momentoStream{sub: sub, cancel: cancel, logger: m.logger}, nil
}

func (m *MomentoSubscriber) clientFor(ctx context.Context) (momento.TopicClient, error) {
	token, err := m.tokens.Token(ctx)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("read credential: %w", err))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client != nil && token == m.token {
		return m.client, nil
	}
	if m.client != nil {
		m.logger.Info("credential changed, rebuilding topic client")
		m.client.Close()
		m.client = nil
	}

	cred, err := auth.FromString(token)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("parse credential: %w", err))
	}
	client, err := momento.NewTopicClient(momentocfg.TopicsDefault(), cred)
	if err != nil {
		return nil, fmt.Errorf("momento topic client: %w", err)
	}
	m.client = client
	m.token = token
	return client, nil
}

// Close releases the topic client.
func (m *MomentoSubscriber) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil {
		m.client.Close()
		m.client = nil
	}
	return nil
}

type momentoStream struct {
	sub    momento.TopicSubscription
	cancel context.CancelFunc
	logger *slog.Logger
}

func (s *momentoStream) Next(ctx context.Context) ([]byte, error) {
	for {
		item, err := s.sub.Item(ctx)
		if err != nil {
			return nil, err
		}
		switch v := item.(type) {
		case momento.String:
			return []byte(v), nil
		case momento.Bytes:
			return []byte(v), nil
		default:
			s.logger.Warn("skipping unsupported topic item", "type", fmt.Sprintf("%T", item))
		}
	}
}

func (s *momentoStream) Close() {
	s.cancel()
}
