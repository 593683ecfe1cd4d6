package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// ErrNoCredential is returned when neither a token file nor a token is configured.
var ErrNoCredential = errors.New("no pub/sub credential configured")

// Provider reads the pub/sub auth token from a mounted file or a static value.
// The file, when set, takes precedence and is re-read on every call so a
// rotated secret is picked up without a restart.
type Provider struct {
	filePath string
	token    string
	logger   *slog.Logger
}

// NewProvider creates a provider. filePath may be empty.
func NewProvider(token, filePath string, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{token: token, filePath: filePath, logger: logger}
}

// Token returns the current credential.
func (p *Provider) Token(_ context.Context) (string, error) {
	if p.filePath != "" {
		data, err := os.ReadFile(filepath.Clean(p.filePath))
		if err != nil {
			return "", fmt.Errorf("read token file %s: %w", p.filePath, err)
		}
		token := strings.TrimSpace(string(data))
		if token == "" {
			return "", fmt.Errorf("token file %s is empty", p.filePath)
		}
		return token, nil
	}
	if p.token == "" {
		return "", ErrNoCredential
	}
	return p.token, nil
}

// Watch calls onChange whenever the token file changes. It returns
// immediately when no file is configured, otherwise blocks until ctx is done.
//
// The parent directory is watched rather than the file itself: Kubernetes
// updates mounted secrets by swapping a symlink.
func (p *Provider) Watch(ctx context.Context, onChange func()) error {
	if p.filePath == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() {
		_ = watcher.Close()
	}()

	dir := filepath.Dir(filepath.Clean(p.filePath))
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch dir %s: %w", dir, err)
	}

	p.logger.Info("watching credential file", "path", p.filePath)

	last, _ := p.Token(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) && !evt.Has(fsnotify.Rename) {
				continue
			}
			current, err := p.Token(ctx)
			if err != nil {
				p.logger.Warn("credential file unreadable after change", "file", evt.Name, "error", err)
				continue
			}
			if current == last {
				continue
			}
			last = current
			p.logger.Info("credential rotated", "file", evt.Name)
			onChange()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			p.logger.Error("credential watcher error", "error", err)
		}
	}
}
