package policy

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Store holds the current policy. Readers call Current once per compile or
// execution and treat the result as read-only.
type Store struct {
	current atomic.Pointer[Policy]
	path    string
	logger  *zap.Logger

	// Environment overrides, reapplied on every reload.
	mode   string
	secret string

	mu        sync.Mutex
	listeners []func(*Policy)
}

// NewStore creates a store seeded with p.
func NewStore(p *Policy, logger *zap.Logger) *Store {
	s := &Store{logger: logger}
	s.current.Store(p)
	return s
}

// NewFileStore loads path and returns a store that can Watch it.
func NewFileStore(path string, logger *zap.Logger) (*Store, error) {
	p, err := Load(path)
	if err != nil {
		return nil, fmt.Errorf("NewFileStore: %w", err)
	}
	s := NewStore(p, logger)
	s.path = path
	return s, nil
}

// Override pins mode and signing secret (where non-empty) over whatever the
// policy file says, now and on every later reload.
func (s *Store) Override(mode, secret string) error {
	p, err := s.Current().WithOverrides(mode, secret)
	if err != nil {
		return fmt.Errorf("Override: %w", err)
	}
	s.mu.Lock()
	s.mode, s.secret = mode, secret
	s.mu.Unlock()
	s.Swap(p)
	return nil
}

// Current returns the active policy.
func (s *Store) Current() *Policy {
	return s.current.Load()
}

// Swap installs p and notifies listeners.
func (s *Store) Swap(p *Policy) {
	s.current.Store(p)

	s.mu.Lock()
	listeners := append([]func(*Policy){}, s.listeners...)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(p)
	}
}

// OnChange registers fn to be called after every Swap.
func (s *Store) OnChange(fn func(*Policy)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Reload re-reads the policy file. A file that fails to parse leaves the
// current policy in place.
func (s *Store) Reload() error {
	if s.path == "" {
		return fmt.Errorf("Reload: store has no backing file")
	}
	p, err := Load(s.path)
	if err != nil {
		return fmt.Errorf("Reload: %w", err)
	}
	s.mu.Lock()
	mode, secret := s.mode, s.secret
	s.mu.Unlock()
	if p, err = p.WithOverrides(mode, secret); err != nil {
		return fmt.Errorf("Reload: %w", err)
	}
	prev := s.Current()
	if p.SigningSecret == "" && prev != nil {
		p.SigningSecret = prev.SigningSecret
	}
	s.Swap(p)
	s.logger.Info("policy reloaded",
		zap.String("path", s.path),
		zap.String("version", p.Version),
		zap.String("mode", p.Mode),
	)
	return nil
}

// Watch reloads the policy whenever its file changes until ctx is done.
// Events are debounced; editors that replace the file via rename are handled
// by watching the parent directory.
func (s *Store) Watch(ctx context.Context, debounce time.Duration) error {
	if s.path == "" {
		return fmt.Errorf("Watch: store has no backing file")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("Watch: %w", err)
	}
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		_ = w.Close()
		return fmt.Errorf("Watch: %w", err)
	}

	go func() {
		defer func() { _ = w.Close() }()

		target := filepath.Clean(s.path)
		var timer *time.Timer
		fire := make(chan struct{}, 1)

		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(debounce, func() {
					select {
					case fire <- struct{}{}:
					default:
					}
				})
			case <-fire:
				if err := s.Reload(); err != nil {
					s.logger.Warn("policy reload failed, keeping current policy", zap.Error(err))
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.logger.Warn("policy watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}
