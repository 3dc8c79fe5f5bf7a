package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/orchestra/internal/decompose"
)

// LibraryTarget receives reloaded signature libraries.
// *decompose.Decomposer satisfies it.
type LibraryTarget interface {
	SetLibrary(lib *decompose.Library)
}

// Manager watches the intent signature file and swaps the decomposer's
// library on change. An invalid file is logged and the previous library kept.
type Manager struct {
	path     string
	target   LibraryTarget
	watcher  *fsnotify.Watcher
	logger   *zap.Logger
	debounce time.Duration

	mu       sync.Mutex
	started  bool
	stopCh   chan struct{}
	done     chan struct{}
	reloads  int
	failures int

	// Polling fallback for filesystems where fsnotify isn't reliable
	pollInterval time.Duration
	lastMod      time.Time
}

// NewManager creates a manager for the library at path.
func NewManager(path string, target LibraryTarget, logger *zap.Logger) (*Manager, error) {
	if path == "" {
		return nil, fmt.Errorf("signature library path cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	return &Manager{
		path:     filepath.Clean(path),
		target:   target,
		watcher:  watcher,
		logger:   logger,
		debounce: 50 * time.Millisecond,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// EnablePolling adds a modification-time poll alongside fsnotify.
func (m *Manager) EnablePolling(interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pollInterval = interval
}

// Start loads the library once and begins watching. The initial load must
// succeed.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if err := m.Reload(); err != nil {
		_ = m.watcher.Close()
		return fmt.Errorf("initial signature library load: %w", err)
	}

	// Watch the directory: editors replace files by rename, which drops a
	// watch on the file itself.
	if err := m.watcher.Add(filepath.Dir(m.path)); err != nil {
		_ = m.watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(m.path), err)
	}

	m.mu.Lock()
	m.started = true
	polling := m.pollInterval
	m.mu.Unlock()

	go m.watchLoop(ctx)
	if polling > 0 {
		go m.pollLoop(ctx, polling)
	}

	m.logger.Info("Signature library watcher started",
		zap.String("path", m.path),
		zap.Duration("polling", polling),
	)
	return nil
}

// Stop ends watching. It is safe to call more than once.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = false
	close(m.stopCh)
	m.mu.Unlock()

	err := m.watcher.Close()
	<-m.done
	m.logger.Info("Signature library watcher stopped")
	return err
}

// Reload reads, validates and installs the library file.
func (m *Manager) Reload() error {
	lib, err := decompose.LoadLibrary(m.path)
	m.mu.Lock()
	if err != nil {
		m.failures++
	} else {
		m.reloads++
	}
	// A rejected version is not retried until the file changes again.
	if info, statErr := os.Stat(m.path); statErr == nil {
		m.lastMod = info.ModTime()
	}
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.target.SetLibrary(lib)
	return nil
}

// Counts returns successful and failed reloads so far.
func (m *Manager) Counts() (reloads, failures int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reloads, m.failures
}

func (m *Manager) watchLoop(ctx context.Context) {
	defer close(m.done)
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Watch loop panicked", zap.Any("panic", r))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			m.handleWatchEvent(event)
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error("File watcher error", zap.Error(err))
		}
	}
}

func (m *Manager) pollLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			info, err := os.Stat(m.path)
			if err != nil {
				continue
			}
			m.mu.Lock()
			changed := info.ModTime().After(m.lastMod)
			m.mu.Unlock()
			if changed {
				m.reload("polling_detected")
			}
		}
	}
}

func (m *Manager) handleWatchEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != m.path {
		return
	}

	var action string
	switch {
	case event.Op&fsnotify.Create == fsnotify.Create:
		action = "create"
	case event.Op&fsnotify.Write == fsnotify.Write:
		action = "modify"
	case event.Op&fsnotify.Remove == fsnotify.Remove, event.Op&fsnotify.Rename == fsnotify.Rename:
		m.logger.Warn("Signature library file removed, keeping current library", zap.String("path", m.path))
		return
	default:
		// chmod
		return
	}

	// Small delay to absorb rapid successive writes
	time.Sleep(m.debounce)
	m.reload(action)
}

func (m *Manager) reload(action string) {
	if err := m.Reload(); err != nil {
		m.logger.Error("Rejected signature library, keeping previous",
			zap.String("path", m.path),
			zap.String("action", action),
			zap.Error(err),
		)
		return
	}
	m.logger.Info("Signature library reloaded",
		zap.String("path", m.path),
		zap.String("action", action),
	)
}
