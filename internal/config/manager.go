package config

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Manager serves the live configuration and hot-reloads the tunable
// research thresholds when the config file changes on disk. Connection-level
// settings (database, redis, server) are fixed at boot; only the research
// section is swapped at runtime.
type Manager struct {
	mu      sync.RWMutex
	current *Config
	path    string
	logger  *zap.Logger
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
}

// NewManager wraps an already-loaded config for live access.
func NewManager(cfg *Config, path string, logger *zap.Logger) *Manager {
	return &Manager{
		current: cfg,
		path:    path,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
}

// Current returns the live configuration snapshot.
func (m *Manager) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Research returns the live research tunables.
func (m *Manager) Research() ResearchConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.Research
}

// Watch starts file watching; reload failures keep the previous config.
func (m *Manager) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	m.watcher = w
	if err := w.Add(m.path); err != nil {
		// File may not exist when running on pure env config; nothing to watch.
		m.logger.Debug("config watch disabled", zap.String("path", m.path), zap.Error(err))
		w.Close()
		m.watcher = nil
		return nil
	}
	go m.loop()
	return nil
}

func (m *Manager) loop() {
	// Editors fire bursts of writes; debounce before reloading.
	var timer *time.Timer
	for {
		select {
		case <-m.stopCh:
			return
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(250*time.Millisecond, m.reload)
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("config watcher error", zap.Error(err))
		}
	}
}

func (m *Manager) reload() {
	cfg, err := Load()
	if err != nil {
		m.logger.Warn("config reload failed, keeping previous", zap.Error(err))
		return
	}
	m.mu.Lock()
	prev := m.current
	// Only the research tunables are hot-swapped.
	next := *prev
	next.Research = cfg.Research
	m.current = &next
	m.mu.Unlock()
	m.logger.Info("research config reloaded",
		zap.Int("max_iterations", cfg.Research.MaxIterations),
		zap.Float64("confidence_threshold", cfg.Research.ConfidenceThreshold),
	)
}

// Stop terminates watching.
func (m *Manager) Stop() {
	close(m.stopCh)
	if m.watcher != nil {
		m.watcher.Close()
	}
}
