package config

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ReloadCallback receives the previous and the newly loaded configuration.
type ReloadCallback func(oldConfig, newConfig *Config)

// Watcher polls the loader's config file and reloads it when its
// modification time changes. A file that fails to load or validate is
// logged and ignored; the previous configuration stays current.
type Watcher struct {
	loader   *Loader
	interval time.Duration
	logger   *zap.Logger

	mu        sync.Mutex
	current   *Config
	lastMod   time.Time
	callbacks []ReloadCallback
}

// WatcherOption configures the Watcher
type WatcherOption func(*Watcher)

// WithPollInterval 设置轮询间隔（默认 2s）
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatcherLogger sets the logger for the watcher
func WithWatcherLogger(logger *zap.Logger) WatcherOption {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// NewWatcher creates a watcher for loader's config file. current is the
// configuration already in use.
func NewWatcher(loader *Loader, current *Config, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		loader:   loader,
		interval: 2 * time.Second,
		logger:   zap.NewNop(),
		current:  current,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With(zap.String("component", "config_watcher"))
	if info, err := os.Stat(loader.configPath); err == nil {
		w.lastMod = info.ModTime()
	}
	return w
}

// OnReload registers a callback run after every successful reload
func (w *Watcher) OnReload(cb ReloadCallback) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, cb)
}

// Current returns the configuration in effect
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	if w.loader.configPath == "" {
		return errors.New("config watcher needs a config file path")
	}
	w.logger.Info("watching config file",
		zap.String("path", w.loader.configPath),
		zap.Duration("interval", w.interval))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := w.Check(); err != nil {
				w.logger.Error("config reload rejected, keeping previous config", zap.Error(err))
			}
		}
	}
}

// Check runs one poll step and reports whether a new configuration was applied.
func (w *Watcher) Check() (bool, error) {
	info, err := os.Stat(w.loader.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}

	w.mu.Lock()
	if !info.ModTime().After(w.lastMod) {
		w.mu.Unlock()
		return false, nil
	}
	w.lastMod = info.ModTime()
	w.mu.Unlock()

	next, err := w.loader.Load()
	if err != nil {
		return false, err
	}

	w.mu.Lock()
	prev := w.current
	w.current = next
	callbacks := append([]ReloadCallback(nil), w.callbacks...)
	w.mu.Unlock()

	w.logger.Info("config reloaded", zap.String("path", w.loader.configPath))
	for _, cb := range callbacks {
		cb(prev, next)
	}
	return true, nil
}
