package config

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// touch 重写文件并把修改时间推后，避免文件系统时间精度导致漏检
func touch(t *testing.T, path, content string, offset time.Duration) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	mod := time.Now().Add(offset)
	require.NoError(t, os.Chtimes(path, mod, mod))
}

func TestWatcher_CheckReloadsChangedFile(t *testing.T) {
	path := writeConfig(t, "governor:\n  default:\n    external_api_calls_per_minute: 10\n")
	loader := NewLoader().WithConfigPath(path)
	cfg, err := loader.Load()
	require.NoError(t, err)

	w := NewWatcher(loader, cfg, WithWatcherLogger(zaptest.NewLogger(t)))

	var got [2]int
	w.OnReload(func(oldCfg, newCfg *Config) {
		got = [2]int{oldCfg.Governor.Default.ExternalAPICallsPerMinute, newCfg.Governor.Default.ExternalAPICallsPerMinute}
	})

	changed, err := w.Check()
	require.NoError(t, err)
	assert.False(t, changed, "unchanged file")

	touch(t, path, "governor:\n  default:\n    external_api_calls_per_minute: 99\n", time.Minute)
	changed, err = w.Check()
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, [2]int{10, 99}, got)
	assert.Equal(t, 99, w.Current().Governor.Default.ExternalAPICallsPerMinute)
}

func TestWatcher_InvalidFileKeepsPrevious(t *testing.T) {
	path := writeConfig(t, "server:\n  http_port: 8080\n")
	loader := NewLoader().WithConfigPath(path)
	cfg, err := loader.Load()
	require.NoError(t, err)

	w := NewWatcher(loader, cfg)
	var calls atomic.Int32
	w.OnReload(func(*Config, *Config) { calls.Add(1) })

	touch(t, path, "server:\n  http_port: -5\n", time.Minute)
	changed, err := w.Check()
	assert.Error(t, err)
	assert.False(t, changed)
	assert.Same(t, cfg, w.Current())
	assert.Zero(t, calls.Load())
}

func TestWatcher_MissingFileIsIgnored(t *testing.T) {
	loader := NewLoader().WithConfigPath("/non/existent/relay.yaml")
	w := NewWatcher(loader, DefaultConfig())
	changed, err := w.Check()
	assert.NoError(t, err)
	assert.False(t, changed)
}

func TestWatcher_RunPollsUntilCancelled(t *testing.T) {
	path := writeConfig(t, "log:\n  level: info\n")
	loader := NewLoader().WithConfigPath(path)
	cfg, err := loader.Load()
	require.NoError(t, err)

	w := NewWatcher(loader, cfg, WithPollInterval(10*time.Millisecond))
	reloaded := make(chan string, 1)
	w.OnReload(func(_, newCfg *Config) {
		select {
		case reloaded <- newCfg.Log.Level:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	touch(t, path, "log:\n  level: debug\n", time.Minute)
	select {
	case level := <-reloaded:
		assert.Equal(t, "debug", level)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not pick up the change")
	}

	cancel()
	assert.NoError(t, <-done)
}

func TestWatcher_RunRequiresPath(t *testing.T) {
	w := NewWatcher(NewLoader(), DefaultConfig())
	assert.Error(t, w.Run(context.Background()))
}
