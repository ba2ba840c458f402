package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakePoller counts calls from the watcher.
type fakePoller struct {
	polls      atomic.Int32
	refreshes  atomic.Int32
	refreshErr error
}

func (p *fakePoller) Poll(context.Context) int {
	p.polls.Add(1)
	return 0
}

func (p *fakePoller) Refresh(context.Context) error {
	p.refreshes.Add(1)
	return p.refreshErr
}

func runWatcher(t *testing.T, cfg WatcherConfig, p Poller) (cancel func()) {
	t.Helper()
	w := NewWatcher(cfg, p, zap.NewNop())
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	var once bool
	cancel = func() {
		if once {
			return
		}
		once = true
		stop()
		select {
		case err := <-done:
			assert.True(t, errors.Is(err, context.Canceled), "unexpected error: %v", err)
		case <-time.After(5 * time.Second):
			t.Fatal("watcher did not stop")
		}
	}
	t.Cleanup(cancel)
	return cancel
}

func TestWatcher_PollsOnInterval(t *testing.T) {
	p := &fakePoller{}
	runWatcher(t, WatcherConfig{PollInterval: 10 * time.Millisecond}, p)

	require.Eventually(t, func() bool { return p.polls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, p.refreshes.Load(), "no refresh without watched directories")
}

func TestWatcher_DebouncedRefresh(t *testing.T) {
	dir := t.TempDir()
	p := &fakePoller{}
	runWatcher(t, WatcherConfig{
		PollInterval:    time.Hour,
		RefreshDebounce: 100 * time.Millisecond,
		WatchDirs:       []string{dir},
	}, p)

	// Give the watcher a moment to register its directories.
	time.Sleep(50 * time.Millisecond)
	for i := 0; i < 5; i++ {
		require.NoError(t, os.Mkdir(filepath.Join(dir, "svc"+itoa(i)), 0755))
	}

	require.Eventually(t, func() bool { return p.refreshes.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return p.polls.Load() == 1 }, time.Second, 10*time.Millisecond, "a rescan is followed by a poll")

	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, int32(1), p.refreshes.Load(), "a burst of events is one rescan")
}

func TestWatcher_RefreshFailureSkipsPoll(t *testing.T) {
	dir := t.TempDir()
	p := &fakePoller{refreshErr: errors.New("services dir vanished")}
	runWatcher(t, WatcherConfig{
		PollInterval:    time.Hour,
		RefreshDebounce: 20 * time.Millisecond,
		WatchDirs:       []string{dir},
	}, p)

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "x"), nil, 0644))

	require.Eventually(t, func() bool { return p.refreshes.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, p.polls.Load())
}

func TestWatcher_MissingDirFallsBackToPolling(t *testing.T) {
	p := &fakePoller{}
	runWatcher(t, WatcherConfig{
		PollInterval: 10 * time.Millisecond,
		WatchDirs:    []string{filepath.Join(t.TempDir(), "absent")},
	}, p)

	require.Eventually(t, func() bool { return p.polls.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestNewWatcher_Defaults(t *testing.T) {
	w := NewWatcher(WatcherConfig{}, &fakePoller{}, zap.NewNop())
	assert.Equal(t, DefaultPollInterval, w.config.PollInterval)
	assert.Equal(t, DefaultRefreshDebounce, w.config.RefreshDebounce)
}
