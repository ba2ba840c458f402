package daemon

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"vawter.tech/stopper"
)

// Poller is the part of the controller the watcher drives.
type Poller interface {
	Poll(ctx context.Context) int
	Refresh(ctx context.Context) error
}

// WatcherConfig holds watcher configuration.
type WatcherConfig struct {
	PollInterval    time.Duration // How often live status is compared to the baseline
	RefreshDebounce time.Duration // Quiet period after a filesystem event before rescanning
	WatchDirs       []string      // Directories whose changes trigger a rescan; empty disables
}

// DefaultWatcherConfig returns default watcher configuration.
func DefaultWatcherConfig() WatcherConfig {
	return WatcherConfig{
		PollInterval:    DefaultPollInterval,
		RefreshDebounce: DefaultRefreshDebounce,
	}
}

// Watcher keeps the activity log and the registry current. It polls live
// status on a fixed interval and rescans the service directories when
// they change on disk.
type Watcher struct {
	config WatcherConfig
	poller Poller
	logger *zap.Logger
}

// NewWatcher creates a watcher.
func NewWatcher(config WatcherConfig, poller Poller, logger *zap.Logger) *Watcher {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.RefreshDebounce <= 0 {
		config.RefreshDebounce = DefaultRefreshDebounce
	}
	return &Watcher{
		config: config,
		poller: poller,
		logger: logger.With(zap.String("component", "watcher")),
	}
}

// Run blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	sctx := stopper.WithContext(ctx)

	refresh := make(chan struct{}, 1)
	if len(w.config.WatchDirs) > 0 {
		fsw, err := fsnotify.NewWatcher()
		if err != nil {
			w.logger.Warn("filesystem watch unavailable, relying on polling", zap.Error(err))
		} else {
			sctx.Defer(func() { _ = fsw.Close() })
			for _, dir := range w.config.WatchDirs {
				if err := fsw.Add(dir); err != nil {
					w.logger.Warn("failed to watch directory", zap.String("dir", dir), zap.Error(err))
				}
			}
			sctx.Go(func(sctx *stopper.Context) error {
				w.watchLoop(sctx, fsw, refresh)
				return nil
			})
		}
	}

	sctx.Go(func(sctx *stopper.Context) error {
		w.pollLoop(sctx, refresh)
		return nil
	})

	w.logger.Info("watcher started",
		zap.Duration("poll_interval", w.config.PollInterval),
		zap.Strings("watch_dirs", w.config.WatchDirs))

	select {
	case <-ctx.Done():
	case <-sctx.Stopping():
	}
	sctx.Stop(time.Second)
	err := sctx.Wait()
	w.logger.Info("watcher stopped")
	if err != nil {
		return err
	}
	return ctx.Err()
}

func (w *Watcher) pollLoop(sctx *stopper.Context, refresh <-chan struct{}) {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sctx.Stopping():
			return

		case <-ticker.C:
			if n := w.poller.Poll(sctx); n > 0 {
				w.logger.Debug("status changes recorded", zap.Int("changes", n))
			}

		case <-refresh:
			if err := w.poller.Refresh(sctx); err != nil {
				w.logger.Warn("rescan failed", zap.Error(err))
				continue
			}
			w.logger.Debug("service directories rescanned")
			w.poller.Poll(sctx)
		}
	}
}

// watchLoop coalesces bursts of filesystem events into one refresh signal.
func (w *Watcher) watchLoop(sctx *stopper.Context, fsw *fsnotify.Watcher, refresh chan<- struct{}) {
	var debounce *time.Timer
	var fire <-chan time.Time
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-sctx.Stopping():
			return

		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if ev.Op == fsnotify.Chmod {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(w.config.RefreshDebounce)
			} else {
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(w.config.RefreshDebounce)
			}
			fire = debounce.C

		case <-fire:
			fire = nil
			select {
			case refresh <- struct{}{}:
			default:
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("filesystem watch error", zap.Error(err))
		}
	}
}
