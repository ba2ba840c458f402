package daemon

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Letdown2491/runkit/internal/domain"
	"github.com/Letdown2491/runkit/internal/infra"
	"github.com/Letdown2491/runkit/internal/policy"
	"github.com/Letdown2491/runkit/internal/usecase"
)

const descriptionCacheFile = "descriptions.json"

// Daemon owns every long-lived component and sequences startup and
// shutdown around the activity store.
type Daemon struct {
	cfg    *Config
	logger *zap.Logger

	store    *infra.EncryptedActivityStore
	registry *infra.FileRegistry
	activity *usecase.ActivityLog
	ctrl     *usecase.Controller
	server   *Server
	watcher  *Watcher
}

// New wires the daemon from cfg. It opens the activity store but does
// not touch the service tree until Run.
func New(cfg *Config, logger *zap.Logger) (*Daemon, error) {
	key, err := infra.EnsureKey(infra.NewFileKeyProvider(cfg.DataDir))
	if err != nil {
		return nil, fmt.Errorf("daemon: activity store key: %w", err)
	}
	store, err := infra.OpenActivityStore(cfg.DataDir, key, logger)
	if err != nil {
		return nil, err
	}

	initial := domain.AuthorizationPolicy{Mode: cfg.DefaultAuthMode}
	saved, found, err := store.LoadPolicy(context.Background())
	switch {
	case err != nil:
		logger.Warn("failed to load authorization policy, using default", zap.Error(err))
	case found:
		initial = saved
	}

	runner := &infra.RealCommandRunner{}
	procs := infra.NewProcessManager()
	links := infra.NewSymlinkManager(cfg.ServicesDir, cfg.EnabledDir, logger)
	exec := infra.NewSvExecutor(infra.ExecutorConfig{
		Command:    cfg.SvCommand,
		EnabledDir: cfg.EnabledDir,
		Timeout:    cfg.CommandTimeout,
	}, procs, logger)
	describer := infra.NewDescriptionResolver(
		infra.NewFileDescriptionCache(filepath.Join(cfg.DataDir, descriptionCacheFile)),
		logger,
		infra.NewServiceFileSource(cfg.ServicesDir),
		infra.NewXbpsSource(runner),
	)
	registry := infra.NewFileRegistry(cfg.ServicesDir, links, describer, logger)
	activity := usecase.NewActivityLog(store, logger)
	gate := usecase.NewAuthGate(
		infra.NewPolkitAuthority(cfg.PkcheckCommand, runner, logger),
		policy.NewRegistry(),
		initial,
		logger,
	)

	ctrlCfg := usecase.DefaultControllerConfig()
	ctrlCfg.ProtectPolicyRead = cfg.ProtectPolicyRead
	ctrlCfg.StatusConcurrency = cfg.StatusConcurrency
	ctrlCfg.MaxConcurrentCommands = cfg.MaxConcurrentCommands
	ctrl := usecase.NewController(usecase.ControllerDeps{
		Registry: registry,
		Status:   infra.NewSvStatusReader(exec, links, procs, logger),
		Exec:     exec,
		Links:    links,
		Logs:     infra.NewSvlogdReader(cfg.LogDir),
		Store:    store,
		Gate:     gate,
		Activity: activity,
	}, ctrlCfg, logger)

	watchCfg := WatcherConfig{
		PollInterval:    cfg.PollInterval,
		RefreshDebounce: cfg.RefreshDebounce,
	}
	if !cfg.DisableWatch {
		watchCfg.WatchDirs = []string{cfg.ServicesDir, cfg.EnabledDir}
	}

	return &Daemon{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		registry: registry,
		activity: activity,
		ctrl:     ctrl,
		server: NewServer(ServerConfig{
			SocketPath:      cfg.SocketPath,
			ShutdownTimeout: cfg.ShutdownTimeout,
		}, ctrl, logger),
		watcher: NewWatcher(watchCfg, ctrl, logger),
	}, nil
}

// Controller returns the request service layer.
func (d *Daemon) Controller() *usecase.Controller {
	return d.ctrl
}

// Run starts the daemon and blocks until ctx is cancelled. On the way out
// it saves the session snapshot and closes the store.
func (d *Daemon) Run(ctx context.Context) error {
	defer func() {
		if err := d.store.Close(); err != nil {
			d.logger.Warn("failed to close activity store", zap.Error(err))
		}
	}()

	if err := d.start(ctx); err != nil {
		return err
	}

	ln, err := d.server.Listen()
	if err != nil {
		return err
	}

	d.logger.Info("runkitd started",
		zap.String("socket", d.cfg.SocketPath),
		zap.String("services_dir", d.cfg.ServicesDir),
		zap.String("enabled_dir", d.cfg.EnabledDir),
		zap.String("auth_mode", string(d.ctrl.Gate().Policy().Mode)))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.server.Serve(gctx, ln) })
	g.Go(func() error {
		if err := d.watcher.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	runErr := g.Wait()

	d.stop()
	return runErr
}

// start loads retained history, scans the service tree and reconciles
// against the snapshot from the previous run.
func (d *Daemon) start(ctx context.Context) error {
	if err := d.activity.Load(ctx); err != nil {
		d.logger.Warn("failed to load activity history", zap.Error(err))
	}
	if err := d.registry.Scan(ctx); err != nil {
		return fmt.Errorf("daemon: scan services: %w", err)
	}
	live := d.ctrl.Statuses(ctx, nil)
	if _, err := d.activity.Reconcile(ctx, live); err != nil {
		d.logger.Warn("startup reconciliation incomplete", zap.Error(err))
	}
	return nil
}

func (d *Daemon) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.ShutdownTimeout)
	defer cancel()

	live := d.ctrl.Statuses(ctx, nil)
	// Fall back to the last observations for services sv could not report.
	observed := d.activity.Observed()
	for name, st := range live {
		if st.State == domain.StateUnknown {
			if prev, ok := observed[name]; ok {
				live[name] = prev
			} else {
				delete(live, name)
			}
		}
	}
	if err := d.activity.WriteSnapshot(ctx, live); err != nil {
		d.logger.Warn("failed to save session snapshot", zap.Error(err))
	}
	d.logger.Info("runkitd stopped")
}
