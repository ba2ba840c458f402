// Package usecase contains application business logic.
package usecase

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/Letdown2491/runkit/internal/domain"
	"github.com/Letdown2491/runkit/internal/policy"
)

// ControllerConfig tunes the request service layer.
type ControllerConfig struct {
	// ProtectPolicyRead gates reading the authorization policy.
	ProtectPolicyRead bool
	// StatusConcurrency bounds parallel status queries within one request.
	StatusConcurrency int
	// MaxConcurrentCommands bounds external work (control tool runs, status
	// queries, description lookups) across all requests. A slot is taken
	// only after authorization and the service lock.
	MaxConcurrentCommands int
	// RecordTimeout bounds post-action status and recording once the
	// caller has gone away.
	RecordTimeout time.Duration
}

// DefaultControllerConfig returns defaults.
func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		StatusConcurrency:     8,
		MaxConcurrentCommands: 16,
		RecordTimeout:         10 * time.Second,
	}
}

// Controller is the request service layer: it validates requests, passes
// them through the authorization gate, serializes per service, runs the
// operation and records its outcome.
type Controller struct {
	registry domain.ServiceRegistry
	status   domain.StatusReader
	exec     domain.CommandExecutor
	links    domain.SymlinkManager
	logs     domain.LogReader
	store    domain.ActivityStore
	gate     *AuthGate
	activity *ActivityLog
	locks    *KeyedLocker
	work     *semaphore.Weighted
	cfg      ControllerConfig
	logger   *zap.Logger

	policyMu sync.Mutex
}

// ControllerDeps groups the collaborators of a Controller.
type ControllerDeps struct {
	Registry domain.ServiceRegistry
	Status   domain.StatusReader
	Exec     domain.CommandExecutor
	Links    domain.SymlinkManager
	Logs     domain.LogReader
	Store    domain.ActivityStore
	Gate     *AuthGate
	Activity *ActivityLog
	Locks    *KeyedLocker
}

// NewController wires a controller.
func NewController(deps ControllerDeps, cfg ControllerConfig, logger *zap.Logger) *Controller {
	if cfg.StatusConcurrency <= 0 {
		cfg.StatusConcurrency = 8
	}
	if cfg.MaxConcurrentCommands <= 0 {
		cfg.MaxConcurrentCommands = 16
	}
	if cfg.RecordTimeout <= 0 {
		cfg.RecordTimeout = 10 * time.Second
	}
	locks := deps.Locks
	if locks == nil {
		locks = NewKeyedLocker()
	}
	return &Controller{
		registry: deps.Registry,
		status:   deps.Status,
		exec:     deps.Exec,
		links:    deps.Links,
		logs:     deps.Logs,
		store:    deps.Store,
		gate:     deps.Gate,
		activity: deps.Activity,
		locks:    locks,
		work:     semaphore.NewWeighted(int64(cfg.MaxConcurrentCommands)),
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "controller")),
	}
}

// Gate exposes the authorization gate for session hooks.
func (c *Controller) Gate() *AuthGate {
	return c.gate
}

// Activity exposes the activity log for subscribers.
func (c *Controller) Activity() *ActivityLog {
	return c.activity
}

// ListServices returns every known service with its description.
func (c *Controller) ListServices(ctx context.Context) []domain.ServiceDescriptor {
	services := c.registry.List()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.StatusConcurrency)
	for i := range services {
		i := i
		g.Go(func() error {
			release, err := c.acquire(gctx)
			if err != nil {
				return nil
			}
			defer release()
			services[i].Description = c.registry.Describe(gctx, services[i].Name)
			return nil
		})
	}
	_ = g.Wait()
	return services
}

// Refresh rescans the services-source directory.
func (c *Controller) Refresh(ctx context.Context) error {
	if err := c.registry.Scan(ctx); err != nil {
		return domain.NewError(domain.KindInternal, "refresh", "", "rescan failed", err)
	}
	return nil
}

// Describe returns one service's descriptor including its description.
func (c *Controller) Describe(ctx context.Context, name string) (domain.ServiceDescriptor, error) {
	d, err := c.lookup("describe", name)
	if err != nil {
		return domain.ServiceDescriptor{}, err
	}
	release, err := c.acquire(ctx)
	if err != nil {
		return domain.ServiceDescriptor{}, queuedErr("describe", name, err)
	}
	defer release()
	d.Description = c.registry.Describe(ctx, name)
	return d, nil
}

// Status returns the live status of one service and feeds it to the
// activity log's change detection.
func (c *Controller) Status(ctx context.Context, name string) (domain.ServiceStatus, error) {
	if _, err := c.lookup("status", name); err != nil {
		return domain.ServiceStatus{}, err
	}
	release, err := c.acquire(ctx)
	if err != nil {
		return domain.ServiceStatus{}, queuedErr("status", name, err)
	}
	gen := c.activity.Generation(name)
	st := c.status.Status(ctx, name)
	release()
	c.observe(ctx, st, gen)
	return st, nil
}

// Statuses queries the given services (all known services when names is
// nil) with bounded concurrency.
func (c *Controller) Statuses(ctx context.Context, names []string) map[string]domain.ServiceStatus {
	reads := c.readStatuses(ctx, names)
	out := make(map[string]domain.ServiceStatus, len(reads))
	for name, r := range reads {
		out[name] = r.status
	}
	return out
}

// Poll reads every service's status and records any state changes.
func (c *Controller) Poll(ctx context.Context) int {
	changes := 0
	for _, r := range c.readStatuses(ctx, nil) {
		if ev := c.observe(ctx, r.status, r.gen); ev != nil {
			changes++
		}
	}
	return changes
}

// statusRead is a status with the action generation it was read under.
type statusRead struct {
	status domain.ServiceStatus
	gen    uint64
}

func (c *Controller) readStatuses(ctx context.Context, names []string) map[string]statusRead {
	if names == nil {
		for _, d := range c.registry.List() {
			names = append(names, d.Name)
		}
	}

	var mu sync.Mutex
	out := make(map[string]statusRead, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.StatusConcurrency)
	for _, name := range names {
		name := name
		g.Go(func() error {
			release, err := c.acquire(gctx)
			if err != nil {
				return nil
			}
			gen := c.activity.Generation(name)
			st := c.status.Status(gctx, name)
			release()
			mu.Lock()
			out[name] = statusRead{status: st, gen: gen}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// RecentActivity returns the retained events for name, oldest first.
func (c *Controller) RecentActivity(name string) ([]domain.ActivityEvent, error) {
	if _, err := c.lookup("activity", name); err != nil {
		return nil, err
	}
	return c.activity.Recent(name), nil
}

// Logs returns the last n lines of the service's log.
func (c *Controller) Logs(ctx context.Context, name string, n int) ([]domain.LogLine, error) {
	if _, err := c.lookup("logs", name); err != nil {
		return nil, err
	}
	if c.logs == nil {
		return []domain.LogLine{}, nil
	}
	return c.logs.Tail(ctx, name, n)
}

// Perform runs a lifecycle action on behalf of caller.
//
// Order: validate, authorize, take the service lock, take a worker slot,
// execute, read status, record, release. Validation and authorization
// failures record nothing. A failed or timed-out execution is recorded and
// returned.
func (c *Controller) Perform(ctx context.Context, caller domain.Caller, name string, action domain.ActionKind) (*domain.ActionResult, error) {
	op := string(action)
	if _, ok := domain.ParseAction(op); !ok {
		return nil, domain.NewError(domain.KindValidation, op, name, "unsupported action", nil)
	}
	if _, err := c.lookup(op, name); err != nil {
		return nil, err
	}

	details := map[string]string{"service": name, "operation": op}
	if err := c.gate.Authorize(ctx, caller, policy.ClassManage, details); err != nil {
		return nil, err
	}

	unlock, err := c.locks.Lock(ctx, name)
	if err != nil {
		return nil, domain.NewError(domain.KindInternal, op, name, "request cancelled while waiting", err)
	}
	defer unlock()

	if err := c.activity.Begin(name, action); err != nil {
		c.logger.Error("serialization violation", zap.String("service", name), zap.Error(err))
		return nil, err
	}
	defer c.activity.End(name)

	release, err := c.acquire(ctx)
	if err != nil {
		return nil, queuedErr(op, name, err)
	}
	defer release()

	logger := c.logger.With(
		zap.String("service", name),
		zap.String("action", op),
		zap.Int("uid", caller.UID))

	// An authorized action runs to completion (bounded by the executor
	// timeout) even if the caller hangs up.
	detached := context.WithoutCancel(ctx)
	message, execErr := c.execute(detached, name, action)

	recCtx, cancel := context.WithTimeout(detached, c.cfg.RecordTimeout)
	defer cancel()

	after := c.status.Status(recCtx, name)
	release()
	outcome := domain.OutcomeSuccess
	if execErr != nil {
		outcome = domain.OutcomeFailed
		if errors.Is(execErr, domain.ErrTimeout) {
			outcome = domain.OutcomeTimedOut
		}
		message = execErr.Error()
	}

	if err := c.activity.RecordAction(recCtx, name, action, outcome, message, &after); err != nil {
		logger.Warn("activity not persisted", zap.Error(err))
	}

	if execErr != nil {
		logger.Warn("action failed", zap.String("outcome", string(outcome)), zap.Error(execErr))
		return nil, execErr
	}
	logger.Info("action completed", zap.String("state", string(after.State)))

	d, _ := c.registry.Lookup(name)
	return &domain.ActionResult{
		Service: name,
		Action:  action,
		Message: message,
		Status:  &after,
		Enabled: d.Enabled,
	}, nil
}

func (c *Controller) execute(ctx context.Context, name string, action domain.ActionKind) (string, error) {
	switch action {
	case domain.ActionEnable:
		if err := c.links.Enable(name); err != nil {
			return "", err
		}
		c.registry.MarkEnabled(name, true)
		return "enabled " + name, nil
	case domain.ActionDisable:
		if err := c.links.Disable(name); err != nil {
			return "", err
		}
		c.registry.MarkEnabled(name, false)
		return "disabled " + name, nil
	}

	verb, ok := action.ToolVerb()
	if !ok {
		return "", domain.NewError(domain.KindValidation, string(action), name, "unsupported action", nil)
	}
	res, err := c.exec.Run(ctx, verb, name)
	if err != nil {
		return "", err
	}
	return firstNonEmpty(trimOutput(res.Stdout), string(action)+" "+name), nil
}

// GetPolicy returns the authorization policy. Reading is gated only when
// ProtectPolicyRead is set.
func (c *Controller) GetPolicy(ctx context.Context, caller domain.Caller) (domain.AuthorizationPolicy, error) {
	if c.cfg.ProtectPolicyRead {
		if err := c.gate.Authorize(ctx, caller, policy.ClassReadConfig, map[string]string{"operation": "get-policy"}); err != nil {
			return domain.AuthorizationPolicy{}, err
		}
	}
	return c.gate.Policy(), nil
}

// SetPolicy changes the authorization policy. It always requires fresh
// authentication and is persisted before it takes effect.
func (c *Controller) SetPolicy(ctx context.Context, caller domain.Caller, p domain.AuthorizationPolicy) error {
	if !p.Mode.Valid() {
		return domain.NewError(domain.KindValidation, "set-policy", "", "unknown authorization mode "+string(p.Mode), nil)
	}
	if err := c.gate.Authorize(ctx, caller, policy.ClassConfigure, map[string]string{"operation": "set-policy", "mode": string(p.Mode)}); err != nil {
		return err
	}

	c.policyMu.Lock()
	defer c.policyMu.Unlock()
	if err := c.store.SavePolicy(ctx, p); err != nil {
		return domain.NewError(domain.KindPersistence, "set-policy", "", "policy not saved", err)
	}
	c.gate.SetPolicy(p)
	c.logger.Info("authorization policy changed", zap.String("mode", string(p.Mode)), zap.Int("uid", caller.UID))
	return nil
}

func (c *Controller) lookup(op, name string) (domain.ServiceDescriptor, error) {
	if !domain.ValidServiceName(name) {
		return domain.ServiceDescriptor{}, domain.NewError(domain.KindValidation, op, name, "invalid service name", nil)
	}
	d, ok := c.registry.Lookup(name)
	if !ok {
		return domain.ServiceDescriptor{}, domain.UnknownService(op, name)
	}
	return d, nil
}

// acquire takes a slot for external work. Callers must not wait on a prompt
// or a service lock while holding it.
func (c *Controller) acquire(ctx context.Context) (func(), error) {
	if err := c.work.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(func() { c.work.Release(1) }) }, nil
}

func queuedErr(op, name string, err error) error {
	return domain.NewError(domain.KindInternal, op, name, "request cancelled while queued", err)
}

func (c *Controller) observe(ctx context.Context, st domain.ServiceStatus, gen uint64) *domain.ActivityEvent {
	ev, err := c.activity.ObserveSince(ctx, st, gen)
	if err != nil {
		c.logger.Warn("activity not persisted", zap.String("service", st.Service), zap.Error(err))
	}
	return ev
}
