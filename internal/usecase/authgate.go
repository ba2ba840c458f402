package usecase

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/Letdown2491/runkit/internal/domain"
	"github.com/Letdown2491/runkit/internal/policy"
)

// AuthGate decides whether a caller may perform a class of operations.
// Decisions come from the host policy authority; under the cached mode an
// allow is remembered for the lifetime of the caller's session. Denials and
// cancellations are never remembered. No lock is held while the authority
// is prompting.
type AuthGate struct {
	authority domain.Authority
	classes   *policy.Registry
	logger    *zap.Logger

	policyMu sync.RWMutex
	policy   domain.AuthorizationPolicy

	mu       sync.Mutex
	sessions map[string]*session

	prompts singleflight.Group
}

// session holds the cached allows of one open connection. ctx ends when the
// session closes and bounds prompts shared by its requests.
type session struct {
	allowed map[policy.Class]struct{}
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewAuthGate creates a gate with the given initial policy.
func NewAuthGate(authority domain.Authority, classes *policy.Registry, initial domain.AuthorizationPolicy, logger *zap.Logger) *AuthGate {
	if !initial.Mode.Valid() {
		initial = domain.DefaultAuthorizationPolicy()
	}
	return &AuthGate{
		authority: authority,
		classes:   classes,
		logger:    logger.With(zap.String("component", "authgate")),
		policy:    initial,
		sessions:  make(map[string]*session),
	}
}

// OpenSession registers a caller session. Cached decisions live only while
// the session is open.
func (g *AuthGate) OpenSession(id string) {
	if id == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.sessions[id]; !ok {
		ctx, cancel := context.WithCancel(context.Background())
		g.sessions[id] = &session{allowed: make(map[policy.Class]struct{}), ctx: ctx, cancel: cancel}
	}
}

// CloseSession drops the session and every decision cached for it, and
// cancels any prompt still pending for it.
func (g *AuthGate) CloseSession(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok := g.sessions[id]; ok {
		s.cancel()
		delete(g.sessions, id)
	}
}

// Policy returns the current authorization policy.
func (g *AuthGate) Policy() domain.AuthorizationPolicy {
	g.policyMu.RLock()
	defer g.policyMu.RUnlock()
	return g.policy
}

// SetPolicy replaces the policy. Leaving the cached mode forgets every
// cached decision.
func (g *AuthGate) SetPolicy(p domain.AuthorizationPolicy) {
	g.policyMu.Lock()
	g.policy = p
	g.policyMu.Unlock()

	if p.Mode != domain.AuthCachedWhileSessionOpen {
		g.mu.Lock()
		for _, s := range g.sessions {
			s.allowed = make(map[policy.Class]struct{})
		}
		g.mu.Unlock()
	}
}

// Authorize returns nil when caller may perform an operation of class.
// Errors are *domain.Error of KindNotAuthorized or KindInternal.
func (g *AuthGate) Authorize(ctx context.Context, caller domain.Caller, class policy.Class, details map[string]string) error {
	ac, ok := g.classes.Get(class)
	if !ok {
		return domain.NewError(domain.KindInternal, "authorize", details["service"], "unknown action class "+string(class), nil)
	}

	mode := g.Policy().Mode
	cacheable := ac.Cacheable(mode) && caller.Session != ""
	if cacheable && g.cached(caller.Session, class) {
		return nil
	}

	req := domain.AuthRequest{
		ActionID: ac.ActionID(mode),
		Caller:   caller,
		Details:  details,
	}

	var (
		decision domain.AuthDecision
		err      error
	)
	if sctx, open := g.sessionContext(caller.Session); cacheable && open {
		decision, err = g.sharedPrompt(ctx, sctx, caller.Session+"\x00"+string(class), req)
	} else {
		decision, err = g.authority.Check(ctx, req)
	}

	if err != nil {
		g.logger.Error("authorization check failed",
			zap.String("class", string(class)),
			zap.Int("pid", caller.PID),
			zap.Error(err))
		return domain.NewError(domain.KindInternal, "authorize", details["service"], "authorization check failed", err)
	}

	switch decision {
	case domain.DecisionAllow:
		if cacheable {
			g.remember(caller.Session, class)
		}
		return nil
	case domain.DecisionCancelled:
		g.logger.Info("authentication dismissed", zap.String("class", string(class)), zap.Int("uid", caller.UID))
		return domain.NewError(domain.KindNotAuthorized, "authorize", details["service"], "authentication was dismissed", nil)
	default:
		g.logger.Info("authorization denied", zap.String("class", string(class)), zap.Int("uid", caller.UID))
		return domain.NewError(domain.KindNotAuthorized, "authorize", details["service"], "authorization denied", nil)
	}
}

// sharedPrompt runs one prompt per key for concurrent requests of a session.
// The prompt runs on the session's context: a request that gives up stops
// waiting without failing the others, and closing the session dismisses it.
func (g *AuthGate) sharedPrompt(ctx, sessionCtx context.Context, key string, req domain.AuthRequest) (domain.AuthDecision, error) {
	ch := g.prompts.DoChan(key, func() (interface{}, error) {
		return g.authority.Check(sessionCtx, req)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			if sessionCtx.Err() != nil {
				return domain.DecisionCancelled, nil
			}
			return domain.DecisionDeny, res.Err
		}
		return res.Val.(domain.AuthDecision), nil
	case <-ctx.Done():
		return domain.DecisionDeny, ctx.Err()
	}
}

func (g *AuthGate) sessionContext(id string) (context.Context, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sessions[id]
	if !ok {
		return nil, false
	}
	return s.ctx, true
}

func (g *AuthGate) cached(id string, class policy.Class) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sessions[id]
	if !ok {
		return false
	}
	_, ok = s.allowed[class]
	return ok
}

// remember stores an allow only if the session is still open and the
// policy still permits caching.
func (g *AuthGate) remember(id string, class policy.Class) {
	if g.Policy().Mode != domain.AuthCachedWhileSessionOpen {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if s, open := g.sessions[id]; open {
		s.allowed[class] = struct{}{}
	}
}

// CachedSessions returns the number of open sessions (for tests and status).
func (g *AuthGate) CachedSessions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}
