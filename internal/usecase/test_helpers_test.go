package usecase

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/Letdown2491/runkit/internal/domain"
)

// memStore implements domain.ActivityStore in memory.
type memStore struct {
	mu        sync.Mutex
	history   map[string][]domain.ActivityEvent
	snapshot  domain.SessionSnapshot
	hasSnap   bool
	policy    *domain.AuthorizationPolicy
	writes    int
	failWrite error
}

func newMemStore() *memStore {
	return &memStore{history: make(map[string][]domain.ActivityEvent)}
}

func (m *memStore) LoadHistory(context.Context) (map[string][]domain.ActivityEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]domain.ActivityEvent, len(m.history))
	for k, v := range m.history {
		out[k] = append([]domain.ActivityEvent(nil), v...)
	}
	return out, nil
}

func (m *memStore) ReplaceHistory(_ context.Context, service string, events []domain.ActivityEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrite != nil {
		return m.failWrite
	}
	m.writes++
	m.history[service] = append([]domain.ActivityEvent(nil), events...)
	return nil
}

func (m *memStore) TakeSnapshot(context.Context) (domain.SessionSnapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasSnap {
		return nil, false, nil
	}
	snap := m.snapshot
	m.snapshot, m.hasSnap = nil, false
	return snap, true, nil
}

func (m *memStore) SaveSnapshot(_ context.Context, snap domain.SessionSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrite != nil {
		return m.failWrite
	}
	m.snapshot, m.hasSnap = snap, true
	return nil
}

func (m *memStore) LoadPolicy(context.Context) (domain.AuthorizationPolicy, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.policy == nil {
		return domain.AuthorizationPolicy{}, false, nil
	}
	return *m.policy, true, nil
}

func (m *memStore) SavePolicy(_ context.Context, p domain.AuthorizationPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrite != nil {
		return m.failWrite
	}
	m.policy = &p
	return nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) persisted(service string) []domain.ActivityEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.ActivityEvent(nil), m.history[service]...)
}

// mockRegistry implements domain.ServiceRegistry over a fixed set.
type mockRegistry struct {
	mu       sync.Mutex
	services map[string]domain.ServiceDescriptor
	descs    map[string]string
	scanErr  error
	scans    int
}

func newMockRegistry(names ...string) *mockRegistry {
	r := &mockRegistry{services: map[string]domain.ServiceDescriptor{}, descs: map[string]string{}}
	for _, n := range names {
		r.services[n] = domain.ServiceDescriptor{Name: n}
	}
	return r
}

func (r *mockRegistry) Scan(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scans++
	return r.scanErr
}

func (r *mockRegistry) List() []domain.ServiceDescriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.ServiceDescriptor, 0, len(r.services))
	for _, d := range r.services {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *mockRegistry) Lookup(name string) (domain.ServiceDescriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.services[name]
	return d, ok
}

func (r *mockRegistry) MarkEnabled(name string, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.services[name]; ok {
		d.Enabled = enabled
		r.services[name] = d
	}
}

func (r *mockRegistry) Describe(_ context.Context, name string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.descs[name]
}

// mockStatus implements domain.StatusReader from a settable table. onRead,
// when set, runs after the status has been read and may block.
type mockStatus struct {
	mu     sync.Mutex
	states map[string]domain.ServiceStatus
	calls  int
	onRead func(st domain.ServiceStatus)
}

func newMockStatus() *mockStatus {
	return &mockStatus{states: map[string]domain.ServiceStatus{}}
}

func (m *mockStatus) set(st domain.ServiceStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[st.Service] = st
}

func (m *mockStatus) Status(_ context.Context, name string) domain.ServiceStatus {
	m.mu.Lock()
	m.calls++
	st, ok := m.states[name]
	if !ok {
		st = domain.ServiceStatus{Service: name, State: domain.StateUnknown}
	}
	fn := m.onRead
	m.mu.Unlock()
	if fn != nil {
		fn(st)
	}
	return st
}

// mockExecutor implements domain.CommandExecutor. onRun, when set, runs
// inside Run and may block or mutate status.
type mockExecutor struct {
	mu    sync.Mutex
	calls []string
	err   error
	onRun func(ctx context.Context, verb, service string)
}

func (m *mockExecutor) Run(ctx context.Context, verb, service string) (*domain.CommandResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, verb+" "+service)
	fn, err := m.onRun, m.err
	m.mu.Unlock()
	if fn != nil {
		fn(ctx, verb, service)
	}
	if err != nil {
		return nil, err
	}
	return &domain.CommandResult{Stdout: "ok: " + verb + " " + service + "\n"}, nil
}

func (m *mockExecutor) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// mockLinks implements domain.SymlinkManager.
type mockLinks struct {
	mu      sync.Mutex
	enabled map[string]bool
	err     error
}

func newMockLinks() *mockLinks {
	return &mockLinks{enabled: map[string]bool{}}
}

func (m *mockLinks) Enable(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.enabled[name] = true
	return nil
}

func (m *mockLinks) Disable(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	delete(m.enabled, name)
	return nil
}

func (m *mockLinks) IsEnabled(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled[name]
}

// mockAuthority implements domain.Authority with a fixed answer. When gate
// is non-nil every Check blocks until it is closed.
type mockAuthority struct {
	mu       sync.Mutex
	decision domain.AuthDecision
	err      error
	gate     chan struct{}
	requests []domain.AuthRequest
}

func allowAll() *mockAuthority { return &mockAuthority{decision: domain.DecisionAllow} }

func (m *mockAuthority) Check(ctx context.Context, req domain.AuthRequest) (domain.AuthDecision, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	gate := m.gate
	m.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return domain.DecisionDeny, ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.decision, m.err
}

func (m *mockAuthority) Prompts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *mockAuthority) setDecision(d domain.AuthDecision) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decision = d
}

// fixedClock returns a clock that advances one second per call.
func fixedClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

var errDiskFull = errors.New("disk full")

func running(name string, pid int) domain.ServiceStatus {
	return domain.ServiceStatus{Service: name, State: domain.StateRunning, PID: pid}
}

func down(name string) domain.ServiceStatus {
	return domain.ServiceStatus{Service: name, State: domain.StateDown}
}

var (
	_ domain.ActivityStore   = (*memStore)(nil)
	_ domain.ServiceRegistry = (*mockRegistry)(nil)
	_ domain.StatusReader    = (*mockStatus)(nil)
	_ domain.CommandExecutor = (*mockExecutor)(nil)
	_ domain.SymlinkManager  = (*mockLinks)(nil)
	_ domain.Authority       = (*mockAuthority)(nil)
)

func errorsIsNotFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound)
}
