package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Letdown2491/runkit/internal/domain"
)

// ActivityLog keeps a bounded, durable history per service and detects
// state changes between observations. Appends are write-through: the
// service's whole history is persisted before the append returns.
type ActivityLog struct {
	store  domain.ActivityStore
	logger *zap.Logger
	now    func() time.Time

	// mu is the single-writer lock. It covers in-memory state and the
	// store write, never a control-tool invocation.
	mu        sync.Mutex
	histories map[string][]domain.ActivityEvent
	observed  map[string]domain.ServiceStatus
	inflight  map[string]domain.ActionKind

	// generation advances when an action starts and ends; a status read
	// under an older generation is stale.
	generation map[string]uint64

	subMu   sync.Mutex
	subs    map[int]chan domain.ActivityEvent
	nextSub int
}

// NewActivityLog creates an empty log backed by store.
func NewActivityLog(store domain.ActivityStore, logger *zap.Logger) *ActivityLog {
	return &ActivityLog{
		store:      store,
		logger:     logger.With(zap.String("component", "activity")),
		now:        time.Now,
		histories:  make(map[string][]domain.ActivityEvent),
		observed:   make(map[string]domain.ServiceStatus),
		inflight:   make(map[string]domain.ActionKind),
		generation: make(map[string]uint64),
		subs:       make(map[int]chan domain.ActivityEvent),
	}
}

// SetClock overrides the event timestamp source (for tests).
func (l *ActivityLog) SetClock(now func() time.Time) {
	l.now = now
}

// Load replaces in-memory histories with the persisted ones.
func (l *ActivityLog) Load(ctx context.Context) error {
	hist, err := l.store.LoadHistory(ctx)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.histories = make(map[string][]domain.ActivityEvent, len(hist))
	for svc, events := range hist {
		l.histories[svc] = trimHistory(events)
	}
	l.logger.Info("activity history loaded", zap.Int("services", len(hist)))
	return nil
}

// Recent returns the retained events for service, oldest first.
func (l *ActivityLog) Recent(service string) []domain.ActivityEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	h := l.histories[service]
	out := make([]domain.ActivityEvent, len(h))
	copy(out, h)
	return out
}

// Begin marks an action as in progress for service. Only one action per
// service may be in flight; a second Begin is a serialization bug.
func (l *ActivityLog) Begin(service string, action domain.ActionKind) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, busy := l.inflight[service]; busy {
		return domain.NewError(domain.KindInternal, string(action), service,
			fmt.Sprintf("action %s already in progress", cur), nil)
	}
	l.inflight[service] = action
	l.generation[service]++
	return nil
}

// End clears the in-flight marker set by Begin.
func (l *ActivityLog) End(service string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.inflight, service)
	l.generation[service]++
}

// Generation returns service's action generation. Take it before reading a
// status and pass it to ObserveSince.
func (l *ActivityLog) Generation(service string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.generation[service]
}

// RecordAction appends a UserAction event. When after is a known status it
// becomes the observation baseline, so the action's own effect is not
// reported again as a separate state change.
func (l *ActivityLog) RecordAction(ctx context.Context, service string, action domain.ActionKind, outcome domain.Outcome, message string, after *domain.ServiceStatus) error {
	ev := domain.ActivityEvent{
		Service: service,
		Type:    domain.EventUserAction,
		Action:  action,
		Outcome: outcome,
		Message: message,
	}
	if after != nil {
		ev.To = after.State
		ev.PID = after.PID
	}

	l.mu.Lock()
	if after != nil && after.State != domain.StateUnknown {
		if prev, ok := l.observed[service]; ok {
			ev.From = prev.State
		}
		l.observed[service] = *after
	}
	ev.Timestamp = l.now()
	err := l.appendLocked(ctx, ev)
	l.mu.Unlock()

	l.publish(ev)
	return err
}

// Observe compares status with the previous observation of the same service
// and appends a StateChange when it differs. The first observation only sets
// the baseline. Observations for a service with an action in flight are
// ignored; the action records its own outcome.
func (l *ActivityLog) Observe(ctx context.Context, status domain.ServiceStatus) (*domain.ActivityEvent, error) {
	return l.observe(ctx, status, 0, false)
}

// ObserveSince is Observe for a status read after Generation returned gen.
// If an action started or finished since then the status is dropped.
func (l *ActivityLog) ObserveSince(ctx context.Context, status domain.ServiceStatus, gen uint64) (*domain.ActivityEvent, error) {
	return l.observe(ctx, status, gen, true)
}

func (l *ActivityLog) observe(ctx context.Context, status domain.ServiceStatus, gen uint64, checkGen bool) (*domain.ActivityEvent, error) {
	if status.State == domain.StateUnknown {
		return nil, nil
	}

	l.mu.Lock()
	if _, busy := l.inflight[status.Service]; busy {
		l.mu.Unlock()
		return nil, nil
	}
	if checkGen && l.generation[status.Service] != gen {
		l.mu.Unlock()
		l.logger.Debug("stale status dropped", zap.String("service", status.Service))
		return nil, nil
	}
	prev, seen := l.observed[status.Service]
	l.observed[status.Service] = status
	if !seen {
		l.mu.Unlock()
		return nil, nil
	}
	change, ok := ClassifyTransition(prev, status)
	if !ok {
		l.mu.Unlock()
		return nil, nil
	}
	ev := StateChangeEvent(prev, status, change, l.now())
	err := l.appendLocked(ctx, ev)
	l.mu.Unlock()

	l.publish(ev)
	return &ev, err
}

// Reconcile consumes the snapshot saved at the previous shutdown, appends a
// synthetic StateChange for every service that changed while the daemon was
// down, and seeds the observation baseline with live. The snapshot is
// deleted as it is read, so a second call produces nothing.
func (l *ActivityLog) Reconcile(ctx context.Context, live map[string]domain.ServiceStatus) ([]domain.ActivityEvent, error) {
	snap, ok, err := l.store.TakeSnapshot(ctx)
	if err != nil {
		return nil, err
	}

	var events []domain.ActivityEvent
	if ok {
		events = DiffSnapshots(snap, live, l.now())
	}

	l.mu.Lock()
	var firstErr error
	for _, ev := range events {
		if err := l.appendLocked(ctx, ev); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for name, st := range live {
		if st.State != domain.StateUnknown {
			l.observed[name] = st
		}
	}
	l.mu.Unlock()

	for _, ev := range events {
		l.publish(ev)
	}
	l.logger.Info("startup reconciliation complete",
		zap.Bool("snapshot_found", ok),
		zap.Int("synthetic_events", len(events)))
	return events, firstErr
}

// WriteSnapshot persists live (or, when live is nil, the current
// observation baseline) for comparison at the next startup.
func (l *ActivityLog) WriteSnapshot(ctx context.Context, live map[string]domain.ServiceStatus) error {
	snap := domain.SessionSnapshot{}
	if live == nil {
		l.mu.Lock()
		for k, v := range l.observed {
			snap[k] = v
		}
		l.mu.Unlock()
	} else {
		for k, v := range live {
			snap[k] = v
		}
	}
	if err := l.store.SaveSnapshot(ctx, snap); err != nil {
		return err
	}
	l.logger.Info("session snapshot saved", zap.Int("services", len(snap)))
	return nil
}

// Observed returns a copy of the current observation baseline.
func (l *ActivityLog) Observed() map[string]domain.ServiceStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]domain.ServiceStatus, len(l.observed))
	for k, v := range l.observed {
		out[k] = v
	}
	return out
}

// Subscribe registers a listener for appended events. Slow listeners drop
// events rather than block appends. cancel must be called to unsubscribe.
func (l *ActivityLog) Subscribe(buffer int) (<-chan domain.ActivityEvent, func()) {
	ch := make(chan domain.ActivityEvent, buffer)
	l.subMu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subs[id] = ch
	l.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.subMu.Lock()
			delete(l.subs, id)
			l.subMu.Unlock()
			close(ch)
		})
	}
}

func (l *ActivityLog) publish(ev domain.ActivityEvent) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	for _, ch := range l.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// appendLocked adds ev, evicts beyond capacity and persists. l.mu must be held.
// The in-memory append stands even if persistence fails.
func (l *ActivityLog) appendLocked(ctx context.Context, ev domain.ActivityEvent) error {
	h := append(l.histories[ev.Service], ev)
	h = trimHistory(h)
	l.histories[ev.Service] = h

	persisted := make([]domain.ActivityEvent, len(h))
	copy(persisted, h)
	if err := l.store.ReplaceHistory(ctx, ev.Service, persisted); err != nil {
		l.logger.Error("failed to persist activity",
			zap.String("service", ev.Service),
			zap.String("type", string(ev.Type)),
			zap.Error(err))
		return domain.NewError(domain.KindPersistence, "append", ev.Service, "", err)
	}
	return nil
}

func trimHistory(h []domain.ActivityEvent) []domain.ActivityEvent {
	if len(h) <= domain.HistoryCapacity {
		return h
	}
	out := make([]domain.ActivityEvent, domain.HistoryCapacity)
	copy(out, h[len(h)-domain.HistoryCapacity:])
	return out
}
