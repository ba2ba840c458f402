package usecase

import (
	"fmt"
	"sort"
	"time"

	"github.com/Letdown2491/runkit/internal/domain"
)

// ClassifyTransition reports the change between two observations of one
// service. Unknown on either side is never a change; a pid change while
// running both times is a restart.
func ClassifyTransition(prev, cur domain.ServiceStatus) (domain.ChangeKind, bool) {
	if prev.State == domain.StateUnknown || cur.State == domain.StateUnknown {
		return "", false
	}
	if prev.State == cur.State {
		if cur.State == domain.StateRunning && prev.HasPID() && cur.HasPID() && prev.PID != cur.PID {
			return domain.ChangeRestarted, true
		}
		return "", false
	}
	switch cur.State {
	case domain.StateRunning:
		return domain.ChangeStarted, true
	case domain.StateDown:
		return domain.ChangeStopped, true
	case domain.StateFailed:
		return domain.ChangeFailed, true
	}
	return "", false
}

// StateChangeEvent builds the activity event for a classified transition.
func StateChangeEvent(prev, cur domain.ServiceStatus, change domain.ChangeKind, at time.Time) domain.ActivityEvent {
	return domain.ActivityEvent{
		Service:   cur.Service,
		Type:      domain.EventStateChange,
		From:      prev.State,
		To:        cur.State,
		Change:    change,
		PID:       cur.PID,
		Message:   transitionMessage(prev, cur, change),
		Timestamp: at,
	}
}

func transitionMessage(prev, cur domain.ServiceStatus, change domain.ChangeKind) string {
	switch change {
	case domain.ChangeRestarted:
		return fmt.Sprintf("restarted (pid %d -> %d)", prev.PID, cur.PID)
	case domain.ChangeStarted:
		if cur.HasPID() {
			return fmt.Sprintf("started (pid %d)", cur.PID)
		}
		return "started"
	case domain.ChangeFailed:
		if cur.ExitCode != 0 {
			return fmt.Sprintf("failed (exit %d)", cur.ExitCode)
		}
		return "failed"
	}
	return string(change)
}

// DiffSnapshots compares the status saved at the previous shutdown with the
// live status at startup and returns one synthetic StateChange per service
// whose state changed while the daemon was not running. Services present on
// only one side produce nothing. Events are ordered by service name.
func DiffSnapshots(old domain.SessionSnapshot, live map[string]domain.ServiceStatus, at time.Time) []domain.ActivityEvent {
	names := make([]string, 0, len(live))
	for name := range live {
		if _, ok := old[name]; ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var events []domain.ActivityEvent
	for _, name := range names {
		prev, cur := old[name], live[name]
		prev.Service, cur.Service = name, name
		change, ok := ClassifyTransition(prev, cur)
		if !ok {
			continue
		}
		ev := StateChangeEvent(prev, cur, change, at)
		ev.Synthetic = true
		ev.Message += " while runkitd was stopped"
		events = append(events, ev)
	}
	return events
}
