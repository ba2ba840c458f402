// Package domain contains core business entities and interfaces.
// This is the innermost layer - no external dependencies.
package domain

import (
	"regexp"
	"time"
)

// HistoryCapacity is the number of activity events retained per service.
const HistoryCapacity = 10

var serviceNamePattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9._-]*$`)

// ValidServiceName reports whether name is a syntactically valid service name.
func ValidServiceName(name string) bool {
	return serviceNamePattern.MatchString(name)
}

// ServiceDescriptor is a service known to the registry.
// Name is the identity key; two descriptors are equal iff their names are.
type ServiceDescriptor struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// ServiceState is the coarse lifecycle state reported by the supervisor.
type ServiceState string

const (
	StateRunning ServiceState = "running"
	StateDown    ServiceState = "down"
	StateFailed  ServiceState = "failed"
	StateUnknown ServiceState = "unknown"
)

// ServiceStatus is a point-in-time status observation. Never cached beyond a request.
type ServiceStatus struct {
	Service    string        `json:"service"`
	State      ServiceState  `json:"state"`
	PID        int           `json:"pid,omitempty"` // 0 when absent
	Uptime     time.Duration `json:"uptime,omitempty"`
	NormallyUp bool          `json:"normally_up,omitempty"` // down but wanted up
	ExitCode   int           `json:"exit_code,omitempty"`
	Raw        string        `json:"raw,omitempty"`
}

// HasPID reports whether a pid was captured.
func (s ServiceStatus) HasPID() bool { return s.PID > 0 }

// EventType discriminates activity events.
type EventType string

const (
	EventStateChange EventType = "state_change"
	EventUserAction  EventType = "user_action"
)

// ChangeKind classifies a state transition.
type ChangeKind string

const (
	ChangeStarted   ChangeKind = "started"
	ChangeStopped   ChangeKind = "stopped"
	ChangeFailed    ChangeKind = "failed"
	ChangeRestarted ChangeKind = "restarted"
)

// ActionKind is a lifecycle operation a caller can request.
type ActionKind string

const (
	ActionStart   ActionKind = "start"
	ActionStop    ActionKind = "stop"
	ActionRestart ActionKind = "restart"
	ActionReload  ActionKind = "reload"
	ActionEnable  ActionKind = "enable"
	ActionDisable ActionKind = "disable"
	ActionCheck   ActionKind = "check"
	ActionOnce    ActionKind = "once"
)

// AllActions lists every ActionKind in display order.
var AllActions = []ActionKind{
	ActionStart, ActionStop, ActionRestart, ActionReload,
	ActionEnable, ActionDisable, ActionCheck, ActionOnce,
}

// ParseAction maps a wire string to an ActionKind.
func ParseAction(s string) (ActionKind, bool) {
	for _, a := range AllActions {
		if string(a) == s {
			return a, true
		}
	}
	return "", false
}

// IsSymlinkAction reports whether the action mutates the enablement tree
// rather than invoking the control tool.
func (a ActionKind) IsSymlinkAction() bool {
	return a == ActionEnable || a == ActionDisable
}

// ToolVerb returns the control-tool verb for actions that invoke it.
func (a ActionKind) ToolVerb() (string, bool) {
	switch a {
	case ActionStart:
		return "up", true
	case ActionStop:
		return "down", true
	case ActionRestart, ActionReload, ActionCheck, ActionOnce:
		return string(a), true
	}
	return "", false
}

// Outcome is the result of a user action.
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeFailed   Outcome = "failed"
	OutcomeTimedOut Outcome = "timed_out"
)

// ActivityEvent is an immutable entry in a service's activity history.
type ActivityEvent struct {
	Service   string       `json:"service"`
	Type      EventType    `json:"type"`
	From      ServiceState `json:"from,omitempty"`
	To        ServiceState `json:"to,omitempty"`
	Change    ChangeKind   `json:"change,omitempty"`
	Action    ActionKind   `json:"action,omitempty"`
	Outcome   Outcome      `json:"outcome,omitempty"`
	Message   string       `json:"message,omitempty"`
	PID       int          `json:"pid,omitempty"`
	Synthetic bool         `json:"synthetic,omitempty"` // derived from a snapshot diff at startup
	Timestamp time.Time    `json:"timestamp"`
}

// SessionSnapshot maps service name to the last observed status at shutdown.
type SessionSnapshot map[string]ServiceStatus

// AuthMode selects how authorization decisions are reused.
type AuthMode string

const (
	AuthRequirePassword        AuthMode = "require_password"
	AuthCachedWhileSessionOpen AuthMode = "cached_while_session_open"
)

// Valid reports whether m is a known mode.
func (m AuthMode) Valid() bool {
	return m == AuthRequirePassword || m == AuthCachedWhileSessionOpen
}

// AuthorizationPolicy is the process-wide authorization configuration.
type AuthorizationPolicy struct {
	Mode AuthMode `json:"mode"`
}

// DefaultAuthorizationPolicy prompts on every privileged request.
func DefaultAuthorizationPolicy() AuthorizationPolicy {
	return AuthorizationPolicy{Mode: AuthRequirePassword}
}

// Caller identifies the process on the other end of a connection.
type Caller struct {
	PID     int
	UID     int
	GID     int
	Session string // one per connection
}

// CommandResult is the captured output of a successful control-tool run.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// LogLine is one line from a service's log.
type LogLine struct {
	Timestamp *time.Time `json:"timestamp,omitempty"`
	Text      string     `json:"text"`
}

// ActionResult is returned from a lifecycle operation.
type ActionResult struct {
	Service string         `json:"service"`
	Action  ActionKind     `json:"action"`
	Message string         `json:"message,omitempty"`
	Status  *ServiceStatus `json:"status,omitempty"`
	Enabled bool           `json:"enabled"`
}
