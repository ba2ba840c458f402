package domain

import "context"

// ProcessManager handles OS process operations.
// Implementation: uses gopsutil for cross-platform support.
type ProcessManager interface {
	// IsRunning checks if a PID exists and is running.
	IsRunning(pid int) bool

	// TerminateTree kills pid and every descendant still alive.
	TerminateTree(pid int) error
}

// ServiceRegistry is the authoritative in-memory list of known services.
type ServiceRegistry interface {
	// Scan rebuilds the snapshot from the services-source directory.
	Scan(ctx context.Context) error

	// List returns all known services sorted by name.
	List() []ServiceDescriptor

	// Lookup returns the descriptor for name.
	Lookup(name string) (ServiceDescriptor, bool)

	// MarkEnabled updates the enabled flag after a symlink mutation.
	MarkEnabled(name string, enabled bool)

	// Describe returns the (possibly empty) human description for name.
	// Enrichment failures are swallowed.
	Describe(ctx context.Context, name string) string
}

// StatusReader queries the supervisor for live status.
type StatusReader interface {
	// Status never fails; unreadable status is reported as StateUnknown.
	Status(ctx context.Context, name string) ServiceStatus
}

// CommandExecutor runs the external service-control tool.
type CommandExecutor interface {
	// Run executes one verb against one service.
	// Errors are *Error of KindExecutionFailed or KindTimeout.
	Run(ctx context.Context, verb, service string) (*CommandResult, error)
}

// SymlinkManager mutates the enabled-services directory.
type SymlinkManager interface {
	// Enable links the service definition into the enabled directory. Idempotent.
	Enable(name string) error

	// Disable removes the enablement link. Idempotent.
	Disable(name string) error

	// IsEnabled reports whether an enablement entry exists.
	IsEnabled(name string) bool
}

// AuthRequest is one question put to the host policy authority.
type AuthRequest struct {
	ActionID string
	Caller   Caller
	Details  map[string]string
}

// AuthDecision is the authority's answer.
type AuthDecision string

const (
	DecisionAllow     AuthDecision = "allow"
	DecisionDeny      AuthDecision = "deny"
	DecisionCancelled AuthDecision = "cancelled"
)

// Authority is the host policy authority (polkit). It may prompt interactively.
type Authority interface {
	Check(ctx context.Context, req AuthRequest) (AuthDecision, error)
}

// ActivityStore persists activity history, the session snapshot and the
// authorization policy.
type ActivityStore interface {
	// LoadHistory returns every persisted history, oldest event first.
	LoadHistory(ctx context.Context) (map[string][]ActivityEvent, error)

	// ReplaceHistory atomically replaces the persisted history of one service.
	ReplaceHistory(ctx context.Context, service string, events []ActivityEvent) error

	// TakeSnapshot returns and deletes the stored snapshot. ok is false when none exists.
	TakeSnapshot(ctx context.Context) (snap SessionSnapshot, ok bool, err error)

	// SaveSnapshot replaces the stored snapshot.
	SaveSnapshot(ctx context.Context, snap SessionSnapshot) error

	// LoadPolicy returns the stored policy. ok is false when none was saved.
	LoadPolicy(ctx context.Context) (policy AuthorizationPolicy, ok bool, err error)

	// SavePolicy persists the policy.
	SavePolicy(ctx context.Context, policy AuthorizationPolicy) error

	// Close releases the underlying database.
	Close() error
}

// DescriptionCache is a persisted name -> description map shared with the
// cache-seeding utility. A nil description records a known miss.
type DescriptionCache interface {
	Get(name string) (desc *string, known bool)
	Put(name string, desc *string) error

	// Reload re-reads entries written by other processes.
	Reload() error
}

// DescriptionSource resolves a description from one place.
type DescriptionSource interface {
	Name() string
	Describe(ctx context.Context, service string) (desc string, found bool, err error)
}

// LogReader reads service logs.
type LogReader interface {
	// Tail returns up to n trailing lines of the service's current log.
	Tail(ctx context.Context, service string, n int) ([]LogLine, error)
}

// KeyProvider abstracts the source of the activity-store encryption key.
type KeyProvider interface {
	// GetKey returns the encryption key bytes.
	GetKey() ([]byte, error)

	// StoreKey persists a new encryption key.
	StoreKey(key []byte) error

	// KeyExists checks if a key has been generated.
	KeyExists() bool
}
