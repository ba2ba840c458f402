// Package policy maps requests to authorization action classes and the
// polkit action ids that guard them.
package policy

import "github.com/Letdown2491/runkit/internal/domain"

// polkit action ids installed with the daemon.
const (
	ActionIDRequirePassword = "tech.geektoshi.Runkit.require_password"
	ActionIDCached          = "tech.geektoshi.Runkit.cached"
)

// Class identifies a group of operations that share one authorization decision.
type Class string

const (
	ClassManage     Class = "manage"      // service lifecycle mutations
	ClassConfigure  Class = "configure"   // changing the authorization policy
	ClassReadConfig Class = "read_config" // reading the authorization policy
)

// ActionClass defines how one class of operations is authorized.
type ActionClass interface {
	// ID returns the class identifier.
	ID() Class

	// Name returns a human-readable name for logs and prompts.
	Name() string

	// ActionID returns the polkit action id to check under mode.
	ActionID(mode domain.AuthMode) string

	// Cacheable reports whether an allow may be reused for the session under mode.
	Cacheable(mode domain.AuthMode) bool
}

type manageClass struct{}

func (manageClass) ID() Class    { return ClassManage }
func (manageClass) Name() string { return "manage services" }

func (manageClass) ActionID(mode domain.AuthMode) string {
	if mode == domain.AuthCachedWhileSessionOpen {
		return ActionIDCached
	}
	return ActionIDRequirePassword
}

func (manageClass) Cacheable(mode domain.AuthMode) bool {
	return mode == domain.AuthCachedWhileSessionOpen
}

// strictClass always prompts, whatever the mode.
type strictClass struct {
	id   Class
	name string
}

func (c strictClass) ID() Class                       { return c.id }
func (c strictClass) Name() string                    { return c.name }
func (c strictClass) ActionID(domain.AuthMode) string { return ActionIDRequirePassword }
func (c strictClass) Cacheable(domain.AuthMode) bool  { return false }

// NewManageClass returns the class for service lifecycle operations.
func NewManageClass() ActionClass { return manageClass{} }

// NewConfigureClass returns the class for policy changes.
func NewConfigureClass() ActionClass {
	return strictClass{id: ClassConfigure, name: "change authorization policy"}
}

// NewReadConfigClass returns the class for reading the policy.
func NewReadConfigClass() ActionClass {
	return strictClass{id: ClassReadConfig, name: "read authorization policy"}
}
