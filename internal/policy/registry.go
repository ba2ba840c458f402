package policy

import (
	"fmt"
	"sort"
)

// Registry holds the action classes known to the daemon.
type Registry struct {
	classes map[Class]ActionClass
}

// NewRegistry creates a registry with the default classes.
func NewRegistry() *Registry {
	return NewRegistryWithClasses(NewManageClass(), NewConfigureClass(), NewReadConfigClass())
}

// NewRegistryWithClasses creates a registry with custom classes (for testing).
func NewRegistryWithClasses(classes ...ActionClass) *Registry {
	r := &Registry{classes: make(map[Class]ActionClass)}
	for _, c := range classes {
		r.Register(c)
	}
	return r
}

// Register adds a class to the registry.
func (r *Registry) Register(c ActionClass) {
	r.classes[c.ID()] = c
}

// Get returns a class by ID.
func (r *Registry) Get(id Class) (ActionClass, bool) {
	c, ok := r.classes[id]
	return c, ok
}

// MustGet returns a class by ID and panics if it is not registered.
func (r *Registry) MustGet(id Class) ActionClass {
	c, ok := r.classes[id]
	if !ok {
		panic(fmt.Sprintf("policy: class %q not registered", id))
	}
	return c
}

// List returns all class IDs, sorted.
func (r *Registry) List() []Class {
	ids := make([]Class, 0, len(r.classes))
	for id := range r.classes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
