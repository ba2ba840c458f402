package infra

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/Letdown2491/runkit/internal/domain"
)

// FileRegistry implements domain.ServiceRegistry by scanning the
// services-source directory. The snapshot is swapped atomically on Scan.
type FileRegistry struct {
	servicesDir string
	links       domain.SymlinkManager
	describer   *DescriptionResolver
	logger      *zap.Logger

	mu       sync.RWMutex
	services map[string]domain.ServiceDescriptor
}

// NewFileRegistry creates a registry. describer may be nil.
func NewFileRegistry(servicesDir string, links domain.SymlinkManager, describer *DescriptionResolver, logger *zap.Logger) *FileRegistry {
	return &FileRegistry{
		servicesDir: servicesDir,
		links:       links,
		describer:   describer,
		logger:      logger.With(zap.String("component", "registry")),
		services:    map[string]domain.ServiceDescriptor{},
	}
}

// Scan rebuilds the snapshot and reloads the description cache. Resolved
// descriptions are carried over only when the cache could not be reloaded.
func (r *FileRegistry) Scan(ctx context.Context) error {
	entries, err := os.ReadDir(r.servicesDir)
	if err != nil {
		return fmt.Errorf("read services dir %s: %w", r.servicesDir, err)
	}

	reloaded := r.describer != nil && r.describer.Reload()

	r.mu.RLock()
	prev := r.services
	r.mu.RUnlock()

	next := make(map[string]domain.ServiceDescriptor, len(entries))
	for _, e := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		name := e.Name()
		if strings.HasPrefix(name, ".") || !domain.ValidServiceName(name) {
			continue
		}
		if !isDir(filepath.Join(r.servicesDir, name)) {
			continue
		}
		d := domain.ServiceDescriptor{
			Name:    name,
			Enabled: r.links.IsEnabled(name),
		}
		if old, ok := prev[name]; ok && !reloaded {
			d.Description = old.Description
		}
		next[name] = d
	}

	r.mu.Lock()
	r.services = next
	r.mu.Unlock()

	r.logger.Debug("registry scanned", zap.Int("services", len(next)))
	return nil
}

// List returns all services sorted by name.
func (r *FileRegistry) List() []domain.ServiceDescriptor {
	r.mu.RLock()
	out := make([]domain.ServiceDescriptor, 0, len(r.services))
	for _, d := range r.services {
		out = append(out, d)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Lookup returns the descriptor for name.
func (r *FileRegistry) Lookup(name string) (domain.ServiceDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.services[name]
	return d, ok
}

// MarkEnabled updates a descriptor after a successful enable/disable.
func (r *FileRegistry) MarkEnabled(name string, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.services[name]; ok {
		d.Enabled = enabled
		r.services[name] = d
	}
}

// Describe resolves and memoizes the description for name.
func (r *FileRegistry) Describe(ctx context.Context, name string) string {
	if d, ok := r.Lookup(name); ok && d.Description != "" {
		return d.Description
	}
	if r.describer == nil {
		return ""
	}

	desc := r.describer.Resolve(ctx, name)
	if desc == "" {
		return ""
	}

	r.mu.Lock()
	if d, ok := r.services[name]; ok {
		d.Description = desc
		r.services[name] = d
	}
	r.mu.Unlock()
	return desc
}

func isDir(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}

// Ensure FileRegistry implements domain.ServiceRegistry.
var _ domain.ServiceRegistry = (*FileRegistry)(nil)
