package infra

import (
	"bufio"
	"context"
	"errors"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/Letdown2491/runkit/internal/domain"
)

// descriptionFiles are checked in order inside a service definition directory.
var descriptionFiles = []string{"description", "README", "README.md"}

// ServiceFileSource reads the first non-empty line of a description file
// shipped inside the service definition.
type ServiceFileSource struct {
	servicesDir string
}

// NewServiceFileSource creates a source rooted at servicesDir.
func NewServiceFileSource(servicesDir string) *ServiceFileSource {
	return &ServiceFileSource{servicesDir: servicesDir}
}

func (s *ServiceFileSource) Name() string {
	return "service-dir"
}

func (s *ServiceFileSource) Describe(_ context.Context, service string) (string, bool, error) {
	for _, f := range descriptionFiles {
		line, err := firstLine(filepath.Join(s.servicesDir, service, f))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return "", false, err
		}
		if line != "" {
			return line, true, nil
		}
	}
	return "", false, nil
}

func firstLine(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(strings.TrimLeft(sc.Text(), "# "))
		if line != "" {
			return line, nil
		}
	}
	return "", sc.Err()
}

// XbpsSource looks up the short description of the package that ships the
// service, via `xbps-query -p short_desc <name>`.
type XbpsSource struct {
	queryPath string
	runner    CommandRunner
}

// NewXbpsSource creates the package-metadata source. It is unavailable
// when xbps-query is not installed.
func NewXbpsSource(runner CommandRunner) *XbpsSource {
	path, _ := exec.LookPath("xbps-query")
	return &XbpsSource{queryPath: path, runner: runner}
}

func (x *XbpsSource) Name() string {
	return "xbps"
}

func (x *XbpsSource) IsAvailable() bool {
	return x.queryPath != ""
}

func (x *XbpsSource) Describe(ctx context.Context, service string) (string, bool, error) {
	if !x.IsAvailable() {
		return "", false, nil
	}
	out, err := x.runner.Output(ctx, x.queryPath, "-p", "short_desc", service)
	if err != nil {
		// non-zero exit just means no such package
		if _, ok := exitCode(err); ok {
			return "", false, nil
		}
		return "", false, err
	}
	desc := strings.TrimSpace(string(out))
	return desc, desc != "", nil
}

// DescriptionResolver walks description sources in order and memoizes the
// result (including misses) in the shared description cache.
type DescriptionResolver struct {
	sources []domain.DescriptionSource
	cache   domain.DescriptionCache
	logger  *zap.Logger
}

// NewDescriptionResolver creates a resolver. cache may be nil.
func NewDescriptionResolver(cache domain.DescriptionCache, logger *zap.Logger, sources ...domain.DescriptionSource) *DescriptionResolver {
	return &DescriptionResolver{
		sources: sources,
		cache:   cache,
		logger:  logger.With(zap.String("component", "descriptions")),
	}
}

// Resolve returns the description of service, or "" when none is known.
// It never fails; source and cache errors are logged at debug level.
func (r *DescriptionResolver) Resolve(ctx context.Context, service string) string {
	if r.cache != nil {
		if desc, known := r.cache.Get(service); known {
			if desc == nil {
				return ""
			}
			return *desc
		}
	}

	var found *string
	for _, src := range r.sources {
		desc, ok, err := src.Describe(ctx, service)
		if err != nil {
			r.logger.Debug("description source failed",
				zap.String("source", src.Name()),
				zap.String("service", service),
				zap.Error(err))
			continue
		}
		if ok {
			found = &desc
			break
		}
	}

	if r.cache != nil && ctx.Err() == nil {
		if err := r.cache.Put(service, found); err != nil {
			r.logger.Debug("description cache write failed", zap.String("service", service), zap.Error(err))
		}
	}
	if found == nil {
		return ""
	}
	return *found
}

// Reload refreshes the cache from disk. It reports whether cached entries
// are now current; false means there is no cache or it could not be read.
func (r *DescriptionResolver) Reload() bool {
	if r.cache == nil {
		return false
	}
	if err := r.cache.Reload(); err != nil {
		r.logger.Warn("description cache reload failed", zap.Error(err))
		return false
	}
	return true
}

var (
	_ domain.DescriptionSource = (*ServiceFileSource)(nil)
	_ domain.DescriptionSource = (*XbpsSource)(nil)
)
