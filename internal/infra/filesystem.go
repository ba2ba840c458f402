package infra

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/Letdown2491/runkit/internal/domain"
)

// SymlinkManagerImpl implements domain.SymlinkManager over the runit layout:
// definitions live in servicesDir, enablement is a symlink in enabledDir.
type SymlinkManagerImpl struct {
	servicesDir string
	enabledDir  string
	logger      *zap.Logger
}

// NewSymlinkManager creates a symlink manager.
func NewSymlinkManager(servicesDir, enabledDir string, logger *zap.Logger) *SymlinkManagerImpl {
	return &SymlinkManagerImpl{
		servicesDir: servicesDir,
		enabledDir:  enabledDir,
		logger:      logger.With(zap.String("component", "symlinks")),
	}
}

// Enable links servicesDir/name into enabledDir/name.
// An existing link to the same definition is success without change.
func (m *SymlinkManagerImpl) Enable(name string) error {
	src := filepath.Join(m.servicesDir, name)
	dst := filepath.Join(m.enabledDir, name)

	if err := checkDefinition(src); err != nil {
		return domain.NewError(domain.KindExecutionFailed, "enable", name, err.Error(), err)
	}

	fi, err := os.Lstat(dst)
	switch {
	case err == nil:
		if fi.Mode()&fs.ModeSymlink == 0 {
			return domain.NewError(domain.KindExecutionFailed, "enable", name,
				fmt.Sprintf("%s exists and is not a symlink", dst), nil)
		}
		target, rerr := os.Readlink(dst)
		if rerr != nil {
			return domain.NewError(domain.KindExecutionFailed, "enable", name, rerr.Error(), rerr)
		}
		if samePath(target, src, m.enabledDir) {
			return nil
		}
		return domain.NewError(domain.KindExecutionFailed, "enable", name,
			fmt.Sprintf("%s already links to %s", dst, target), nil)
	case !errors.Is(err, fs.ErrNotExist):
		return domain.NewError(domain.KindExecutionFailed, "enable", name, err.Error(), err)
	}

	if err := os.Symlink(src, dst); err != nil {
		// A concurrent enable of the same definition is fine.
		if errors.Is(err, fs.ErrExist) && m.IsEnabled(name) {
			return nil
		}
		return domain.NewError(domain.KindExecutionFailed, "enable", name, err.Error(), err)
	}
	m.logger.Info("service enabled", zap.String("service", name), zap.String("link", dst))
	return nil
}

// Disable removes enabledDir/name. An absent link is success.
// A real file or directory at that path is never removed.
func (m *SymlinkManagerImpl) Disable(name string) error {
	dst := filepath.Join(m.enabledDir, name)

	fi, err := os.Lstat(dst)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return domain.NewError(domain.KindExecutionFailed, "disable", name, err.Error(), err)
	}
	if fi.Mode()&fs.ModeSymlink == 0 {
		return domain.NewError(domain.KindExecutionFailed, "disable", name,
			fmt.Sprintf("%s is not a symlink", dst), nil)
	}

	if err := os.Remove(dst); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return domain.NewError(domain.KindExecutionFailed, "disable", name, err.Error(), err)
	}
	m.logger.Info("service disabled", zap.String("service", name))
	return nil
}

// IsEnabled reports whether an enablement entry exists.
func (m *SymlinkManagerImpl) IsEnabled(name string) bool {
	_, err := os.Lstat(filepath.Join(m.enabledDir, name))
	return err == nil
}

// checkDefinition verifies the definition directory exists and has a run file.
func checkDefinition(dir string) error {
	fi, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("service definition %s: %w", dir, err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("service definition %s is not a directory", dir)
	}
	if _, err := os.Stat(filepath.Join(dir, "run")); err != nil {
		return fmt.Errorf("service definition %s has no run script", dir)
	}
	return nil
}

func samePath(target, want, base string) bool {
	if !filepath.IsAbs(target) {
		target = filepath.Join(base, target)
	}
	if filepath.Clean(target) == filepath.Clean(want) {
		return true
	}
	a, errA := filepath.EvalSymlinks(target)
	b, errB := filepath.EvalSymlinks(want)
	return errA == nil && errB == nil && a == b
}

var _ domain.SymlinkManager = (*SymlinkManagerImpl)(nil)
