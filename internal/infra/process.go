// Package infra implements infrastructure concerns (processes, the control
// tool, the service tree, persistence, the policy authority).
package infra

import (
	"errors"
	"os"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/Letdown2491/runkit/internal/domain"
)

// DefaultTerminateGrace is how long TerminateTree waits after SIGTERM.
const DefaultTerminateGrace = 2 * time.Second

// ProcessManagerImpl implements domain.ProcessManager using gopsutil.
type ProcessManagerImpl struct {
	grace time.Duration
}

// NewProcessManager creates a new process manager.
func NewProcessManager() domain.ProcessManager {
	return newProcessManager(DefaultTerminateGrace)
}

func newProcessManager(grace time.Duration) *ProcessManagerImpl {
	return &ProcessManagerImpl{grace: grace}
}

// IsRunning checks if a PID exists and is running.
func (pm *ProcessManagerImpl) IsRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	// On Unix, FindProcess always succeeds
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// Signal 0 probes existence without delivering anything
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

// TerminateTree sends SIGTERM to pid and all of its descendants, children
// first, and SIGKILLs whatever is still alive after the grace period.
// Processes that already exited are ignored.
func (pm *ProcessManagerImpl) TerminateTree(pid int) error {
	root, err := process.NewProcess(int32(pid))
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return nil
		}
		return err
	}

	tree := collectTree(root)
	var errs []error
	for _, p := range tree {
		if err := p.Terminate(); err != nil && !isGone(err) {
			errs = append(errs, err)
		}
	}

	deadline := time.Now().Add(pm.grace)
	for {
		tree = alive(tree)
		if len(tree) == 0 || !time.Now().Before(deadline) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	for _, p := range tree {
		if err := p.Kill(); err != nil && !isGone(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// alive filters out exited and zombie processes.
func alive(procs []*process.Process) []*process.Process {
	out := procs[:0]
	for _, p := range procs {
		running, err := p.IsRunning()
		if err != nil || !running {
			continue
		}
		if st, err := p.Status(); err == nil && len(st) > 0 && st[0] == process.Zombie {
			continue
		}
		out = append(out, p)
	}
	return out
}

// collectTree returns the descendants of root (deepest first) followed by root.
func collectTree(root *process.Process) []*process.Process {
	var out []*process.Process
	children, err := root.Children()
	if err == nil {
		for _, c := range children {
			out = append(out, collectTree(c)...)
		}
	}
	return append(out, root)
}

func isGone(err error) bool {
	return errors.Is(err, syscall.ESRCH) || errors.Is(err, process.ErrorProcessNotRunning)
}

// Ensure ProcessManagerImpl implements domain.ProcessManager.
var _ domain.ProcessManager = (*ProcessManagerImpl)(nil)
