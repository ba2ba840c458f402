package infra

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Letdown2491/runkit/internal/domain"
)

const (
	// waitDelayAfterKill bounds how long Wait blocks on inherited pipes after a kill.
	waitDelayAfterKill = 500 * time.Millisecond

	// DefaultMaxOutputBytes caps each captured stream.
	DefaultMaxOutputBytes = 1 << 20

	truncationSuffix = "\n...[truncated]"
)

// VerbStatus is the control-tool verb that prints service status.
const VerbStatus = "status"

// ExecutorConfig configures SvExecutor.
type ExecutorConfig struct {
	Command        string        // control tool, usually "sv"
	EnabledDir     string        // exported as SVDIR
	Timeout        time.Duration // per invocation
	MaxOutputBytes int64
}

// SvExecutor implements domain.CommandExecutor by invoking the runit sv tool.
type SvExecutor struct {
	cfg    ExecutorConfig
	procs  domain.ProcessManager
	logger *zap.Logger
}

// NewSvExecutor creates an executor. A nil process manager disables
// process-tree cleanup beyond the process group kill.
func NewSvExecutor(cfg ExecutorConfig, procs domain.ProcessManager, logger *zap.Logger) *SvExecutor {
	if cfg.Command == "" {
		cfg.Command = "sv"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = DefaultMaxOutputBytes
	}
	return &SvExecutor{cfg: cfg, procs: procs, logger: logger.With(zap.String("component", "executor"))}
}

// Run executes `<tool> <verb> <service>` with a bounded timeout.
func (e *SvExecutor) Run(ctx context.Context, verb, service string) (*domain.CommandResult, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(timeoutCtx, e.cfg.Command, verb, service)
	cmd.Env = append(os.Environ(), "SVDIR="+e.cfg.EnabledDir)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = waitDelayAfterKill
	cmd.Cancel = func() error {
		return e.killTree(cmd.Process.Pid)
	}

	stdoutW := newLimitedWriter(e.cfg.MaxOutputBytes)
	stderrW := newLimitedWriter(e.cfg.MaxOutputBytes)
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	start := time.Now()
	runErr := cmd.Run()
	res := &domain.CommandResult{
		Stdout:   collectOutput(stdoutW),
		Stderr:   collectOutput(stderrW),
		Duration: time.Since(start),
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	if runErr == nil {
		e.logger.Debug("command completed",
			zap.String("verb", verb),
			zap.String("service", service),
			zap.Duration("duration", res.Duration))
		return res, nil
	}

	if errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		e.logger.Warn("command timed out",
			zap.String("verb", verb),
			zap.String("service", service),
			zap.Duration("timeout", e.cfg.Timeout))
		return res, domain.NewError(domain.KindTimeout, verb, service, "timed out", runErr)
	}
	if ctx.Err() != nil {
		return res, domain.NewError(domain.KindExecutionFailed, verb, service, "cancelled", ctx.Err())
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		msg := strings.TrimSpace(res.Stderr)
		if msg == "" {
			msg = strings.TrimSpace(res.Stdout)
		}
		if msg == "" {
			msg = fmt.Sprintf("exit status %d", res.ExitCode)
		}
		return res, domain.NewError(domain.KindExecutionFailed, verb, service, msg, runErr)
	}

	// Tool missing, permission denied, and other start failures.
	return res, domain.NewError(domain.KindExecutionFailed, verb, service, runErr.Error(), runErr)
}

// killTree terminates descendants first, then the whole process group.
func (e *SvExecutor) killTree(pid int) error {
	if e.procs != nil {
		if err := e.procs.TerminateTree(pid); err != nil {
			e.logger.Debug("terminate tree", zap.Int("pid", pid), zap.Error(err))
		}
	}
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}

// limitedWriter discards bytes beyond max.
type limitedWriter struct {
	buf []byte
	max int64
}

func newLimitedWriter(max int64) *limitedWriter {
	return &limitedWriter{max: max}
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	remaining := w.max - int64(len(w.buf))
	if remaining > 0 {
		n := int64(len(p))
		if n > remaining {
			n = remaining
		}
		w.buf = append(w.buf, p[:n]...)
	}
	return len(p), nil
}

func (w *limitedWriter) String() string {
	return string(w.buf)
}

func (w *limitedWriter) truncated() bool {
	return int64(len(w.buf)) >= w.max
}

func collectOutput(w *limitedWriter) string {
	if w.truncated() {
		return w.String() + truncationSuffix
	}
	return w.String()
}

var _ domain.CommandExecutor = (*SvExecutor)(nil)
