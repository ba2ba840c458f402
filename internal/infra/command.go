package infra

import (
	"context"
	"errors"
	"os/exec"
)

// CommandRunner abstracts helper-command execution for testing.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) error
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
}

// RealCommandRunner executes real system commands.
type RealCommandRunner struct{}

// Run executes a command and waits for it to complete.
func (r *RealCommandRunner) Run(ctx context.Context, name string, args ...string) error {
	return exec.CommandContext(ctx, name, args...).Run()
}

// Output executes a command and returns its stdout.
func (r *RealCommandRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// exitCoder is satisfied by *exec.ExitError and test fakes.
type exitCoder interface {
	ExitCode() int
}

// exitCode extracts a process exit code from err. ok is false when the
// command never ran to completion.
func exitCode(err error) (code int, ok bool) {
	if err == nil {
		return 0, true
	}
	var ec exitCoder
	if errors.As(err, &ec) {
		return ec.ExitCode(), true
	}
	return -1, false
}
