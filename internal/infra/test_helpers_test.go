package infra

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Letdown2491/runkit/internal/domain"
)

// mockProcessManager is a test double for ProcessManager
type mockProcessManager struct {
	mu          sync.Mutex
	runningPIDs map[int]bool
	terminated  []int
}

func newMockProcessManager() *mockProcessManager {
	return &mockProcessManager{
		runningPIDs: make(map[int]bool),
	}
}

func (m *mockProcessManager) IsRunning(pid int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runningPIDs[pid]
}

func (m *mockProcessManager) TerminateTree(pid int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terminated = append(m.terminated, pid)
	delete(m.runningPIDs, pid)
	return nil
}

func (m *mockProcessManager) SetRunning(pid int, running bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runningPIDs[pid] = running
}

// fakeExitError mimics *exec.ExitError for CommandRunner fakes.
type fakeExitError struct{ code int }

func (e *fakeExitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }
func (e *fakeExitError) ExitCode() int { return e.code }

// mockCommandRunner records invocations and replays canned results.
type mockCommandRunner struct {
	mu      sync.Mutex
	calls   [][]string
	runErr  error
	output  []byte
	outErr  error
	onRunFn func(ctx context.Context, name string, args ...string) error
}

func (m *mockCommandRunner) Run(ctx context.Context, name string, args ...string) error {
	m.mu.Lock()
	m.calls = append(m.calls, append([]string{name}, args...))
	fn := m.onRunFn
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, name, args...)
	}
	return m.runErr
}

func (m *mockCommandRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, append([]string{name}, args...))
	return m.output, m.outErr
}

func (m *mockCommandRunner) Calls() [][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]string(nil), m.calls...)
}

// mockExecutor is a test double for domain.CommandExecutor.
type mockExecutor struct {
	mu      sync.Mutex
	results map[string]*domain.CommandResult
	errs    map[string]error
	calls   []string
}

func newMockExecutor() *mockExecutor {
	return &mockExecutor{
		results: map[string]*domain.CommandResult{},
		errs:    map[string]error{},
	}
}

func (m *mockExecutor) Run(_ context.Context, verb, service string) (*domain.CommandResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := verb + " " + service
	m.calls = append(m.calls, key)
	return m.results[key], m.errs[key]
}

func (m *mockExecutor) set(verb, service, stdout string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := verb + " " + service
	m.results[key] = &domain.CommandResult{Stdout: stdout}
	m.errs[key] = err
}

// serviceTree is a temporary runit layout: definitions and enablement links.
type serviceTree struct {
	servicesDir string
	enabledDir  string
}

func newServiceTree(t *testing.T) *serviceTree {
	t.Helper()
	root := t.TempDir()
	tree := &serviceTree{
		servicesDir: filepath.Join(root, "sv"),
		enabledDir:  filepath.Join(root, "service"),
	}
	require.NoError(t, os.MkdirAll(tree.servicesDir, 0755))
	require.NoError(t, os.MkdirAll(tree.enabledDir, 0755))
	return tree
}

// addService creates a definition with an executable run script.
func (s *serviceTree) addService(t *testing.T, name string) string {
	t.Helper()
	dir := filepath.Join(s.servicesDir, name)
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "run"), []byte("#!/bin/sh\nexec sleep 3600\n"), 0755))
	return dir
}

// enable links the definition into the enabled directory.
func (s *serviceTree) enable(t *testing.T, name string) {
	t.Helper()
	require.NoError(t, os.Symlink(filepath.Join(s.servicesDir, name), filepath.Join(s.enabledDir, name)))
}

// writeScript writes an executable shell script and returns its path.
func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755))
	return path
}

// Ensure mocks implement their interfaces
var (
	_ domain.ProcessManager  = (*mockProcessManager)(nil)
	_ domain.CommandExecutor = (*mockExecutor)(nil)
	_ CommandRunner          = (*mockCommandRunner)(nil)
)
