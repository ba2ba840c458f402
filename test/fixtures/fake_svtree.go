// Package fixtures provides test helpers for integration tests.
package fixtures

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// svScript fakes the runit sv tool. Each service's state lives in
// $STATE/<name> as "run <pid>" or "down". A <name>.hang file makes every
// verb block, a <name>.broken file makes control verbs fail.
const svScript = `#!/bin/sh
STATE=%q
verb="$1"
name="$2"
state="$STATE/$name"

if [ -f "$state.hang" ] && [ "$verb" != status ]; then
  sleep 30
fi
if [ -f "$state.broken" ] && [ "$verb" != status ]; then
  echo "fail: $name: unable to change to service directory: file does not exist" >&2
  exit 1
fi

nextpid() {
  n=$(cat "$STATE/.pid" 2>/dev/null || echo 4000)
  n=$((n+1))
  echo "$n" > "$STATE/.pid"
  echo "$n"
}

case "$verb" in
  status)
    if [ ! -f "$state" ]; then
      echo "down: $SVDIR/$name: 3s"
      exit 0
    fi
    read s pid < "$state"
    if [ "$s" = run ]; then
      echo "run: $SVDIR/$name: (pid $pid) 12s"
    else
      echo "down: $SVDIR/$name: 3s, normally up"
    fi
    ;;
  up)
    if [ -f "$state" ]; then read s pid < "$state"; fi
    if [ "$s" != run ]; then
      pid=$(nextpid)
      echo "run $pid" > "$state"
    fi
    echo "ok: run: $name: (pid $pid) 0s"
    ;;
  restart)
    pid=$(nextpid)
    echo "run $pid" > "$state"
    echo "ok: run: $name: (pid $pid) 0s"
    ;;
  down)
    echo "down" > "$state"
    echo "ok: down: $name: 0s"
    ;;
  reload|check|once)
    echo "ok: $verb: $name"
    ;;
  *)
    echo "usage: sv command service" >&2
    exit 100
    ;;
esac
`

// pkcheckScript fakes polkit's pkcheck. It logs its arguments, waits for
// the seconds in $STATE/.pkcheck.delay if present, and exits with the code
// stored in $STATE/.pkcheck (0, allow, by default).
const pkcheckScript = `#!/bin/sh
STATE=%q
echo "$*" >> "$STATE/.pkcheck.log"
if [ -f "$STATE/.pkcheck.delay" ]; then
  sleep "$(cat "$STATE/.pkcheck.delay")"
fi
exit $(cat "$STATE/.pkcheck" 2>/dev/null || echo 0)
`

// pkcheck exit codes understood by the daemon.
const (
	PkcheckAllow   = 0
	PkcheckDeny    = 1
	PkcheckDismiss = 3
)

// FakeServiceTree is a throwaway runit layout: service definitions,
// enablement links, svlogd logs and fake sv/pkcheck tools.
type FakeServiceTree struct {
	Root        string
	ServicesDir string
	EnabledDir  string
	LogDir      string
	DataDir     string
	StateDir    string
	BinDir      string
}

// NewFakeServiceTree lays the tree out under root. Nothing is created
// until Create.
func NewFakeServiceTree(root string) *FakeServiceTree {
	return &FakeServiceTree{
		Root:        root,
		ServicesDir: filepath.Join(root, "etc", "sv"),
		EnabledDir:  filepath.Join(root, "var", "service"),
		LogDir:      filepath.Join(root, "var", "log"),
		DataDir:     filepath.Join(root, "var", "lib", "runkit"),
		StateDir:    filepath.Join(root, "state"),
		BinDir:      filepath.Join(root, "bin"),
	}
}

// Create makes the directories and installs the fake tools.
func (f *FakeServiceTree) Create() error {
	for _, dir := range []string{f.ServicesDir, f.EnabledDir, f.LogDir, f.DataDir, f.StateDir, f.BinDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	if err := os.WriteFile(f.SvCommand(), []byte(fmt.Sprintf(svScript, f.StateDir)), 0755); err != nil {
		return err
	}
	return os.WriteFile(f.PkcheckCommand(), []byte(fmt.Sprintf(pkcheckScript, f.StateDir)), 0755)
}

// SvCommand returns the path of the fake sv tool.
func (f *FakeServiceTree) SvCommand() string {
	return filepath.Join(f.BinDir, "sv")
}

// PkcheckCommand returns the path of the fake pkcheck tool.
func (f *FakeServiceTree) PkcheckCommand() string {
	return filepath.Join(f.BinDir, "pkcheck")
}

// AddService creates a definition with a run script and, when
// description is non-empty, a description file.
func (f *FakeServiceTree) AddService(name, description string, enabled bool) error {
	dir := filepath.Join(f.ServicesDir, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "run"), []byte("#!/bin/sh\nexec sleep 3600\n"), 0755); err != nil {
		return err
	}
	if description != "" {
		if err := os.WriteFile(filepath.Join(dir, "description"), []byte(description+"\n"), 0644); err != nil {
			return err
		}
	}
	if enabled {
		return os.Symlink(dir, filepath.Join(f.EnabledDir, name))
	}
	return nil
}

// SetRunning marks the service as up with pid.
func (f *FakeServiceTree) SetRunning(name string, pid int) error {
	return os.WriteFile(filepath.Join(f.StateDir, name), []byte("run "+strconv.Itoa(pid)+"\n"), 0644)
}

// SetDown marks the service as down.
func (f *FakeServiceTree) SetDown(name string) error {
	return os.WriteFile(filepath.Join(f.StateDir, name), []byte("down\n"), 0644)
}

// State returns the raw state line for name ("run <pid>", "down" or "").
func (f *FakeServiceTree) State(name string) string {
	data, err := os.ReadFile(filepath.Join(f.StateDir, name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// SetHang makes every control verb for name block.
func (f *FakeServiceTree) SetHang(name string) error {
	return os.WriteFile(filepath.Join(f.StateDir, name+".hang"), nil, 0644)
}

// SetBroken makes every control verb for name fail.
func (f *FakeServiceTree) SetBroken(name string) error {
	return os.WriteFile(filepath.Join(f.StateDir, name+".broken"), nil, 0644)
}

// SetAuthorization sets the exit code of the fake pkcheck.
func (f *FakeServiceTree) SetAuthorization(code int) error {
	return os.WriteFile(filepath.Join(f.StateDir, ".pkcheck"), []byte(strconv.Itoa(code)+"\n"), 0644)
}

// SetAuthorizationDelay makes the fake pkcheck take d to answer, like a
// prompt waiting on a human.
func (f *FakeServiceTree) SetAuthorizationDelay(d time.Duration) error {
	secs := strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
	return os.WriteFile(filepath.Join(f.StateDir, ".pkcheck.delay"), []byte(secs+"\n"), 0644)
}

// PkcheckCalls returns the argument lines of every pkcheck invocation.
func (f *FakeServiceTree) PkcheckCalls() []string {
	data, err := os.ReadFile(filepath.Join(f.StateDir, ".pkcheck.log"))
	if err != nil {
		return nil
	}
	return strings.Split(strings.TrimRight(string(data), "\n"), "\n")
}

// WriteLog writes lines to the service's svlogd current file.
func (f *FakeServiceTree) WriteLog(name string, lines ...string) error {
	dir := filepath.Join(f.LogDir, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "current"), []byte(strings.Join(lines, "\n")+"\n"), 0644)
}

// IsEnabled reports whether the enablement link exists.
func (f *FakeServiceTree) IsEnabled(name string) bool {
	_, err := os.Lstat(filepath.Join(f.EnabledDir, name))
	return err == nil
}
