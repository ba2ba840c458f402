//go:build integration

package integration

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/Letdown2491/runkit/internal/daemon"
	"github.com/Letdown2491/runkit/test/fixtures"
)

// harness runs runkitd against a fake service tree and can restart it.
type harness struct {
	dir  string
	tree *fixtures.FakeServiceTree
	cfg  *daemon.Config

	cancel context.CancelFunc
	done   chan error
}

func newHarness() (*harness, error) {
	dir, err := os.MkdirTemp("", "runkit-integration-*")
	if err != nil {
		return nil, err
	}
	tree := fixtures.NewFakeServiceTree(filepath.Join(dir, "root"))
	if err := tree.Create(); err != nil {
		return nil, err
	}
	cfg := &daemon.Config{
		ServicesDir:     tree.ServicesDir,
		EnabledDir:      tree.EnabledDir,
		LogDir:          tree.LogDir,
		DataDir:         tree.DataDir,
		SocketPath:      filepath.Join(dir, "rk.sock"),
		SvCommand:       tree.SvCommand(),
		PkcheckCommand:  tree.PkcheckCommand(),
		CommandTimeout:  2 * time.Second,
		PollInterval:    time.Hour,
		ShutdownTimeout: 2 * time.Second,
		RefreshDebounce: 50 * time.Millisecond,
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &harness{dir: dir, tree: tree, cfg: cfg}, nil
}

// start runs the daemon and waits until its socket accepts connections.
func (h *harness) start() error {
	d, err := daemon.New(h.cfg, zap.NewNop())
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan error, 1)
	go func() { h.done <- d.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.Dial("unix", h.cfg.SocketPath)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		select {
		case err := <-h.done:
			return err
		case <-time.After(20 * time.Millisecond):
		}
	}
	return context.DeadlineExceeded
}

// stop shuts the daemon down and returns Run's error.
func (h *harness) stop() error {
	if h.cancel == nil {
		return nil
	}
	h.cancel()
	h.cancel = nil
	return <-h.done
}

func (h *harness) cleanup() {
	_ = h.stop()
	_ = os.RemoveAll(h.dir)
}
