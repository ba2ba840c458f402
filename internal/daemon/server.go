package daemon

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Letdown2491/runkit/internal/api"
	"github.com/Letdown2491/runkit/internal/domain"
	"github.com/Letdown2491/runkit/internal/usecase"
)

// ServerConfig configures the socket server.
type ServerConfig struct {
	SocketPath      string
	ShutdownTimeout time.Duration
}

// Server serves the request API over a unix socket. Each accepted
// connection is one caller session: its peer credentials are captured at
// accept time and its cached authorizations end when it closes.
type Server struct {
	cfg     ServerConfig
	ctrl    *usecase.Controller
	logger  *zap.Logger
	handler http.Handler
	stream  *ActivityStreamer

	sessionPrefix string
	sessionSeq    atomic.Uint64

	mu    sync.Mutex
	conns map[net.Conn]string // conn -> session id
}

// NewServer creates a server for ctrl.
func NewServer(cfg ServerConfig, ctrl *usecase.Controller, logger *zap.Logger) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	prefix := make([]byte, 4)
	_, _ = rand.Read(prefix)

	s := &Server{
		cfg:           cfg,
		ctrl:          ctrl,
		logger:        logger.With(zap.String("component", "server")),
		sessionPrefix: hex.EncodeToString(prefix),
		conns:         make(map[net.Conn]string),
	}
	h := NewHandler(ctrl, s.logger)
	s.stream = h.stream
	s.handler = recoverMiddleware(h.Mux(), s.logger)
	return s
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Listen removes a stale socket, creates its directory and listens.
// The socket is world-connectable; the authorization gate decides.
func (s *Server) Listen() (net.Listener, error) {
	path := s.cfg.SocketPath
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("daemon: create socket dir: %w", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("daemon: remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("daemon: listen unix %s: %w", path, err)
	}
	if err := os.Chmod(path, 0666); err != nil {
		s.logger.Warn("failed to set socket permissions", zap.Error(err))
	}
	return ln, nil
}

// Serve handles connections on ln until ctx is cancelled, then shuts down
// gracefully and removes the socket file.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ConnContext:       s.connContext,
		ConnState:         s.connState,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	s.logger.Info("server started", zap.String("socket", s.cfg.SocketPath))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("server shutting down")
	// Hijacked stream connections are not covered by Shutdown.
	s.stream.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("graceful shutdown incomplete", zap.Error(err))
		_ = srv.Close()
	}
	err := <-errCh
	if s.cfg.SocketPath != "" {
		_ = os.Remove(s.cfg.SocketPath)
	}
	s.logger.Info("server stopped")
	return err
}

// Sessions returns the number of open connections.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) connContext(ctx context.Context, c net.Conn) context.Context {
	caller := domain.Caller{
		Session: fmt.Sprintf("%s-%d", s.sessionPrefix, s.sessionSeq.Add(1)),
	}
	pid, uid, gid, err := peerCredentials(c)
	if err != nil {
		s.logger.Debug("failed to get peer credentials", zap.Error(err))
	} else {
		caller.PID, caller.UID, caller.GID = pid, uid, gid
	}

	s.mu.Lock()
	s.conns[c] = caller.Session
	s.mu.Unlock()
	s.ctrl.Gate().OpenSession(caller.Session)

	return WithCaller(ctx, caller)
}

func (s *Server) connState(c net.Conn, state http.ConnState) {
	if state != http.StateClosed && state != http.StateHijacked {
		return
	}
	s.mu.Lock()
	id, ok := s.conns[c]
	delete(s.conns, c)
	s.mu.Unlock()
	if ok {
		s.ctrl.Gate().CloseSession(id)
	}
}

type callerKey struct{}

// WithCaller attaches caller identity to ctx.
func WithCaller(ctx context.Context, c domain.Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom returns the caller attached to ctx; the zero Caller when none.
func CallerFrom(ctx context.Context) domain.Caller {
	c, _ := ctx.Value(callerKey{}).(domain.Caller)
	return c
}

func recoverMiddleware(next http.Handler, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.Error("handler panic",
					zap.String("path", r.URL.Path),
					zap.Any("panic", rec),
					zap.Stack("stack"))
				writeError(w, http.StatusInternalServerError, api.ErrKindInternal, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
