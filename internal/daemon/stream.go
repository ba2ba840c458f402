package daemon

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Letdown2491/runkit/internal/api"
	"github.com/Letdown2491/runkit/internal/usecase"
)

const (
	streamWriteTimeout = 10 * time.Second
	streamBuffer       = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // unix socket only; no browser origin applies
	},
}

// ActivityStreamer pushes activity events to websocket clients as JSON.
// An optional ?service= query parameter filters to one service.
type ActivityStreamer struct {
	activity *usecase.ActivityLog
	logger   *zap.Logger

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewActivityStreamer creates a streamer over activity.
func NewActivityStreamer(activity *usecase.ActivityLog, logger *zap.Logger) *ActivityStreamer {
	return &ActivityStreamer{activity: activity, logger: logger, done: make(chan struct{})}
}

// Close ends every open stream and waits for them to finish.
func (s *ActivityStreamer) Close() {
	s.closeOnce.Do(func() { close(s.done) })
	s.wg.Wait()
}

func (s *ActivityStreamer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.done:
		writeError(w, http.StatusServiceUnavailable, api.ErrKindBusy, "shutting down")
		return
	default:
	}
	service := r.URL.Query().Get("service")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()
	defer conn.Close()

	events, cancel := s.activity.Subscribe(streamBuffer)
	defer cancel()

	// The reader only detects disconnect; clients send nothing.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.logger.Debug("activity stream connected", zap.String("service", service))
	for {
		select {
		case <-s.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(time.Second))
			_ = conn.Close()
			<-gone
			return
		case <-gone:
			s.logger.Debug("activity stream disconnected")
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if service != "" && ev.Service != service {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("activity stream write failed", zap.Error(err))
				_ = conn.Close()
				<-gone
				return
			}
		}
	}
}
