package daemon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Letdown2491/runkit/internal/domain"
)

func dialStream(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/activity/stream" + query
	conn, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) domain.ActivityEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev domain.ActivityEvent
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestActivityStreamer(t *testing.T) {
	tree := newTree(t)
	d := newTestDaemon(t, newTestConfig(t, tree))
	streamer := NewActivityStreamer(d.activity, zap.NewNop())
	srv := httptest.NewServer(streamer)
	defer srv.Close()
	defer streamer.Close()

	all := dialStream(t, srv, "")
	onlyCups := dialStream(t, srv, "?service=cupsd")

	// Subscriptions are registered after the upgrade completes.
	time.Sleep(50 * time.Millisecond)

	ctx := context.Background()
	require.NoError(t, d.activity.RecordAction(ctx, "sshd", domain.ActionRestart, domain.OutcomeSuccess, "restarted", nil))
	require.NoError(t, d.activity.RecordAction(ctx, "cupsd", domain.ActionStart, domain.OutcomeSuccess, "started", nil))

	ev := readEvent(t, all)
	assert.Equal(t, "sshd", ev.Service)
	ev = readEvent(t, all)
	assert.Equal(t, "cupsd", ev.Service)

	ev = readEvent(t, onlyCups)
	assert.Equal(t, "cupsd", ev.Service)
	assert.Equal(t, domain.ActionStart, ev.Action)
}

func TestActivityStreamer_CloseEndsStreams(t *testing.T) {
	tree := newTree(t)
	d := newTestDaemon(t, newTestConfig(t, tree))
	streamer := NewActivityStreamer(d.activity, zap.NewNop())
	srv := httptest.NewServer(streamer)
	defer srv.Close()

	conn := dialStream(t, srv, "")
	time.Sleep(50 * time.Millisecond)

	closed := make(chan struct{})
	go func() {
		streamer.Close()
		close(closed)
	}()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "unexpected error: %v", err)
	_ = conn.Close()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}

	defer http.DefaultClient.CloseIdleConnections()
	resp, err := http.Get(srv.URL + "/v1/activity/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
