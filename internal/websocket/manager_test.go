package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*Manager, *httptest.Server) {
	t.Helper()
	m := NewManager([]string{"localhost:8080"}, nil)
	srv := httptest.NewServer(http.HandlerFunc(m.HandleWebSocket))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
		srv.Close()
	})

	return m, srv
}

func dial(t *testing.T, srv *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })

	return conn
}

func readNotification(t *testing.T, conn *websocket.Conn) Notification {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var n Notification
	require.NoError(t, json.Unmarshal(data, &n))

	return n
}

func TestNotificationJSON(t *testing.T) {
	data, err := json.Marshal(Update([]string{"main"}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"update","chunks":["main"]}`, string(data))

	data, err = json.Marshal(Error("boom"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"error","message":"boom"}`, string(data))
}

func TestManagerBroadcastsToAllClients(t *testing.T) {
	m, srv := newTestManager(t)

	first := dial(t, srv, nil)
	second := dial(t, srv, nil)
	require.Eventually(t, func() bool { return m.ClientCount() == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, m.Notify(context.Background(), Update([]string{"main", "vendor"})))

	for _, conn := range []*websocket.Conn{first, second} {
		n := readNotification(t, conn)
		assert.Equal(t, TypeUpdate, n.Type)
		assert.Equal(t, []string{"main", "vendor"}, n.Chunks)
	}
}

func TestManagerUnregistersClosedClients(t *testing.T) {
	m, srv := newTestManager(t)

	conn := dial(t, srv, nil)
	require.Eventually(t, func() bool { return m.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))
	assert.Eventually(t, func() bool { return m.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestManagerChecksOrigin(t *testing.T) {
	m, srv := newTestManager(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	header := http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	}
	assert.Equal(t, 0, m.ClientCount())

	header = http.Header{"Origin": []string{"http://localhost:8080"}}
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")
	assert.Eventually(t, func() bool { return m.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestManagerShutdown(t *testing.T) {
	m, srv := newTestManager(t)

	conn := dial(t, srv, nil)
	require.Eventually(t, func() bool { return m.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))
	assert.Equal(t, 0, m.ClientCount())

	readCtx, readCancel := context.WithTimeout(context.Background(), time.Second)
	defer readCancel()
	_, _, err := conn.Read(readCtx)
	assert.Error(t, err)

	assert.Error(t, m.Notify(context.Background(), Error("late")))
}
