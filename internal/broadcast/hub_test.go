package broadcast

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/hammamikhairi/balcao/internal/domain"
	"github.com/hammamikhairi/balcao/internal/logger"
	"github.com/hammamikhairi/balcao/internal/storage"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readState(t *testing.T, conn *websocket.Conn) StateView {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var v StateView
	require.NoError(t, conn.ReadJSON(&v))
	return v
}

func TestHubPushesSnapshots(t *testing.T) {
	hub := NewHub(logger.New(logger.LevelOff, nil))
	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()

	conn := dial(t, srv)
	require.Equal(t, "idle", readState(t, conn).Phase)
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, time.Millisecond)

	req, err := domain.NewQueueCall("Maria Silva", 42, "Protocolo", true)
	require.NoError(t, err)
	hub.OnSnapshot(domain.Snapshot{Phase: domain.PhaseBell, Request: &req, Since: time.Now()})

	v := readState(t, conn)
	require.Equal(t, "bell", v.Phase)
	require.NotNil(t, v.Call)
	require.Equal(t, "Maria Silva", v.Call.Name)
	require.Equal(t, 42, v.Call.Number)
	require.Equal(t, "queue", v.Call.Kind)
	require.True(t, v.Call.Priority)

	resp, err := http.Get(srv.URL + "/state")
	require.NoError(t, err)
	defer resp.Body.Close()
	var state StateView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&state))
	require.Equal(t, "bell", state.Phase)
}

func TestHubDropsSlowClients(t *testing.T) {
	hub := NewHub(logger.New(logger.LevelOff, nil))
	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()

	dial(t, srv) // never reads
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, time.Millisecond)

	// The socket buffers absorb some frames; keep going until the
	// client queue overflows.
	big := strings.Repeat("x", 64<<10)
	req, _ := domain.NewAppointmentCall(big, "", false)
	require.Eventually(t, func() bool {
		hub.OnSnapshot(domain.Snapshot{Phase: domain.PhaseCalling, Request: &req})
		return hub.Clients() == 0
	}, 5*time.Second, time.Millisecond)
}

func TestHubCancelMessage(t *testing.T) {
	var cancels atomic.Int32
	hub := NewHub(logger.New(logger.LevelOff, nil), WithCancel(func() { cancels.Add(1) }))
	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()

	conn := dial(t, srv)
	readState(t, conn)
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "cancel"}))
	require.Eventually(t, func() bool { return cancels.Load() == 1 }, time.Second, time.Millisecond)
}

func TestHubCallsAndHealth(t *testing.T) {
	lg := logger.New(logger.LevelOff, nil)
	calls := storage.NewMemoryStore(lg)
	req, _ := domain.NewQueueCall("Ana", 3, "Protocolo", false)
	require.NoError(t, calls.Record(context.Background(), domain.RecordOf(req, time.Now())))

	srv := httptest.NewServer(NewHub(lg, WithCallLog(calls)).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/calls")
	require.NoError(t, err)
	defer resp.Body.Close()
	var rows []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rows))
	require.Len(t, rows, 1)
	require.Equal(t, "Ana", rows[0]["name"])

	health, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer health.Body.Close()
	body, _ := io.ReadAll(health.Body)
	require.Equal(t, "ok", string(body))
}
