package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/hammamikhairi/balcao/internal/domain"
	"github.com/hammamikhairi/balcao/internal/logger"
)

func quiet() *logger.Logger { return logger.New(logger.LevelOff, nil) }

func recv(t *testing.T, ch <-chan domain.ChangeEvent) domain.ChangeEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
		return domain.ChangeEvent{}
	}
}

func TestMemoryFeedRoutesByResource(t *testing.T) {
	m := NewMemory(quiet(), 4)
	ctx := context.Background()

	queue, err := m.Subscribe(ctx, domain.ResourceQueue)
	require.NoError(t, err)
	appts, err := m.Subscribe(ctx, domain.ResourceAppointments)
	require.NoError(t, err)

	require.NoError(t, m.Publish(ctx, domain.ChangeEvent{Resource: domain.ResourceQueue, Type: domain.EventUpdate}))
	require.Equal(t, domain.ResourceQueue, recv(t, queue).Resource)
	require.Empty(t, appts)

	m.Close()
	_, ok := <-queue
	require.False(t, ok)
	require.ErrorIs(t, m.Publish(ctx, domain.ChangeEvent{Resource: domain.ResourceQueue}), domain.ErrFeedClosed)
	_, err = m.Subscribe(ctx, domain.ResourceQueue)
	require.ErrorIs(t, err, domain.ErrFeedClosed)
}

func TestMemoryFeedUnsubscribesOnContext(t *testing.T) {
	m := NewMemory(quiet(), 0)
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := m.Subscribe(ctx, domain.ResourceQueue)
	require.NoError(t, err)

	// Unbuffered and nobody reading: Publish must return once the
	// subscriber goes away.
	published := make(chan error, 1)
	go func() {
		published <- m.Publish(context.Background(), domain.ChangeEvent{Resource: domain.ResourceQueue})
	}()
	cancel()

	select {
	case err := <-published:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("publish stayed blocked")
	}
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, time.Millisecond)
}

type scriptedSnapshots struct {
	mu    sync.Mutex
	steps [][]map[string]any
}

func (s *scriptedSnapshots) Snapshot(_ context.Context, _ string) ([]map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.steps[0]
	if len(s.steps) > 1 {
		s.steps = s.steps[1:]
	}
	return rows, nil
}

func TestPollerEmitsChanges(t *testing.T) {
	row := func(id, status string) map[string]any {
		return map[string]any{"id": id, "name": "Maria Silva", "status": status}
	}
	src := &scriptedSnapshots{steps: [][]map[string]any{
		{row("a", "waiting"), row("b", "waiting")},
		{row("a", "calling"), row("b", "waiting"), row("c", "waiting")},
	}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := NewPoller(src, quiet(), WithPollInterval(5*time.Millisecond))
	ch, err := p.Subscribe(ctx, domain.ResourceQueue)
	require.NoError(t, err)

	got := map[domain.EventType]domain.ChangeEvent{}
	for i := 0; i < 2; i++ {
		ev := recv(t, ch)
		got[ev.Type] = ev
	}

	upd := got[domain.EventUpdate]
	require.Equal(t, "a", upd.New["id"])
	require.Equal(t, domain.StatusCalling, upd.New["status"])
	require.Equal(t, "waiting", upd.Old["status"])
	require.Equal(t, "c", got[domain.EventInsert].New["id"])

	// Steady state produces nothing more.
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(30 * time.Millisecond):
	}

	cancel()
	require.Eventually(t, func() bool {
		_, ok := <-ch
		return !ok
	}, time.Second, time.Millisecond)
}

func TestDiffReportsDeletes(t *testing.T) {
	prev := index([]map[string]any{{"id": "a", "status": "waiting"}})
	events := diff(domain.ResourceQueue, prev, index(nil), time.Now())
	require.Len(t, events, 1)
	require.Equal(t, domain.EventDelete, events[0].Type)
}

func TestDecodeNotification(t *testing.T) {
	ev, ok := decodeNotification(domain.ResourceQueue,
		`{"table":"queue_entries","type":"UPDATE","record":{"id":"q1","status":"calling","sequence_number":42},"old_record":{"status":"waiting"}}`)
	require.True(t, ok)
	require.Equal(t, domain.EventUpdate, ev.Type)
	require.Equal(t, "calling", ev.New["status"])
	require.EqualValues(t, 42, ev.New["sequence_number"])
	require.Equal(t, "waiting", ev.Old["status"])

	_, ok = decodeNotification(domain.ResourceQueue, `{"table":"appointments","type":"UPDATE","record":{}}`)
	require.False(t, ok)
	_, ok = decodeNotification(domain.ResourceQueue, `not json`)
	require.False(t, ok)
}

func TestDecodeChangesAcceptsBothShapes(t *testing.T) {
	current := json.RawMessage(`{"data":{"table":"appointments","type":"UPDATE","record":{"id":"a1"},"old_record":{"id":"a1"},"commit_timestamp":"2024-03-01T09:00:00Z"}}`)
	ev, ok := decodeChanges(domain.ResourceAppointments, current)
	require.True(t, ok)
	require.Equal(t, domain.EventUpdate, ev.Type)
	require.Equal(t, "a1", ev.New["id"])
	require.Equal(t, 2024, ev.At.Year())

	legacy := json.RawMessage(`{"data":{"eventType":"INSERT","new":{"id":"a2"}}}`)
	ev, ok = decodeChanges(domain.ResourceAppointments, legacy)
	require.True(t, ok)
	require.Equal(t, domain.EventInsert, ev.Type)
	require.Equal(t, "a2", ev.New["id"])
}

func TestSocketURL(t *testing.T) {
	u, err := socketURL("https://abc.supabase.co", "anon")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(u, "wss://abc.supabase.co/realtime/v1/websocket?"))
	require.Contains(t, u, "apikey=anon")
	require.Contains(t, u, "vsn=1.0.0")

	_, err = socketURL("ftp://nope", "k")
	require.Error(t, err)
}

// fakeRealtime is a minimal Phoenix server: it records frames and pushes
// one postgres_changes message after the join.
type fakeRealtime struct {
	mu     sync.Mutex
	frames []phoenixMsg
}

func (f *fakeRealtime) events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.frames {
		out = append(out, m.Event)
	}
	return out
}

func (f *fakeRealtime) handler(t *testing.T) http.HandlerFunc {
	upgrader := websocket.Upgrader{}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			var msg phoenixMsg
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			f.mu.Lock()
			f.frames = append(f.frames, msg)
			f.mu.Unlock()

			if msg.Event != "phx_join" {
				continue
			}
			reply, _ := json.Marshal(map[string]any{"status": "ok", "response": map[string]any{}})
			_ = conn.WriteJSON(phoenixMsg{Topic: msg.Topic, Event: "phx_reply", Payload: reply, Ref: msg.Ref})

			change, _ := json.Marshal(map[string]any{"data": map[string]any{
				"table":      "queue_entries",
				"type":       "UPDATE",
				"record":     map[string]any{"id": "q1", "status": "calling"},
				"old_record": map[string]any{"id": "q1", "status": "waiting"},
			}})
			_ = conn.WriteJSON(phoenixMsg{Topic: msg.Topic, Event: "postgres_changes", Payload: change})
		}
	}
}

func TestRealtimeJoinsAndDecodes(t *testing.T) {
	fake := &fakeRealtime{}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	rt, err := NewRealtime("ws"+strings.TrimPrefix(srv.URL, "http")+"/realtime/v1/websocket", "anon", quiet(),
		WithHeartbeat(10*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := rt.Subscribe(ctx, domain.ResourceQueue)
	require.NoError(t, err)

	ev := recv(t, ch)
	require.Equal(t, domain.EventUpdate, ev.Type)
	require.Equal(t, "calling", ev.New["status"])
	require.Equal(t, "waiting", ev.Old["status"])

	require.Eventually(t, func() bool {
		evs := fake.events()
		return len(evs) >= 2 && evs[0] == "phx_join" && evs[1] == "heartbeat"
	}, 2*time.Second, 5*time.Millisecond)

	fake.mu.Lock()
	join := fake.frames[0]
	fake.mu.Unlock()
	require.Equal(t, "realtime:public:queue_entries", join.Topic)
	require.Contains(t, string(join.Payload), `"table":"queue_entries"`)

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRealtimeDialFailure(t *testing.T) {
	rt, err := NewRealtime("ws://127.0.0.1:1/realtime/v1/websocket", "anon", quiet())
	require.NoError(t, err)
	_, err = rt.Subscribe(context.Background(), domain.ResourceQueue)
	require.Error(t, err)
}
