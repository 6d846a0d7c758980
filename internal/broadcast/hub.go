// Package broadcast pushes phase snapshots to browser dashboards over
// websockets, so any screen in the waiting room can show who is called.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hammamikhairi/balcao/internal/domain"
	"github.com/hammamikhairi/balcao/internal/logger"
)

// Compile-time interface check.
var _ domain.SnapshotListener = (*Hub)(nil)

const (
	clientBuffer = 16
	writeWait    = 10 * time.Second
	pingPeriod   = 30 * time.Second
)

// CallView is the wire form of an active call.
type CallView struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"`
	Name     string `json:"name"`
	Number   int    `json:"number,omitempty"`
	Service  string `json:"service,omitempty"`
	Priority bool   `json:"priority"`
}

// StateView is the wire form of a snapshot.
type StateView struct {
	Phase string    `json:"phase"`
	Since time.Time `json:"since"`
	Call  *CallView `json:"call,omitempty"`
}

// ViewOf converts a snapshot for the wire.
func ViewOf(s domain.Snapshot) StateView {
	v := StateView{Phase: s.Phase.String(), Since: s.Since}
	if r := s.Request; r != nil {
		v.Call = &CallView{
			ID:       r.ID,
			Kind:     r.Kind.String(),
			Name:     r.SubjectName,
			Number:   r.SequenceNumber,
			Service:  r.ServiceLabel,
			Priority: r.Priority,
		}
	}
	return v
}

// Option configures the Hub.
type Option func(*Hub)

// WithCallLog exposes recent calls on /calls.
func WithCallLog(calls domain.CallLog) Option {
	return func(h *Hub) {
		h.calls = calls
	}
}

// WithCancel lets dashboards abort the active call by sending
// {"type":"cancel"}.
func WithCancel(cancel func()) Option {
	return func(h *Hub) {
		h.cancel = cancel
	}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// Hub fans snapshots out to connected dashboards. A client that can't keep
// up is disconnected rather than allowed to stall the others.
type Hub struct {
	log      *logger.Logger
	calls    domain.CallLog
	cancel   func()
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	last    []byte
}

// NewHub creates a hub with an idle initial state.
func NewHub(log *logger.Logger, opts ...Option) *Hub {
	h := &Hub{
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.last, _ = json.Marshal(ViewOf(domain.Snapshot{Phase: domain.PhaseIdle, Since: time.Now()}))
	return h
}

// OnSnapshot broadcasts s. It never blocks.
func (h *Hub) OnSnapshot(s domain.Snapshot) {
	msg, err := json.Marshal(ViewOf(s))
	if err != nil {
		h.log.Error("broadcast: encoding snapshot: %v", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = msg
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.log.Warn("broadcast: dropping slow dashboard %s", c.conn.RemoteAddr())
			delete(h.clients, c)
			c.close()
		}
	}
}

// Clients returns the number of connected dashboards.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Handler serves /ws, /state, /calls and /healthz.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.serveWS)
	mux.HandleFunc("/state", h.serveState)
	mux.HandleFunc("/calls", h.serveCalls)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Serve listens on addr until ctx is done.
func (h *Hub) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		h.closeAll()
	}()

	h.log.Info("broadcast: dashboard on http://%s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (h *Hub) serveState(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	msg := h.last
	h.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(msg)
}

func (h *Hub) serveCalls(w http.ResponseWriter, r *http.Request) {
	if h.calls == nil {
		http.Error(w, "call history disabled", http.StatusNotFound)
		return
	}
	calls, err := h.calls.ListCalls(r.Context(), 20)
	if err != nil {
		h.log.Warn("broadcast: listing calls: %v", err)
		http.Error(w, "listing calls failed", http.StatusInternalServerError)
		return
	}

	type row struct {
		CallView
		CompletedAt time.Time `json:"completed_at"`
	}
	out := make([]row, 0, len(calls))
	for _, c := range calls {
		out = append(out, row{
			CallView: CallView{
				ID:       c.ID,
				Kind:     c.Kind.String(),
				Name:     c.SubjectName,
				Number:   c.SequenceNumber,
				Service:  c.ServiceLabel,
				Priority: c.Priority,
			},
			CompletedAt: c.CompletedAt,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func (h *Hub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &client{conn: conn, send: make(chan []byte, clientBuffer)}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	c.send <- h.last
	h.mu.Unlock()
	h.log.Debug("broadcast: dashboard connected from %s", conn.RemoteAddr())

	go h.writeLoop(c)
	h.readLoop(c)
}

// readLoop handles control messages until the dashboard disconnects.
func (h *Hub) readLoop(c *client) {
	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
		c.close()
		h.log.Debug("broadcast: dashboard %s disconnected", c.conn.RemoteAddr())
	}()

	for {
		var msg struct {
			Type string `json:"type"`
		}
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Type == "cancel" && h.cancel != nil {
			h.log.Info("broadcast: cancel requested by %s", c.conn.RemoteAddr())
			h.cancel()
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
}
