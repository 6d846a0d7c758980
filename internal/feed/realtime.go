package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hammamikhairi/balcao/internal/domain"
	"github.com/hammamikhairi/balcao/internal/logger"
)

// Compile-time interface check.
var _ domain.ChangeFeed = (*Realtime)(nil)

// RealtimeOption configures the Realtime feed.
type RealtimeOption func(*Realtime)

// WithHeartbeat sets the Phoenix heartbeat period.
func WithHeartbeat(d time.Duration) RealtimeOption {
	return func(r *Realtime) {
		r.heartbeat = d
	}
}

// WithBackoff sets the reconnect delay bounds.
func WithBackoff(min, max time.Duration) RealtimeOption {
	return func(r *Realtime) {
		r.minBackoff = min
		r.maxBackoff = max
	}
}

// WithSchema sets the Postgres schema the tables live in.
func WithSchema(schema string) RealtimeOption {
	return func(r *Realtime) {
		r.schema = schema
	}
}

// Realtime subscribes to Supabase Realtime postgres_changes over the
// Phoenix channel protocol. Each subscription holds its own socket and
// reconnects with backoff until ctx is done.
type Realtime struct {
	endpoint   string
	apiKey     string
	schema     string
	log        *logger.Logger
	heartbeat  time.Duration
	minBackoff time.Duration
	maxBackoff time.Duration
	dialer     *websocket.Dialer
}

// NewRealtime creates a feed for the project at baseURL (https://x.supabase.co
// or a ws:// URL pointing straight at the socket).
func NewRealtime(baseURL, apiKey string, log *logger.Logger, opts ...RealtimeOption) (*Realtime, error) {
	endpoint, err := socketURL(baseURL, apiKey)
	if err != nil {
		return nil, err
	}
	r := &Realtime{
		endpoint:   endpoint,
		apiKey:     apiKey,
		schema:     "public",
		log:        log,
		heartbeat:  30 * time.Second,
		minBackoff: 500 * time.Millisecond,
		maxBackoff: 30 * time.Second,
		dialer:     &websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func socketURL(base, apiKey string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parsing realtime url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("realtime url %q: unsupported scheme", base)
	}
	if !strings.HasSuffix(u.Path, "/websocket") {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/realtime/v1/websocket"
	}
	q := u.Query()
	q.Set("apikey", apiKey)
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Subscribe joins the channel for resource. The first connection is made
// before returning so configuration errors surface immediately; later
// drops are retried in the background.
func (r *Realtime) Subscribe(ctx context.Context, resource string) (<-chan domain.ChangeEvent, error) {
	ch := &channel{rt: r, resource: resource, topic: "realtime:" + r.schema + ":" + resource}
	conn, err := ch.connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", resource, err)
	}

	out := make(chan domain.ChangeEvent, 16)
	go ch.run(ctx, conn, out)
	return out, nil
}

// phoenixMsg is one frame of the Phoenix channel protocol (v1 JSON).
type phoenixMsg struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
	JoinRef string          `json:"join_ref,omitempty"`
}

type replyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type changesPayload struct {
	Data struct {
		Table           string         `json:"table"`
		Type            string         `json:"type"`
		EventType       string         `json:"eventType"`
		Record          map[string]any `json:"record"`
		New             map[string]any `json:"new"`
		OldRecord       map[string]any `json:"old_record"`
		Old             map[string]any `json:"old"`
		CommitTimestamp string         `json:"commit_timestamp"`
	} `json:"data"`
}

// channel is one joined topic on one socket.
type channel struct {
	rt       *Realtime
	resource string
	topic    string
	ref      atomic.Uint64

	wmu sync.Mutex // gorilla allows one concurrent writer
}

func (c *channel) nextRef() string {
	return strconv.FormatUint(c.ref.Add(1), 10)
}

func (c *channel) connect(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := c.rt.dialer.DialContext(ctx, c.rt.endpoint, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial realtime: %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("dial realtime: %w", err)
	}

	ref := c.nextRef()
	join := map[string]any{
		"config": map[string]any{
			"broadcast": map[string]any{"self": false},
			"presence":  map[string]any{"key": ""},
			"postgres_changes": []map[string]any{{
				"event":  "*",
				"schema": c.rt.schema,
				"table":  c.resource,
			}},
		},
		"access_token": c.rt.apiKey,
	}
	if err := c.send(conn, c.topic, "phx_join", join, ref); err != nil {
		conn.Close()
		return nil, fmt.Errorf("joining %s: %w", c.topic, err)
	}
	c.rt.log.Info("realtime: joined %s", c.topic)
	return conn, nil
}

func (c *channel) send(conn *websocket.Conn, topic, event string, payload any, ref string) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	msg := phoenixMsg{Topic: topic, Event: event, Payload: raw, Ref: ref}
	if event == "phx_join" {
		msg.JoinRef = ref
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(msg)
}

// run pumps conn until it fails, then reconnects with backoff. It closes
// out when ctx is done.
func (c *channel) run(ctx context.Context, conn *websocket.Conn, out chan<- domain.ChangeEvent) {
	defer close(out)

	backoff := c.rt.minBackoff
	for {
		err := c.pump(ctx, conn, out)
		conn.Close()
		if ctx.Err() != nil {
			c.rt.log.Debug("realtime: %s closed", c.topic)
			return
		}
		c.rt.log.Warn("realtime: %s dropped: %v", c.topic, err)

		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			conn, err = c.connect(ctx)
			if err == nil {
				backoff = c.rt.minBackoff
				break
			}
			backoff = min(backoff*2, c.rt.maxBackoff)
			c.rt.log.Warn("realtime: reconnect to %s failed, retrying in %s: %v", c.topic, backoff, err)
		}
	}
}

// pump reads frames and keeps the heartbeat going until the socket fails
// or ctx is done.
func (c *channel) pump(ctx context.Context, conn *websocket.Conn, out chan<- domain.ChangeEvent) error {
	done := make(chan struct{})
	defer close(done)

	go func() {
		ticker := time.NewTicker(c.rt.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				// Unblock ReadJSON.
				conn.Close()
				return
			case <-ticker.C:
				if err := c.send(conn, "phoenix", "heartbeat", map[string]any{}, c.nextRef()); err != nil {
					c.rt.log.Debug("realtime: heartbeat failed: %v", err)
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		var msg phoenixMsg
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		switch msg.Event {
		case "phx_reply":
			var reply replyPayload
			if err := json.Unmarshal(msg.Payload, &reply); err == nil && reply.Status != "ok" {
				c.rt.log.Warn("realtime: %s replied %s: %s", msg.Topic, reply.Status, string(reply.Response))
			}
		case "phx_error", "phx_close":
			return fmt.Errorf("channel %s: %s", msg.Topic, msg.Event)
		case "postgres_changes":
			ev, ok := decodeChanges(c.resource, msg.Payload)
			if !ok {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// decodeChanges converts a postgres_changes payload into a ChangeEvent.
// Both the current ("type", "record") and the legacy ("eventType", "new")
// field names are accepted.
func decodeChanges(resource string, raw json.RawMessage) (domain.ChangeEvent, bool) {
	var p changesPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return domain.ChangeEvent{}, false
	}
	d := p.Data
	if d.Table != "" && d.Table != resource {
		return domain.ChangeEvent{}, false
	}

	kind := d.Type
	if kind == "" {
		kind = d.EventType
	}
	ev := domain.ChangeEvent{
		Resource: resource,
		Type:     domain.EventType(strings.ToLower(kind)),
		New:      firstNonNil(d.Record, d.New),
		Old:      firstNonNil(d.OldRecord, d.Old),
		At:       time.Now(),
	}
	if t, err := time.Parse(time.RFC3339Nano, d.CommitTimestamp); err == nil {
		ev.At = t
	}
	if ev.Type == "" {
		return domain.ChangeEvent{}, false
	}
	return ev, true
}

func firstNonNil(a, b map[string]any) map[string]any {
	if len(a) > 0 {
		return a
	}
	return b
}
