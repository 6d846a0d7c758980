package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hammamikhairi/balcao/internal/domain"
	"github.com/hammamikhairi/balcao/internal/logger"
)

// Compile-time interface check.
var _ domain.ChangeFeed = (*PGNotify)(nil)

// PGNotify listens on a Postgres NOTIFY channel fed by a row trigger. The
// payload is JSON: {"table", "type", "record", "old_record"}.
type PGNotify struct {
	pool    *pgxpool.Pool
	channel string
	log     *logger.Logger
	backoff time.Duration
}

// NewPGNotify creates a feed on channel. The caller owns pool.
func NewPGNotify(pool *pgxpool.Pool, channel string, log *logger.Logger) *PGNotify {
	return &PGNotify{pool: pool, channel: channel, log: log, backoff: 2 * time.Second}
}

// Subscribe holds one pooled connection in LISTEN for resource. Events for
// other tables on the same channel are skipped.
func (n *PGNotify) Subscribe(ctx context.Context, resource string) (<-chan domain.ChangeEvent, error) {
	conn, err := n.listen(ctx)
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", resource, err)
	}
	out := make(chan domain.ChangeEvent, 16)
	go n.run(ctx, conn, resource, out)
	return out, nil
}

func (n *PGNotify) listen(ctx context.Context) (*pgxpool.Conn, error) {
	conn, err := n.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{n.channel}.Sanitize()); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen %s: %w", n.channel, err)
	}
	n.log.Info("pgnotify: listening on %s", n.channel)
	return conn, nil
}

func (n *PGNotify) run(ctx context.Context, conn *pgxpool.Conn, resource string, out chan<- domain.ChangeEvent) {
	defer close(out)
	defer func() {
		if conn != nil {
			// The session still has LISTEN state; don't hand it back.
			conn.Hijack().Close(context.Background())
		}
	}()

	for {
		note, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			n.log.Warn("pgnotify: wait on %s failed: %v", n.channel, err)
			conn.Hijack().Close(context.Background())
			conn = nil
			for conn == nil {
				select {
				case <-ctx.Done():
					return
				case <-time.After(n.backoff):
				}
				if conn, err = n.listen(ctx); err != nil {
					n.log.Warn("pgnotify: relisten failed: %v", err)
				}
			}
			continue
		}

		ev, ok := decodeNotification(resource, note.Payload)
		if !ok {
			continue
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return
		}
	}
}

type notification struct {
	Table     string         `json:"table"`
	Type      string         `json:"type"`
	Record    map[string]any `json:"record"`
	OldRecord map[string]any `json:"old_record"`
}

// decodeNotification parses a trigger payload, keeping only rows of
// resource.
func decodeNotification(resource, payload string) (domain.ChangeEvent, bool) {
	var note notification
	if err := json.Unmarshal([]byte(payload), &note); err != nil {
		return domain.ChangeEvent{}, false
	}
	if note.Table != resource || note.Type == "" {
		return domain.ChangeEvent{}, false
	}
	return domain.ChangeEvent{
		Resource: resource,
		Type:     domain.EventType(strings.ToLower(note.Type)),
		New:      note.Record,
		Old:      note.OldRecord,
		At:       time.Now(),
	}, true
}
