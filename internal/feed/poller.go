package feed

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/hammamikhairi/balcao/internal/domain"
	"github.com/hammamikhairi/balcao/internal/logger"
)

// Compile-time interface check.
var _ domain.ChangeFeed = (*Poller)(nil)

// Snapshotter lists the current rows of a resource as column maps. Every
// row carries an "id" column.
type Snapshotter interface {
	Snapshot(ctx context.Context, resource string) ([]map[string]any, error)
}

// PollerOption configures the Poller.
type PollerOption func(*Poller)

// WithPollInterval sets how often the source is re-read.
func WithPollInterval(d time.Duration) PollerOption {
	return func(p *Poller) {
		p.interval = d
	}
}

// Poller turns periodic snapshots of a local store into change events, for
// deployments with no realtime server.
type Poller struct {
	src      Snapshotter
	log      *logger.Logger
	interval time.Duration
}

// NewPoller creates a poller over src.
func NewPoller(src Snapshotter, log *logger.Logger, opts ...PollerOption) *Poller {
	p := &Poller{
		src:      src,
		log:      log,
		interval: 1 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Subscribe takes a baseline snapshot of resource and then reports every
// row that appears, changes or disappears. The baseline itself produces no
// events.
func (p *Poller) Subscribe(ctx context.Context, resource string) (<-chan domain.ChangeEvent, error) {
	rows, err := p.src.Snapshot(ctx, resource)
	if err != nil {
		return nil, fmt.Errorf("baseline snapshot of %s: %w", resource, err)
	}

	out := make(chan domain.ChangeEvent, 16)
	go p.loop(ctx, resource, index(rows), out)
	p.log.Debug("poller: watching %s every %s (%d rows)", resource, p.interval, len(rows))
	return out, nil
}

func (p *Poller) loop(ctx context.Context, resource string, prev map[string]map[string]any, out chan<- domain.ChangeEvent) {
	defer close(out)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.log.Debug("poller: %s stopped", resource)
			return
		case <-ticker.C:
			rows, err := p.src.Snapshot(ctx, resource)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				p.log.Warn("poller: snapshot of %s failed: %v", resource, err)
				continue
			}
			cur := index(rows)
			for _, ev := range diff(resource, prev, cur, time.Now()) {
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
			prev = cur
		}
	}
}

func index(rows []map[string]any) map[string]map[string]any {
	out := make(map[string]map[string]any, len(rows))
	for _, row := range rows {
		if id, ok := row["id"]; ok {
			out[fmt.Sprint(id)] = row
		}
	}
	return out
}

// diff reports the changes between two snapshots. Column values are
// scalars, so plain equality is enough.
func diff(resource string, prev, cur map[string]map[string]any, at time.Time) []domain.ChangeEvent {
	var events []domain.ChangeEvent
	for id, row := range cur {
		old, existed := prev[id]
		switch {
		case !existed:
			events = append(events, domain.ChangeEvent{Resource: resource, Type: domain.EventInsert, New: row, At: at})
		case !maps.EqualFunc(old, row, func(a, b any) bool { return a == b }):
			events = append(events, domain.ChangeEvent{Resource: resource, Type: domain.EventUpdate, New: row, Old: old, At: at})
		}
	}
	for id, old := range prev {
		if _, ok := cur[id]; !ok {
			events = append(events, domain.ChangeEvent{Resource: resource, Type: domain.EventDelete, Old: old, At: at})
		}
	}
	return events
}
