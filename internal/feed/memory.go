// Package feed implements domain.ChangeFeed over the transports a front
// desk can have: in-process, a polled local database, Supabase Realtime
// and Postgres LISTEN/NOTIFY.
package feed

import (
	"context"
	"fmt"
	"sync"

	"github.com/hammamikhairi/balcao/internal/domain"
	"github.com/hammamikhairi/balcao/internal/logger"
)

// Compile-time interface check.
var _ domain.ChangeFeed = (*Memory)(nil)

type subscription struct {
	ch   chan domain.ChangeEvent
	done chan struct{}
	once sync.Once
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

// Memory is an in-process feed. Publish blocks until every subscriber of
// the resource has taken the event or gone away.
type Memory struct {
	log    *logger.Logger
	buffer int

	mu        sync.RWMutex
	subs      map[string][]*subscription
	closed    bool
	closeOnce sync.Once
}

// NewMemory creates an in-process feed whose subscriber channels hold up
// to buffer events.
func NewMemory(log *logger.Logger, buffer int) *Memory {
	return &Memory{
		log:    log,
		buffer: buffer,
		subs:   make(map[string][]*subscription),
	}
}

// Subscribe returns the events published for resource until ctx is done
// or the feed is closed.
func (m *Memory) Subscribe(ctx context.Context, resource string) (<-chan domain.ChangeEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, domain.ErrFeedClosed
	}

	sub := &subscription{
		ch:   make(chan domain.ChangeEvent, m.buffer),
		done: make(chan struct{}),
	}
	m.subs[resource] = append(m.subs[resource], sub)
	m.log.Debug("feed: subscribed to %s (%d subscribers)", resource, len(m.subs[resource]))

	go func() {
		select {
		case <-ctx.Done():
			m.unsubscribe(resource, sub)
		case <-sub.done:
		}
	}()
	return sub.ch, nil
}

// Publish delivers ev to every subscriber of ev.Resource.
func (m *Memory) Publish(ctx context.Context, ev domain.ChangeEvent) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return domain.ErrFeedClosed
	}

	for _, sub := range m.subs[ev.Resource] {
		select {
		case sub.ch <- ev:
		case <-sub.done:
		case <-ctx.Done():
			return fmt.Errorf("publishing %s event: %w", ev.Resource, ctx.Err())
		}
	}
	return nil
}

// Close ends every subscription.
func (m *Memory) Close() {
	m.closeOnce.Do(func() {
		// Unblock publishers first; they hold the read lock.
		m.mu.RLock()
		for _, subs := range m.subs {
			for _, sub := range subs {
				sub.stop()
			}
		}
		m.mu.RUnlock()

		m.mu.Lock()
		defer m.mu.Unlock()
		m.closed = true
		for resource, subs := range m.subs {
			for _, sub := range subs {
				sub.stop()
				close(sub.ch)
			}
			delete(m.subs, resource)
		}
	})
}

// unsubscribe wakes any publisher blocked on sub, then removes it.
func (m *Memory) unsubscribe(resource string, sub *subscription) {
	sub.stop()

	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subs[resource]
	for i, s := range subs {
		if s == sub {
			m.subs[resource] = append(subs[:i], subs[i+1:]...)
			close(sub.ch)
			return
		}
	}
}
