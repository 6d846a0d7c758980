// Package intake turns "status became calling" row changes into call
// requests and admits them to the sequencer one at a time.
package intake

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/hammamikhairi/balcao/internal/domain"
	"github.com/hammamikhairi/balcao/internal/logger"
)

// Sequencer begins sequencing a call and reports completion through
// onDone. Cancel aborts the active call without calling onDone and
// reports whether there was one.
type Sequencer interface {
	Start(req domain.CallRequest, onDone func(domain.CallRequest)) error
	Cancel() bool
}

// Stats counts what the adapter did with the events it saw.
type Stats struct {
	Accepted  int // admitted to the sequencer
	Dropped   int // arrived while another call was active
	Completed int // finished sequencing
	Canceled  int // aborted by the operator
	Ignored   int // not a transition to calling
	Rejected  int // malformed record or refused by the sequencer
}

// Option configures the Adapter.
type Option func(*Adapter)

// WithDirectory sets the service name lookup for queue entries.
func WithDirectory(dir domain.ServiceDirectory) Option {
	return func(a *Adapter) {
		a.dir = dir
	}
}

// WithCallLog records every completed call.
func WithCallLog(calls domain.CallLog) Option {
	return func(a *Adapter) {
		a.calls = calls
	}
}

// WithLookupTimeout bounds the service name lookup.
func WithLookupTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		a.lookupTimeout = d
	}
}

// WithNow sets the time source stamped on completed calls.
func WithNow(now func() time.Time) Option {
	return func(a *Adapter) {
		a.now = now
	}
}

// Adapter owns the admission lock. While a call is active, new calling
// events are dropped, not queued: the front desk re-triggers anyone who
// is still waiting.
type Adapter struct {
	feed          domain.ChangeFeed
	seq           Sequencer
	dir           domain.ServiceDirectory
	calls         domain.CallLog
	log           *logger.Logger
	lookupTimeout time.Duration
	now           func() time.Time

	mu      sync.Mutex
	busy    bool
	started bool   // the admitted call reached the sequencer
	ticket  uint64 // identifies the current admission
	stats   Stats
}

// New creates an adapter reading feed and driving seq.
func New(feed domain.ChangeFeed, seq Sequencer, log *logger.Logger, opts ...Option) *Adapter {
	a := &Adapter{
		feed:          feed,
		seq:           seq,
		log:           log,
		lookupTimeout: 2 * time.Second,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run subscribes to both resources and handles events until ctx is done
// or both subscriptions end.
func (a *Adapter) Run(ctx context.Context) error {
	queue, err := a.feed.Subscribe(ctx, domain.ResourceQueue)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", domain.ResourceQueue, err)
	}
	appts, err := a.feed.Subscribe(ctx, domain.ResourceAppointments)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", domain.ResourceAppointments, err)
	}
	a.log.Info("intake: listening for calls")

	for queue != nil || appts != nil {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-queue:
			if !ok {
				a.log.Warn("intake: %s feed closed", domain.ResourceQueue)
				queue = nil
				continue
			}
			a.Handle(ctx, ev)
		case ev, ok := <-appts:
			if !ok {
				a.log.Warn("intake: %s feed closed", domain.ResourceAppointments)
				appts = nil
				continue
			}
			a.Handle(ctx, ev)
		}
	}
	return domain.ErrFeedClosed
}

// Handle processes one change event and reports whether it started a call.
func (a *Adapter) Handle(ctx context.Context, ev domain.ChangeEvent) bool {
	if !becameCalling(ev) {
		a.count(func(s *Stats) { s.Ignored++ })
		return false
	}

	// Claim the lock before the lookup so two events can't both pass.
	a.mu.Lock()
	if a.busy {
		a.stats.Dropped++
		a.mu.Unlock()
		a.log.Debug("intake: dropped %s %v, a call is active", ev.Resource, ev.New["id"])
		return false
	}
	a.busy = true
	a.started = false
	a.ticket++
	ticket := a.ticket
	a.mu.Unlock()

	req, err := a.normalize(ctx, ev)
	if err != nil {
		a.release(ticket, func(s *Stats) { s.Rejected++ })
		a.log.Warn("intake: rejected %s event: %v", ev.Resource, err)
		return false
	}

	// Start under the lock: an operator cancel during the lookup has
	// already released this admission and must not be undone.
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.busy || a.ticket != ticket {
		a.log.Info("intake: call for %s canceled before it started", req.SubjectName)
		return false
	}
	if err := a.seq.Start(req, func(r domain.CallRequest) { a.onDone(ticket, r) }); err != nil {
		a.busy = false
		a.stats.Rejected++
		a.log.Warn("intake: sequencer refused %s: %v", req.SubjectName, err)
		return false
	}
	a.started = true
	a.stats.Accepted++
	return true
}

// Cancel aborts the active or pending call, if any, and releases the
// admission lock. A call that is already completing keeps the lock until
// its completion runs.
func (a *Adapter) Cancel() {
	a.mu.Lock()
	defer a.mu.Unlock()

	aborted := a.seq.Cancel()
	if !a.busy || (a.started && !aborted) {
		return
	}
	a.busy = false
	a.ticket++
	a.stats.Canceled++
	a.log.Info("intake: active call canceled")
}

// Busy reports whether the admission lock is held.
func (a *Adapter) Busy() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.busy
}

// Stats returns a copy of the counters.
func (a *Adapter) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

func (a *Adapter) onDone(ticket uint64, req domain.CallRequest) {
	if !a.release(ticket, func(s *Stats) { s.Completed++ }) {
		return
	}

	if a.calls == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.calls.Record(ctx, domain.RecordOf(req, a.now())); err != nil {
		a.log.Warn("intake: recording call for %s: %v", req.SubjectName, err)
	}
}

// release frees the admission lock if ticket still holds it and applies
// update. It reports whether ticket was current.
func (a *Adapter) release(ticket uint64, update func(*Stats)) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.busy || a.ticket != ticket {
		return false
	}
	a.busy = false
	update(&a.stats)
	return true
}

func (a *Adapter) count(update func(*Stats)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	update(&a.stats)
}

// becameCalling accepts updates whose new status is calling. When the old
// row is known, its status must have been something else, or the row must
// have been touched again (a desk re-calling someone who is already
// calling bumps updated_at).
func becameCalling(ev domain.ChangeEvent) bool {
	if ev.Type != domain.EventUpdate || ev.New == nil {
		return false
	}
	if status, _ := ev.New["status"].(string); status != domain.StatusCalling {
		return false
	}
	if old, ok := ev.Old["status"]; ok {
		if s, _ := old.(string); s == domain.StatusCalling {
			return recalled(ev)
		}
	}
	return true
}

func recalled(ev domain.ChangeEvent) bool {
	prev, ok := ev.Old["updated_at"]
	if !ok || prev == nil {
		return false
	}
	cur, ok := ev.New["updated_at"]
	if !ok || cur == nil {
		return false
	}
	return fmt.Sprint(prev) != fmt.Sprint(cur)
}

func (a *Adapter) normalize(ctx context.Context, ev domain.ChangeEvent) (domain.CallRequest, error) {
	var (
		req domain.CallRequest
		err error
	)
	switch ev.Resource {
	case domain.ResourceQueue:
		var e domain.QueueEntry
		if err := decode(ev.New, &e); err != nil {
			return req, err
		}
		req, err = domain.NewQueueCall(e.Name, e.SequenceNumber, a.serviceName(ctx, e.ServiceID), e.Priority)
		req = req.WithRecord(e.ID)
	case domain.ResourceAppointments:
		var ap domain.Appointment
		if err := decode(ev.New, &ap); err != nil {
			return req, err
		}
		req, err = domain.NewAppointmentCall(ap.Name, ap.Service, ap.Priority)
		req = req.WithRecord(ap.ID)
	default:
		return req, fmt.Errorf("unknown resource %q", ev.Resource)
	}
	if err != nil {
		return domain.CallRequest{}, err
	}
	if !ev.At.IsZero() {
		req.ReceivedAt = ev.At
	}
	return req, nil
}

// serviceName resolves id, falling back to an empty label: the call goes
// out either way.
func (a *Adapter) serviceName(ctx context.Context, id string) string {
	if id == "" || a.dir == nil {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, a.lookupTimeout)
	defer cancel()

	name, err := a.dir.ServiceName(ctx, id)
	switch {
	case err == nil:
		return name
	case errors.Is(err, domain.ErrNotFound):
		a.log.Debug("intake: unknown service %s", id)
	default:
		a.log.Warn("intake: service lookup for %s failed: %v", id, err)
	}
	return ""
}

// decode maps a raw row onto out. Feeds deliver JSON numbers as floats
// and some columns as strings, so conversion is lenient.
func decode(row map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(row); err != nil {
		return fmt.Errorf("decoding record: %w", err)
	}
	return nil
}
