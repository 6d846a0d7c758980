// Package speech turns call requests into spoken Portuguese announcements.
//
// The Announcer guarantees that every Announce settles exactly once: the
// first of normal completion, a backend error, or the safety timeout wins.
// Backends (Azure TTS, no-op) plug in through the Synth interface.
package speech

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hammamikhairi/balcao/internal/clock"
	"github.com/hammamikhairi/balcao/internal/domain"
	"github.com/hammamikhairi/balcao/internal/logger"
)

// Synth speaks utterances. Speak blocks until the utterance has been fully
// spoken, fails, or ctx is cancelled. Stop interrupts whatever is playing.
type Synth interface {
	Speak(ctx context.Context, u Utterance) error
	Stop()
}

// Outcome says how an announcement settled.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeFailed
	OutcomeTimedOut
	OutcomeUnavailable
	OutcomeCanceled
)

// String returns a human-readable outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeFailed:
		return "failed"
	case OutcomeTimedOut:
		return "timed out"
	case OutcomeUnavailable:
		return "unavailable"
	case OutcomeCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Result is the settled state of one announcement. Announce never returns
// an error; a failed backend shows up here instead.
type Result struct {
	Outcome Outcome
	Text    string
	Err     error
}

// AnnouncerOption configures the Announcer.
type AnnouncerOption func(*Announcer)

// WithClock sets the clock driving the pre-delay and the timeout.
func WithClock(c clock.Clock) AnnouncerOption {
	return func(a *Announcer) {
		a.clock = c
	}
}

// WithPreDelay sets the pause before speech starts, letting a previous
// cancellation settle.
func WithPreDelay(d time.Duration) AnnouncerOption {
	return func(a *Announcer) {
		a.preDelay = d
	}
}

// WithTimeout sets the hard ceiling on a single announcement.
func WithTimeout(d time.Duration) AnnouncerOption {
	return func(a *Announcer) {
		a.timeout = d
	}
}

// Announcer speaks one call at a time. Starting a new announcement cancels
// the one in flight.
type Announcer struct {
	synth    Synth
	log      *logger.Logger
	clock    clock.Clock
	preDelay time.Duration
	timeout  time.Duration

	mu     sync.Mutex
	seq    uint64
	cancel context.CancelFunc // current utterance, nil when silent
}

// NewAnnouncer creates an announcer. A nil synth makes every announcement
// settle immediately as OutcomeUnavailable.
func NewAnnouncer(synth Synth, log *logger.Logger, opts ...AnnouncerOption) *Announcer {
	a := &Announcer{
		synth:    synth,
		log:      log,
		clock:    clock.Real(),
		preDelay: DefaultPreDelay,
		timeout:  DefaultTimeout,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Announce speaks the sentence for req and blocks until it settles.
func (a *Announcer) Announce(ctx context.Context, req domain.CallRequest) Result {
	text := Sentence(req)
	if a.synth == nil {
		a.log.Debug("announcer: no speech backend, skipping %q", text)
		return Result{Outcome: OutcomeUnavailable, Text: text}
	}

	a.mu.Lock()
	if a.cancel != nil {
		a.cancel()
		a.synth.Stop()
		a.log.Debug("announcer: interrupted previous utterance")
	}
	uctx, cancel := context.WithCancel(ctx)
	a.seq++
	id := a.seq
	a.cancel = cancel
	a.mu.Unlock()

	defer func() {
		cancel()
		a.mu.Lock()
		if a.seq == id {
			a.cancel = nil
		}
		a.mu.Unlock()
	}()

	settled := make(chan Result, 1)
	var once sync.Once
	settle := func(r Result) {
		once.Do(func() { settled <- r })
	}

	u := NewUtterance(text)
	start := a.clock.AfterFunc(a.preDelay, func() {
		go func() {
			defer func() {
				if r := recover(); r != nil {
					settle(Result{Outcome: OutcomeFailed, Err: fmt.Errorf("speech backend panicked: %v", r)})
				}
			}()
			err := a.synth.Speak(uctx, u)
			switch {
			case err == nil:
				settle(Result{Outcome: OutcomeCompleted})
			case uctx.Err() != nil:
				settle(Result{Outcome: OutcomeCanceled, Err: err})
			default:
				settle(Result{Outcome: OutcomeFailed, Err: err})
			}
		}()
	})
	deadline := a.clock.AfterFunc(a.timeout, func() {
		settle(Result{Outcome: OutcomeTimedOut})
	})

	var r Result
	select {
	case r = <-settled:
	case <-uctx.Done():
		settle(Result{Outcome: OutcomeCanceled, Err: uctx.Err()})
		r = <-settled
	}
	start.Stop()
	deadline.Stop()

	a.mu.Lock()
	current := a.seq == id
	a.mu.Unlock()
	if r.Outcome == OutcomeTimedOut || (r.Outcome == OutcomeCanceled && current) {
		a.synth.Stop()
	}

	r.Text = text
	switch r.Outcome {
	case OutcomeFailed:
		a.log.Warn("announcer: speech failed for %s: %v", req.SubjectName, r.Err)
	case OutcomeTimedOut:
		a.log.Warn("announcer: speech for %s hit the %s ceiling", req.SubjectName, a.timeout)
	default:
		a.log.Debug("announcer: %s (%s)", r.Outcome, text)
	}
	return r
}

// Cancel stops the utterance in flight, if any.
func (a *Announcer) Cancel() {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.seq++
	a.mu.Unlock()

	if cancel != nil {
		cancel()
		a.synth.Stop()
		a.log.Debug("announcer: canceled")
	}
}

// prefetcher is implemented by backends that can synthesize ahead of time.
type prefetcher interface {
	Prefetch(ctx context.Context, u Utterance)
}

// Prepare warms the backend for req so speech can start without a
// synthesis round-trip. It never blocks.
func (a *Announcer) Prepare(ctx context.Context, req domain.CallRequest) {
	if p, ok := a.synth.(prefetcher); ok {
		p.Prefetch(ctx, NewUtterance(Sentence(req)))
	}
}
