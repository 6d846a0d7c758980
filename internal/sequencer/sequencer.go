// Package sequencer runs the phase state machine of a single call:
// Idle → Bell → Calling → Closing → Idle.
//
// All state lives behind one mutex. Every timer and announcement belongs to
// a generation; cancelling or restarting bumps the generation, so callbacks
// from an earlier run find themselves stale and do nothing.
package sequencer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hammamikhairi/balcao/internal/clock"
	"github.com/hammamikhairi/balcao/internal/domain"
	"github.com/hammamikhairi/balcao/internal/logger"
	"github.com/hammamikhairi/balcao/internal/speech"
)

// Tone plays the attention chime. Play must return immediately.
type Tone interface {
	Play()
	Close()
}

// Voice speaks a call. Announce blocks until the announcement settles.
type Voice interface {
	Announce(ctx context.Context, req domain.CallRequest) speech.Result
	Cancel()
}

// preparer is implemented by voices that can warm up during the bell.
type preparer interface {
	Prepare(ctx context.Context, req domain.CallRequest)
}

// Timings are the fixed holds of each phase.
type Timings struct {
	BellHold       time.Duration // Bell before speech starts
	PostSpeechHold time.Duration // Calling after speech settles
	ClosingHold    time.Duration // Closing before completion
}

// DefaultTimings returns the production holds.
func DefaultTimings() Timings {
	return Timings{
		BellHold:       2000 * time.Millisecond,
		PostSpeechHold: 1000 * time.Millisecond,
		ClosingHold:    1000 * time.Millisecond,
	}
}

// Option configures the Sequencer.
type Option func(*Sequencer)

// WithClock sets the clock driving the phase holds.
func WithClock(c clock.Clock) Option {
	return func(s *Sequencer) {
		s.clock = c
	}
}

// WithTimings overrides the phase holds.
func WithTimings(t Timings) Option {
	return func(s *Sequencer) {
		s.timings = t
	}
}

// WithListener registers a snapshot listener at construction.
func WithListener(l domain.SnapshotListener) Option {
	return func(s *Sequencer) {
		s.listeners = append(s.listeners, l)
	}
}

// Sequencer owns the phase of the active call.
type Sequencer struct {
	tone    Tone
	voice   Voice
	log     *logger.Logger
	clock   clock.Clock
	timings Timings

	mu        sync.Mutex
	phase     domain.Phase
	active    *domain.CallRequest
	since     time.Time
	gen       uint64
	nextTimer uint64
	timers    map[uint64]clock.Timer
	runCtx    context.Context
	cancelRun context.CancelFunc
	onDone    func(domain.CallRequest)
	listeners []domain.SnapshotListener
}

// New creates an idle sequencer.
func New(tone Tone, voice Voice, log *logger.Logger, opts ...Option) *Sequencer {
	s := &Sequencer{
		tone:    tone,
		voice:   voice,
		log:     log,
		clock:   clock.Real(),
		timings: DefaultTimings(),
		timers:  make(map[uint64]clock.Timer),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.since = s.clock.Now()
	return s
}

// AddListener registers l for every subsequent phase change.
func (s *Sequencer) AddListener(l domain.SnapshotListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Start admits req and enters Bell. onDone runs once, after Closing, unless
// the run is cancelled first. Starting while a call is active cancels that
// call without running its callback.
func (s *Sequencer) Start(req domain.CallRequest, onDone func(domain.CallRequest)) error {
	if err := req.Validate(); err != nil {
		return fmt.Errorf("starting call: %w", err)
	}

	s.mu.Lock()
	if s.phase != domain.PhaseIdle {
		s.log.Info("sequencer: %s replaces %s", req.SubjectName, s.active.SubjectName)
		s.abortLocked()
		s.releaseAudio()
	}

	s.gen++
	gen := s.gen
	ctx, cancel := context.WithCancel(context.Background())
	s.runCtx, s.cancelRun = ctx, cancel
	s.onDone = onDone
	s.active = &req
	s.enterLocked(domain.PhaseBell)
	s.scheduleLocked(gen, s.timings.BellHold, s.enterCalling)
	// The chime starts under the lock so a concurrent Cancel can't close
	// it before it opens, or close the chime of a newer call.
	s.playTone()
	snap, listeners := s.snapshotLocked(), s.listeners
	s.mu.Unlock()

	s.log.Info("sequencer: calling %s (%s)", req.SubjectName, describe(req))
	if p, ok := s.voice.(preparer); ok {
		p.Prepare(ctx, req)
	}
	notify(listeners, snap)
	return nil
}

// Cancel stops the active call, if any: timers, speech and the chime. The
// completion callback is not invoked. Cancelling an idle sequencer, or one
// whose call already completed, does nothing. Cancel reports whether a
// call was aborted.
func (s *Sequencer) Cancel() bool {
	s.mu.Lock()
	if s.phase == domain.PhaseIdle {
		s.mu.Unlock()
		return false
	}
	name := s.active.SubjectName
	s.abortLocked()
	s.releaseAudio()
	s.enterLocked(domain.PhaseIdle)
	snap, listeners := s.snapshotLocked(), s.listeners
	s.mu.Unlock()

	s.log.Info("sequencer: call for %s cancelled", name)
	notify(listeners, snap)
	return true
}

// Snapshot returns the current phase and active request.
func (s *Sequencer) Snapshot() domain.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// PendingTimers returns the number of phase timers still scheduled.
func (s *Sequencer) PendingTimers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *Sequencer) enterCalling(gen uint64) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.enterLocked(domain.PhaseCalling)
	req := *s.active
	ctx := s.runCtx
	snap, listeners := s.snapshotLocked(), s.listeners
	s.mu.Unlock()

	notify(listeners, snap)
	go s.speak(gen, ctx, req)
}

func (s *Sequencer) speak(gen uint64, ctx context.Context, req domain.CallRequest) {
	defer s.recoverRun(gen)

	res := s.voice.Announce(ctx, req)

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return
	}
	s.log.Debug("sequencer: speech %s for %s", res.Outcome, req.SubjectName)
	s.scheduleLocked(gen, s.timings.PostSpeechHold, s.enterClosing)
}

func (s *Sequencer) enterClosing(gen uint64) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.enterLocked(domain.PhaseClosing)
	s.scheduleLocked(gen, s.timings.ClosingHold, s.complete)
	snap, listeners := s.snapshotLocked(), s.listeners
	s.mu.Unlock()

	notify(listeners, snap)
}

// complete ends run gen: back to Idle, then the callback.
func (s *Sequencer) complete(gen uint64) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	req := *s.active
	onDone := s.onDone
	s.abortLocked()
	s.enterLocked(domain.PhaseIdle)
	snap, listeners := s.snapshotLocked(), s.listeners
	s.mu.Unlock()

	s.log.Info("sequencer: call for %s finished", req.SubjectName)
	notify(listeners, snap)
	if onDone != nil {
		onDone(req)
	}
}

// recoverRun turns a panic anywhere in run gen into an immediate
// completion, so a broken phase never leaves the admission lock held.
func (s *Sequencer) recoverRun(gen uint64) {
	r := recover()
	if r == nil {
		return
	}
	s.log.Error("sequencer: phase chain panicked: %v", r)
	s.mu.Lock()
	if gen == s.gen {
		s.releaseAudio()
	}
	s.mu.Unlock()
	s.complete(gen)
}

// scheduleLocked runs f(gen) after d, unless the run is superseded first.
func (s *Sequencer) scheduleLocked(gen uint64, d time.Duration, f func(uint64)) {
	s.nextTimer++
	id := s.nextTimer
	s.timers[id] = s.clock.AfterFunc(d, func() {
		s.mu.Lock()
		delete(s.timers, id)
		s.mu.Unlock()

		defer s.recoverRun(gen)
		f(gen)
	})
}

// abortLocked invalidates the current run: timers stopped, run context
// cancelled, callback forgotten.
func (s *Sequencer) abortLocked() {
	s.gen++
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	if s.cancelRun != nil {
		s.cancelRun()
		s.runCtx, s.cancelRun = nil, nil
	}
	s.onDone = nil
	s.active = nil
}

func (s *Sequencer) enterLocked(p domain.Phase) {
	s.phase = p
	s.since = s.clock.Now()
	if p != domain.PhaseIdle {
		s.log.Debug("sequencer: → %s", p)
	}
}

func (s *Sequencer) snapshotLocked() domain.Snapshot {
	snap := domain.Snapshot{Phase: s.phase, Since: s.since}
	if s.active != nil {
		req := *s.active
		snap.Request = &req
	}
	return snap
}

// releaseAudio silences everything the run may have started. Callers hold
// s.mu so the release can't reach a call started after the abort.
func (s *Sequencer) releaseAudio() {
	s.voice.Cancel()
	s.tone.Close()
}

func (s *Sequencer) playTone() {
	defer func() {
		if r := recover(); r != nil {
			s.log.Warn("sequencer: tone panicked: %v", r)
		}
	}()
	s.tone.Play()
}

// notify delivers snap outside the lock. A panicking listener is skipped.
func notify(listeners []domain.SnapshotListener, snap domain.Snapshot) {
	for _, l := range listeners {
		func() {
			defer func() { _ = recover() }()
			l.OnSnapshot(snap)
		}()
	}
}

func describe(req domain.CallRequest) string {
	if req.Kind == domain.KindAppointment {
		return "appointment"
	}
	return fmt.Sprintf("queue #%d", req.SequenceNumber)
}
