package speech

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hammamikhairi/balcao/internal/clock"
	"github.com/hammamikhairi/balcao/internal/domain"
	"github.com/hammamikhairi/balcao/internal/logger"
)

// fakeSynth records utterances. With hang set, Speak blocks until its
// context is cancelled; otherwise it returns err immediately.
type fakeSynth struct {
	mu     sync.Mutex
	spoken []Utterance
	stops  int
	hang   bool
	err    error
}

func (s *fakeSynth) Speak(ctx context.Context, u Utterance) error {
	s.mu.Lock()
	s.spoken = append(s.spoken, u)
	hang, err := s.hang, s.err
	s.mu.Unlock()
	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (s *fakeSynth) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
}

func (s *fakeSynth) spokenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.spoken)
}

func (s *fakeSynth) stopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

func queueCall(t *testing.T) domain.CallRequest {
	t.Helper()
	req, err := domain.NewQueueCall("Maria Silva", 42, "RG", false)
	require.NoError(t, err)
	return req
}

func announceAsync(a *Announcer, ctx context.Context, req domain.CallRequest) <-chan Result {
	ch := make(chan Result, 1)
	go func() { ch <- a.Announce(ctx, req) }()
	return ch
}

func newTestAnnouncer(synth Synth) (*Announcer, *clock.Fake) {
	clk := clock.NewFake()
	a := NewAnnouncer(synth, logger.New(logger.LevelOff, nil), WithClock(clk))
	return a, clk
}

func TestSentence(t *testing.T) {
	q := queueCall(t)
	require.Equal(t, "Maria Silva, número 42, compareça ao balcão.", Sentence(q))

	appt, err := domain.NewAppointmentCall("João Souza", "RG", false)
	require.NoError(t, err)
	text := Sentence(appt)
	require.Contains(t, text, "João Souza")
	require.NotContains(t, text, "número")
	require.NotContains(t, text, "0")
}

func TestAnnounceCompletes(t *testing.T) {
	synth := &fakeSynth{}
	a, clk := newTestAnnouncer(synth)

	res := announceAsync(a, context.Background(), queueCall(t))
	require.True(t, clk.BlockUntil(2, time.Second))

	clk.Advance(199 * time.Millisecond)
	require.Zero(t, synth.spokenCount(), "speech must wait for the pre-delay")

	clk.Advance(time.Millisecond)
	r := <-res
	require.Equal(t, OutcomeCompleted, r.Outcome)
	require.Equal(t, "Maria Silva, número 42, compareça ao balcão.", r.Text)

	u := synth.spoken[0]
	require.Equal(t, "pt-BR", u.Locale)
	require.Equal(t, 0.8, u.Rate)
	require.Equal(t, 1.0, u.Volume)
	require.Equal(t, 1.0, u.Pitch)
	require.Zero(t, clk.Pending(), "timeout must be disarmed after settling")
}

func TestAnnounceTimesOutAtCeiling(t *testing.T) {
	synth := &fakeSynth{hang: true}
	a, clk := newTestAnnouncer(synth)

	res := announceAsync(a, context.Background(), queueCall(t))
	require.True(t, clk.BlockUntil(2, time.Second))

	clk.Advance(200 * time.Millisecond)
	require.Eventually(t, func() bool { return synth.spokenCount() == 1 }, time.Second, time.Millisecond)

	clk.Advance(5799 * time.Millisecond)
	select {
	case <-res:
		t.Fatal("settled before the timeout")
	case <-time.After(20 * time.Millisecond):
	}

	clk.Advance(time.Millisecond)
	r := <-res
	require.Equal(t, OutcomeTimedOut, r.Outcome)
	require.Equal(t, 1, synth.stopCount(), "timed-out speech must be cancelled")
}

func TestAnnounceBackendError(t *testing.T) {
	synth := &fakeSynth{err: errors.New("tts 500")}
	a, clk := newTestAnnouncer(synth)

	res := announceAsync(a, context.Background(), queueCall(t))
	require.True(t, clk.BlockUntil(2, time.Second))
	clk.Advance(200 * time.Millisecond)

	r := <-res
	require.Equal(t, OutcomeFailed, r.Outcome)
	require.EqualError(t, r.Err, "tts 500")
}

func TestAnnounceWithoutBackend(t *testing.T) {
	a := NewAnnouncer(nil, logger.New(logger.LevelOff, nil))
	r := a.Announce(context.Background(), queueCall(t))
	require.Equal(t, OutcomeUnavailable, r.Outcome)
	require.NotEmpty(t, r.Text)
	require.NotPanics(t, a.Cancel)
}

func TestNewAnnouncementInterruptsPrevious(t *testing.T) {
	synth := &fakeSynth{hang: true}
	a, clk := newTestAnnouncer(synth)

	first := announceAsync(a, context.Background(), queueCall(t))
	require.True(t, clk.BlockUntil(2, time.Second))
	clk.Advance(200 * time.Millisecond)
	require.Eventually(t, func() bool { return synth.spokenCount() == 1 }, time.Second, time.Millisecond)

	appt, err := domain.NewAppointmentCall("João", "", false)
	require.NoError(t, err)
	second := announceAsync(a, context.Background(), appt)

	r := <-first
	require.Equal(t, OutcomeCanceled, r.Outcome)
	require.GreaterOrEqual(t, synth.stopCount(), 1)

	a.Cancel()
	r2 := <-second
	require.Equal(t, OutcomeCanceled, r2.Outcome)
}

func TestCancelSettlesOnce(t *testing.T) {
	synth := &fakeSynth{hang: true}
	a, clk := newTestAnnouncer(synth)

	res := announceAsync(a, context.Background(), queueCall(t))
	require.True(t, clk.BlockUntil(2, time.Second))
	clk.Advance(200 * time.Millisecond)
	require.Eventually(t, func() bool { return synth.spokenCount() == 1 }, time.Second, time.Millisecond)

	a.Cancel()
	r := <-res
	require.Equal(t, OutcomeCanceled, r.Outcome)

	// The timeout was disarmed; advancing past it produces nothing.
	clk.Advance(10 * time.Second)
	select {
	case <-res:
		t.Fatal("announcement settled twice")
	default:
	}
}

func TestParentContextCancels(t *testing.T) {
	synth := &fakeSynth{hang: true}
	a, clk := newTestAnnouncer(synth)

	ctx, cancel := context.WithCancel(context.Background())
	res := announceAsync(a, ctx, queueCall(t))
	require.True(t, clk.BlockUntil(2, time.Second))

	cancel()
	r := <-res
	require.Equal(t, OutcomeCanceled, r.Outcome)
	require.Zero(t, synth.spokenCount(), "speech never started")
	require.Equal(t, 1, synth.stopCount())
}
