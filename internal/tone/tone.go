// Package tone synthesizes and plays the attention chime that precedes
// every spoken call.
package tone

import (
	"encoding/binary"
	"math"
	"sync"
	"time"

	"github.com/hammamikhairi/balcao/internal/audio"
	"github.com/hammamikhairi/balcao/internal/logger"
)

// Chime shape: six equal steps alternating between two pitches over the
// sweep window, under a gain that decays exponentially over the whole tone.
const (
	LowHz         = 800.0
	HighHz        = 1000.0
	Steps         = 6
	SweepDuration = 900 * time.Millisecond
	Duration      = 1200 * time.Millisecond
	StartGain     = 0.3
	EndGain       = 0.01
)

// StepFrequency returns the pitch of step i (0-based). Steps beyond the
// sweep keep the last pitch.
func StepFrequency(i int) float64 {
	if i >= Steps {
		i = Steps - 1
	}
	if i%2 == 0 {
		return LowHz
	}
	return HighHz
}

// Gain returns the envelope value at offset t.
func Gain(t time.Duration) float64 {
	if t <= 0 {
		return StartGain
	}
	if t >= Duration {
		return EndGain
	}
	frac := float64(t) / float64(Duration)
	return StartGain * math.Pow(EndGain/StartGain, frac)
}

// Synthesize renders the chime as signed 16-bit little-endian mono PCM.
func Synthesize(sampleRate int) []byte {
	total := int(float64(sampleRate) * Duration.Seconds())
	stepLen := float64(sampleRate) * SweepDuration.Seconds() / Steps
	buf := make([]byte, total*2)

	// Phase is accumulated so pitch changes don't click.
	phase := 0.0
	for i := 0; i < total; i++ {
		freq := StepFrequency(int(float64(i) / stepLen))
		t := time.Duration(float64(i) / float64(sampleRate) * float64(time.Second))
		s := math.Sin(phase) * Gain(t)
		phase += 2 * math.Pi * freq / float64(sampleRate)
		if phase > 2*math.Pi {
			phase -= 2 * math.Pi
		}
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(int16(s*math.MaxInt16)))
	}
	return buf
}

// Option configures the Generator.
type Option func(*Generator)

// WithPollInterval sets how often a playing voice is checked for completion.
func WithPollInterval(d time.Duration) Option {
	return func(g *Generator) {
		g.poll = d
	}
}

// Generator plays the chime. At most one voice is open at a time: a new
// Play closes whatever the previous one left open. Failures are logged and
// swallowed; the chime is never required for a call to proceed.
type Generator struct {
	out  audio.Output
	pcm  []byte
	log  *logger.Logger
	poll time.Duration

	mu   sync.Mutex
	open audio.Voice
}

// New creates a generator drawing voices from out. The chime is rendered
// once up front.
func New(out audio.Output, log *logger.Logger, opts ...Option) *Generator {
	g := &Generator{
		out:  out,
		pcm:  Synthesize(audio.SampleRate),
		log:  log,
		poll: 10 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Play starts the chime and returns immediately.
func (g *Generator) Play() {
	defer func() {
		if r := recover(); r != nil {
			g.log.Warn("tone: playback panicked: %v", r)
		}
	}()

	g.mu.Lock()
	defer g.mu.Unlock()

	g.closeLocked()

	if g.out == nil {
		g.log.Debug("tone: no audio output, skipping chime")
		return
	}
	v, err := g.out.NewVoice(g.pcm)
	if err != nil {
		g.log.Warn("tone: acquiring voice failed: %v", err)
		return
	}
	v.Play()
	g.open = v
	g.log.Debug("tone: chime started (%d bytes)", len(g.pcm))

	go g.reap(v)
}

// reap closes v once it stops playing, unless it was already replaced.
func (g *Generator) reap(v audio.Voice) {
	for v.IsPlaying() {
		time.Sleep(g.poll)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.open == v {
		g.closeLocked()
	}
}

// Close releases the open voice, if any. Safe to call at any time.
func (g *Generator) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closeLocked()
}

// Open reports whether a voice is currently held.
func (g *Generator) Open() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open != nil
}

func (g *Generator) closeLocked() {
	if g.open == nil {
		return
	}
	v := g.open
	g.open = nil
	v.Pause()
	if err := v.Close(); err != nil {
		g.log.Debug("tone: closing voice: %v", err)
	}
}
