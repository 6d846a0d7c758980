package tone

import (
	"encoding/binary"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hammamikhairi/balcao/internal/audio"
	"github.com/hammamikhairi/balcao/internal/logger"
)

type fakeVoice struct {
	mu      sync.Mutex
	playing bool
	closed  bool
}

func (v *fakeVoice) Play() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.playing = true
}

func (v *fakeVoice) Pause() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.playing = false
}

func (v *fakeVoice) IsPlaying() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.playing
}

func (v *fakeVoice) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.closed = true
	return nil
}

func (v *fakeVoice) isClosed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.closed
}

func (v *fakeVoice) finish() {
	v.Pause()
}

type fakeOutput struct {
	mu     sync.Mutex
	voices []*fakeVoice
	err    error
}

func (o *fakeOutput) NewVoice(pcm []byte) (audio.Voice, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return nil, o.err
	}
	v := &fakeVoice{}
	o.voices = append(o.voices, v)
	return v, nil
}

func (o *fakeOutput) voice(i int) *fakeVoice {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.voices[i]
}

func TestSynthesizeLengthAndEnvelope(t *testing.T) {
	const rate = 24000
	pcm := Synthesize(rate)
	require.Len(t, pcm, int(rate*Duration.Seconds())*2)

	peak := func(from, to time.Duration) float64 {
		start := int(from.Seconds() * rate)
		end := int(to.Seconds() * rate)
		max := 0.0
		for i := start; i < end; i++ {
			s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
			if math.Abs(s) > max {
				max = math.Abs(s)
			}
		}
		return max / math.MaxInt16
	}

	head := peak(0, 50*time.Millisecond)
	tail := peak(1150*time.Millisecond, 1200*time.Millisecond)
	require.InDelta(t, StartGain, head, 0.02)
	require.Less(t, tail, 0.02)
	require.Less(t, tail, head)
}

func TestStepFrequencyAlternates(t *testing.T) {
	want := []float64{800, 1000, 800, 1000, 800, 1000}
	for i, f := range want {
		require.Equal(t, f, StepFrequency(i), "step %d", i)
	}
	require.Equal(t, HighHz, StepFrequency(9))
}

func TestGainBounds(t *testing.T) {
	require.Equal(t, StartGain, Gain(0))
	require.Equal(t, EndGain, Gain(Duration))
	require.InDelta(t, math.Sqrt(StartGain*EndGain), Gain(Duration/2), 1e-9)
}

func TestPlayClosesPreviousVoice(t *testing.T) {
	out := &fakeOutput{}
	g := New(out, logger.New(logger.LevelOff, nil), WithPollInterval(time.Millisecond))

	g.Play()
	require.True(t, g.Open())
	first := out.voice(0)
	require.True(t, first.IsPlaying())

	g.Play()
	require.True(t, first.isClosed(), "previous voice must be closed before a new one opens")
	second := out.voice(1)
	require.False(t, second.isClosed())

	g.Close()
	require.False(t, g.Open())
	require.True(t, second.isClosed())
}

func TestVoiceReleasedWhenPlaybackEnds(t *testing.T) {
	out := &fakeOutput{}
	g := New(out, logger.New(logger.LevelOff, nil), WithPollInterval(time.Millisecond))

	g.Play()
	out.voice(0).finish()

	require.Eventually(t, func() bool { return !g.Open() }, time.Second, time.Millisecond)
	require.True(t, out.voice(0).isClosed())
}

func TestPlaySwallowsOutputErrors(t *testing.T) {
	out := &fakeOutput{err: errors.New("no device")}
	g := New(out, logger.New(logger.LevelOff, nil))

	require.NotPanics(t, g.Play)
	require.False(t, g.Open())
}

func TestPlayWithoutOutput(t *testing.T) {
	g := New(nil, logger.New(logger.LevelOff, nil))
	require.NotPanics(t, g.Play)
	require.False(t, g.Open())
}

func TestDiscardOutput(t *testing.T) {
	g := New(audio.Discard{}, logger.New(logger.LevelOff, nil), WithPollInterval(time.Millisecond))
	g.Play()
	require.Eventually(t, func() bool { return !g.Open() }, time.Second, time.Millisecond)
}
