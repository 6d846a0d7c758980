// Package audio owns the process-wide playback device. oto allows a single
// context per process, so the tone generator and the speech player both
// draw their voices from the Output returned by Open.
package audio

import (
	"bytes"
	"errors"
	"sync"

	"github.com/ebitengine/oto/v3"

	"github.com/hammamikhairi/balcao/internal/logger"
)

// Audio parameters shared by every voice. They match the Azure
// riff-24khz-16bit-mono-pcm output format.
const (
	SampleRate   = 24000
	ChannelCount = 1
	BitDepth     = 16
)

// ErrUnavailable is returned when no playback device could be opened.
var ErrUnavailable = errors.New("audio output unavailable")

// Voice is one playing PCM stream. *oto.Player satisfies it.
type Voice interface {
	Play()
	Pause()
	IsPlaying() bool
	Close() error
}

// Output hands out voices for raw signed 16-bit little-endian PCM.
type Output interface {
	NewVoice(pcm []byte) (Voice, error)
}

// OtoOutput plays through the system audio device.
type OtoOutput struct {
	ctx *oto.Context
}

var (
	openOnce sync.Once
	shared   *OtoOutput
	openErr  error
)

// Open initializes the system audio context on first use and returns the
// shared output. Later calls return the same output (or the same error).
func Open(log *logger.Logger) (*OtoOutput, error) {
	openOnce.Do(func() {
		op := &oto.NewContextOptions{
			SampleRate:   SampleRate,
			ChannelCount: ChannelCount,
			Format:       oto.FormatSignedInt16LE,
		}
		ctx, ready, err := oto.NewContext(op)
		if err != nil {
			openErr = errors.Join(ErrUnavailable, err)
			return
		}
		<-ready
		shared = &OtoOutput{ctx: ctx}
		log.Debug("audio output initialized (rate=%d, channels=%d)", SampleRate, ChannelCount)
	})
	return shared, openErr
}

// NewVoice creates a paused player for pcm.
func (o *OtoOutput) NewVoice(pcm []byte) (Voice, error) {
	if o == nil || o.ctx == nil {
		return nil, ErrUnavailable
	}
	return o.ctx.NewPlayer(bytes.NewReader(pcm)), nil
}

// Discard is an Output that plays nothing. Used when audio is disabled.
type Discard struct{}

// NewVoice returns a voice that is never playing.
func (Discard) NewVoice(pcm []byte) (Voice, error) { return silentVoice{}, nil }

type silentVoice struct{}

func (silentVoice) Play()           {}
func (silentVoice) Pause()          {}
func (silentVoice) IsPlaying() bool { return false }
func (silentVoice) Close() error    { return nil }
