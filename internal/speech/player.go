package speech

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/hammamikhairi/balcao/internal/audio"
	"github.com/hammamikhairi/balcao/internal/logger"
)

// ErrInterrupted is returned by Play when Stop or ctx cut playback short.
var ErrInterrupted = errors.New("playback interrupted")

// Player plays synthesized WAV data on the shared audio output.
type Player struct {
	out  audio.Output
	log  *logger.Logger
	poll time.Duration

	mu      sync.Mutex
	active  audio.Voice // currently playing, nil when idle
	stopped bool
}

// NewPlayer creates a player on out.
func NewPlayer(out audio.Output, log *logger.Logger) *Player {
	return &Player{out: out, log: log, poll: 10 * time.Millisecond}
}

// Play plays WAV audio synchronously. It blocks until playback finishes,
// Stop is called, or ctx is cancelled.
func (p *Player) Play(ctx context.Context, wavData []byte) error {
	pcm, err := extractPCM(wavData)
	if err != nil {
		return err
	}

	voice, err := p.out.NewVoice(pcm)
	if err != nil {
		return err
	}
	defer voice.Close()

	p.mu.Lock()
	p.active = voice
	p.stopped = false
	p.mu.Unlock()

	voice.Play()
	p.log.Debug("audio player: playing %d bytes of PCM", len(pcm))

	defer func() {
		p.mu.Lock()
		if p.active == voice {
			p.active = nil
		}
		p.mu.Unlock()
	}()

	for voice.IsPlaying() {
		select {
		case <-ctx.Done():
			voice.Pause()
			return ctx.Err()
		case <-time.After(p.poll):
		}
	}

	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if stopped {
		return ErrInterrupted
	}
	return nil
}

// Stop interrupts the currently playing audio, if any. Safe to call
// concurrently and when nothing is playing.
func (p *Player) Stop() {
	p.mu.Lock()
	active := p.active
	if active != nil {
		p.stopped = true
	}
	p.mu.Unlock()

	if active != nil {
		active.Pause()
		p.log.Debug("audio player: interrupted")
	}
}

// extractPCM strips the WAV/RIFF header and returns raw PCM data.
func extractPCM(wav []byte) ([]byte, error) {
	if len(wav) < 44 {
		return nil, errors.New("wav data too short")
	}

	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return nil, errors.New("not a valid WAV file")
	}

	// Walk chunks to find the "data" chunk.
	pos := 12
	for pos < len(wav)-8 {
		chunkID := string(wav[pos : pos+4])
		chunkSize := int(binary.LittleEndian.Uint32(wav[pos+4 : pos+8]))

		if chunkID == "data" {
			start := pos + 8
			end := start + chunkSize
			if end > len(wav) {
				end = len(wav)
			}
			return wav[start:end], nil
		}

		pos += 8 + chunkSize
		// Chunks are word-aligned.
		if chunkSize%2 != 0 {
			pos++
		}
	}

	return nil, errors.New("data chunk not found in WAV")
}
