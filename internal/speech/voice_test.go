package speech

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hammamikhairi/balcao/internal/audio"
	"github.com/hammamikhairi/balcao/internal/logger"
)

// wav builds a minimal RIFF/WAVE file around pcm.
func wav(pcm []byte) []byte {
	var b bytes.Buffer
	b.WriteString("RIFF")
	binary.Write(&b, binary.LittleEndian, uint32(36+len(pcm)))
	b.WriteString("WAVE")
	b.WriteString("fmt ")
	binary.Write(&b, binary.LittleEndian, uint32(16))
	binary.Write(&b, binary.LittleEndian, uint16(1))     // PCM
	binary.Write(&b, binary.LittleEndian, uint16(1))     // mono
	binary.Write(&b, binary.LittleEndian, uint32(24000)) // rate
	binary.Write(&b, binary.LittleEndian, uint32(48000)) // byte rate
	binary.Write(&b, binary.LittleEndian, uint16(2))     // block align
	binary.Write(&b, binary.LittleEndian, uint16(16))    // bits
	b.WriteString("data")
	binary.Write(&b, binary.LittleEndian, uint32(len(pcm)))
	b.Write(pcm)
	return b.Bytes()
}

// scriptedVoice keeps playing until paused, unless instant is set, in
// which case playback ends as soon as it starts.
type scriptedVoice struct {
	mu      sync.Mutex
	pcm     []byte
	instant bool
	playing bool
	closed  bool
}

func (v *scriptedVoice) Play()  { v.set(!v.instant) }
func (v *scriptedVoice) Pause() { v.set(false) }
func (v *scriptedVoice) set(p bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.playing = p
}
func (v *scriptedVoice) IsPlaying() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.playing
}
func (v *scriptedVoice) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.closed = true
	return nil
}

type scriptedOutput struct {
	mu      sync.Mutex
	instant bool
	voices  []*scriptedVoice
}

func (o *scriptedOutput) NewVoice(pcm []byte) (audio.Voice, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	v := &scriptedVoice{pcm: pcm, instant: o.instant}
	o.voices = append(o.voices, v)
	return v, nil
}

func (o *scriptedOutput) last() *scriptedVoice {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.voices) == 0 {
		return nil
	}
	return o.voices[len(o.voices)-1]
}

func TestExtractPCM(t *testing.T) {
	pcm := []byte{1, 2, 3, 4}
	got, err := extractPCM(wav(pcm))
	require.NoError(t, err)
	require.Equal(t, pcm, got)

	_, err = extractPCM([]byte("short"))
	require.Error(t, err)

	bad := wav(pcm)
	copy(bad[0:4], "JUNK")
	_, err = extractPCM(bad)
	require.Error(t, err)
}

func TestPlayerStopInterrupts(t *testing.T) {
	out := &scriptedOutput{}
	p := NewPlayer(out, logger.New(logger.LevelOff, nil))

	done := make(chan error, 1)
	go func() { done <- p.Play(context.Background(), wav(make([]byte, 64))) }()

	require.Eventually(t, func() bool {
		v := out.last()
		return v != nil && v.IsPlaying()
	}, time.Second, time.Millisecond)

	p.Stop()
	require.ErrorIs(t, <-done, ErrInterrupted)
	require.True(t, out.last().closed)
}

func TestPlayerContextCancel(t *testing.T) {
	out := &scriptedOutput{}
	p := NewPlayer(out, logger.New(logger.LevelOff, nil))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- p.Play(ctx, wav(make([]byte, 64))) }()
	require.Eventually(t, func() bool { return out.last() != nil }, time.Second, time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestAzureSSMLAndHeaders(t *testing.T) {
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "secret", r.Header.Get("Ocp-Apim-Subscription-Key"))
		require.Equal(t, DefaultAudioFormat, r.Header.Get("X-Microsoft-OutputFormat"))
		raw, _ := io.ReadAll(r.Body)
		body = string(raw)
		w.Write(wav([]byte{0, 0}))
	}))
	defer srv.Close()

	c := NewAzureClient("secret", "brazilsouth", logger.New(logger.LevelOff, nil), WithEndpoint(srv.URL))
	data, err := c.Synthesize(context.Background(), NewUtterance("Ana & Bia, número 7, compareça ao balcão."))
	require.NoError(t, err)
	require.NotEmpty(t, data)

	require.Contains(t, body, "xml:lang='pt-BR'")
	require.Contains(t, body, "name='"+DefaultVoice+"'")
	require.Contains(t, body, "rate='-20%'")
	require.Contains(t, body, "pitch='+0%'")
	require.Contains(t, body, "volume='100'")
	require.Contains(t, body, "Ana &amp; Bia")
}

func TestAzureErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewAzureClient("k", "r", logger.New(logger.LevelOff, nil), WithEndpoint(srv.URL))
	_, err := c.Synthesize(context.Background(), NewUtterance("x"))
	require.ErrorContains(t, err, "429")
}

func TestAzureVoiceUsesCache(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write(wav([]byte{1, 0, 2, 0}))
	}))
	defer srv.Close()

	log := logger.New(logger.LevelOff, nil)
	client := NewAzureClient("k", "r", log, WithEndpoint(srv.URL))
	cache := NewAudioCache(client.Voice(), t.TempDir(), true, log)
	out := &scriptedOutput{instant: true}
	v := NewAzureVoice(client, cache, NewPlayer(out, log), log)

	u := NewUtterance("Maria Silva, número 42, compareça ao balcão.")
	require.NoError(t, v.Speak(context.Background(), u))
	require.NoError(t, v.Speak(context.Background(), u))
	require.EqualValues(t, 1, calls.Load())

	hits, misses := cache.Stats()
	require.EqualValues(t, 1, hits)
	require.EqualValues(t, 1, misses)
	require.Equal(t, []byte{1, 0, 2, 0}, out.last().pcm)
}

func TestAudioCacheDiskLayer(t *testing.T) {
	log := logger.New(logger.LevelOff, nil)
	dir := t.TempDir()
	u := NewUtterance("João, por favor, compareça ao balcão para o seu atendimento agendado.")

	NewAudioCache("v1", dir, true, log).Put(u, []byte("wav"))

	warm := NewAudioCache("v1", dir, false, log)
	got, ok := warm.Get(u)
	require.True(t, ok)
	require.Equal(t, []byte("wav"), got)
	require.Equal(t, 1, warm.Len())

	other := NewAudioCache("v2", dir, false, log)
	_, ok = other.Get(u)
	require.False(t, ok, "voice is part of the key")

	slower := u
	slower.Rate = 0.5
	_, ok = warm.Get(slower)
	require.False(t, ok, "prosody is part of the key")
}

func TestAzureVoiceSpeakJoinsPrefetch(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-release
		w.Write(wav([]byte{3, 0, 4, 0}))
	}))
	defer srv.Close()
	var once sync.Once
	unblock := func() { once.Do(func() { close(release) }) }
	defer unblock()

	log := logger.New(logger.LevelOff, nil)
	client := NewAzureClient("k", "r", log, WithEndpoint(srv.URL))
	out := &scriptedOutput{instant: true}
	v := NewAzureVoice(client, NewAudioCache(client.Voice(), "", false, log), NewPlayer(out, log), log)
	u := NewUtterance("Ana, número 7, compareça ao balcão.")

	v.Prefetch(context.Background(), u)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)

	spoke := make(chan error, 1)
	go func() { spoke <- v.Speak(context.Background(), u) }()

	// Speech waits on the synthesis already in flight.
	require.Never(t, func() bool { return calls.Load() > 1 }, 150*time.Millisecond, 5*time.Millisecond)
	unblock()

	select {
	case err := <-spoke:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Speak did not return")
	}
	require.EqualValues(t, 1, calls.Load())
	require.Equal(t, []byte{3, 0, 4, 0}, out.last().pcm)
}
