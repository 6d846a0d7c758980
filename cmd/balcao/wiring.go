package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hammamikhairi/balcao/internal/audio"
	"github.com/hammamikhairi/balcao/internal/config"
	"github.com/hammamikhairi/balcao/internal/domain"
	"github.com/hammamikhairi/balcao/internal/feed"
	"github.com/hammamikhairi/balcao/internal/logger"
	"github.com/hammamikhairi/balcao/internal/sequencer"
	"github.com/hammamikhairi/balcao/internal/speech"
	"github.com/hammamikhairi/balcao/internal/storage"
	"github.com/hammamikhairi/balcao/internal/tone"
)

// openOutput returns the system audio output, or a silent one when audio
// is disabled or the device can't be opened.
func openOutput(cfg config.Config, log *logger.Logger) audio.Output {
	if !cfg.Audio.Enabled {
		log.Info("audio disabled by config")
		return audio.Discard{}
	}
	out, err := audio.Open(log)
	if err != nil {
		log.Error("audio output unavailable, running silent: %v", err)
		return audio.Discard{}
	}
	return out
}

// newSynth picks the speech backend. A nil Synth makes every announcement
// report Unavailable while the schedule carries on.
func newSynth(cfg config.Config, out audio.Output, noSpeech bool, log *logger.Logger) speech.Synth {
	if noSpeech || !cfg.Speech.Enabled {
		log.Info("speech disabled, announcements are logged only")
		return speech.NewNoOp(log)
	}
	if !cfg.Speech.Configured() {
		log.Info("TTS unavailable: set %s and %s to enable", speech.EnvAzureSpeechKey, speech.EnvAzureSpeechRegion)
		return nil
	}
	tts := speech.NewAzureClient(cfg.Speech.AzureKey, cfg.Speech.AzureRegion, log, speech.WithVoice(cfg.Speech.Voice))
	cache := speech.NewAudioCache(tts.Voice(), cfg.Speech.CacheDir, cfg.Speech.DiskCache, log)
	log.Info("TTS enabled (voice=%s, region=%s)", tts.Voice(), cfg.Speech.AzureRegion)
	return speech.NewAzureVoice(tts, cache, speech.NewPlayer(out, log), log)
}

// newSequencer builds the tone, announcer and sequencer on top of out.
func newSequencer(cfg config.Config, out audio.Output, synth speech.Synth, log *logger.Logger, listeners ...domain.SnapshotListener) (*sequencer.Sequencer, *tone.Generator) {
	gen := tone.New(out, log.With("tone"))
	ann := speech.NewAnnouncer(synth, log.With("speech"),
		speech.WithPreDelay(cfg.Speech.PreDelay),
		speech.WithTimeout(cfg.Speech.Timeout),
	)
	opts := []sequencer.Option{sequencer.WithTimings(sequencer.Timings{
		BellHold:       cfg.Sequencer.BellHold,
		PostSpeechHold: cfg.Sequencer.PostSpeechHold,
		ClosingHold:    cfg.Sequencer.ClosingHold,
	})}
	for _, l := range listeners {
		opts = append(opts, sequencer.WithListener(l))
	}
	return sequencer.New(gen, ann, log.With("sequencer"), opts...), gen
}

// openStore opens the local SQLite store, creating its directory.
func openStore(ctx context.Context, cfg config.Config, log *logger.Logger) (*storage.SQLiteStore, error) {
	if dir := filepath.Dir(cfg.Store.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating store dir: %w", err)
		}
	}
	return storage.OpenSQLite(ctx, cfg.Store.Path, log.With("store"))
}

// source bundles the change feed and the directory that goes with it.
type source struct {
	feed  domain.ChangeFeed
	dir   domain.ServiceDirectory
	close func()
}

// openSource connects the feed named by cfg.Feed.Kind. The local store
// answers service lookups unless a remote database is configured.
func openSource(ctx context.Context, cfg config.Config, store *storage.SQLiteStore, log *logger.Logger) (source, error) {
	flog := log.With("feed")
	src := source{dir: store, close: func() {}}

	var pool *pgxpool.Pool
	if cfg.Feed.DatabaseURL != "" {
		p, err := pgxpool.New(ctx, cfg.Feed.DatabaseURL)
		if err != nil {
			return source{}, fmt.Errorf("connecting to database: %w", err)
		}
		pool = p
		src.dir = storage.NewPGDirectory(pool, log.With("directory"))
		src.close = pool.Close
	}

	switch cfg.Feed.Kind {
	case config.FeedMemory:
		mem := feed.NewMemory(flog, 16)
		src.feed = mem
		prev := src.close
		src.close = func() { mem.Close(); prev() }
	case config.FeedPoll:
		src.feed = feed.NewPoller(store, flog, feed.WithPollInterval(cfg.Feed.PollInterval))
	case config.FeedRealtime:
		rt, err := feed.NewRealtime(cfg.Feed.SupabaseURL, cfg.Feed.SupabaseKey, flog, feed.WithSchema(cfg.Feed.Schema))
		if err != nil {
			src.close()
			return source{}, err
		}
		src.feed = rt
	case config.FeedPGNotify:
		src.feed = feed.NewPGNotify(pool, cfg.Feed.PGChannel, flog)
	default:
		src.close()
		return source{}, fmt.Errorf("unknown feed kind %q", cfg.Feed.Kind)
	}
	log.Info("feed: %s", cfg.Feed.Kind)
	return src, nil
}
