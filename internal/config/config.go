// Package config loads balcao settings from defaults, an optional YAML
// file and the environment.
//
// Every key can be overridden with a BALCAO_ variable, dots becoming
// underscores (BALCAO_FEED_KIND, BALCAO_SEQUENCER_BELL_HOLD). Credentials
// keep their conventional names (AZURE_SPEECH_KEY, SUPABASE_URL, ...).
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Feed kinds.
const (
	FeedMemory   = "memory"
	FeedPoll     = "poll"
	FeedRealtime = "realtime"
	FeedPGNotify = "pgnotify"
)

// Config is the full runtime configuration.
type Config struct {
	Desk      string          `mapstructure:"desk"`
	Log       LogConfig       `mapstructure:"log"`
	Audio     AudioConfig     `mapstructure:"audio"`
	Speech    SpeechConfig    `mapstructure:"speech"`
	Sequencer SequencerConfig `mapstructure:"sequencer"`
	Feed      FeedConfig      `mapstructure:"feed"`
	Store     StoreConfig     `mapstructure:"store"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"` // "stderr" logs to the console
	JSON  bool   `mapstructure:"json"`
}

type AudioConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type SpeechConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Voice       string        `mapstructure:"voice"`
	CacheDir    string        `mapstructure:"cache_dir"`
	DiskCache   bool          `mapstructure:"disk_cache"`
	PreDelay    time.Duration `mapstructure:"pre_delay"`
	Timeout     time.Duration `mapstructure:"timeout"`
	AzureKey    string        `mapstructure:"azure_key"`
	AzureRegion string        `mapstructure:"azure_region"`
}

// Configured reports whether Azure credentials are present.
func (s SpeechConfig) Configured() bool {
	return s.AzureKey != "" && s.AzureRegion != ""
}

type SequencerConfig struct {
	BellHold       time.Duration `mapstructure:"bell_hold"`
	PostSpeechHold time.Duration `mapstructure:"post_speech_hold"`
	ClosingHold    time.Duration `mapstructure:"closing_hold"`
}

type FeedConfig struct {
	Kind         string        `mapstructure:"kind"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Schema       string        `mapstructure:"schema"`
	PGChannel    string        `mapstructure:"pg_channel"`
	SupabaseURL  string        `mapstructure:"supabase_url"`
	SupabaseKey  string        `mapstructure:"supabase_key"`
	DatabaseURL  string        `mapstructure:"database_url"`
}

type StoreConfig struct {
	Path string `mapstructure:"path"`
}

type DashboardConfig struct {
	Addr string `mapstructure:"addr"` // empty disables the websocket hub
	TUI  bool   `mapstructure:"tui"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("desk", "Balcão")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", ".balcao/balcao.log")
	v.SetDefault("log.json", false)
	v.SetDefault("audio.enabled", true)
	v.SetDefault("speech.enabled", true)
	v.SetDefault("speech.voice", "pt-BR-FranciscaNeural")
	v.SetDefault("speech.cache_dir", ".balcao/tts-cache")
	v.SetDefault("speech.disk_cache", true)
	v.SetDefault("speech.pre_delay", 200*time.Millisecond)
	v.SetDefault("speech.timeout", 6*time.Second)
	v.SetDefault("sequencer.bell_hold", 2000*time.Millisecond)
	v.SetDefault("sequencer.post_speech_hold", 1000*time.Millisecond)
	v.SetDefault("sequencer.closing_hold", 1000*time.Millisecond)
	v.SetDefault("feed.kind", FeedPoll)
	v.SetDefault("feed.poll_interval", time.Second)
	v.SetDefault("feed.schema", "public")
	v.SetDefault("feed.pg_channel", "balcao_changes")
	v.SetDefault("store.path", ".balcao/balcao.db")
	v.SetDefault("dashboard.addr", "127.0.0.1:8088")
	v.SetDefault("dashboard.tui", true)
}

// secrets maps config keys to their conventional environment names.
var secrets = map[string]string{
	"speech.azure_key":    "AZURE_SPEECH_KEY",
	"speech.azure_region": "AZURE_SPEECH_REGION",
	"feed.supabase_url":   "SUPABASE_URL",
	"feed.supabase_key":   "SUPABASE_ANON_KEY",
	"feed.database_url":   "DATABASE_URL",
}

// Load reads the configuration. path may be empty, in which case only
// balcao.yaml in the working directory is tried. A .env file, if any, is
// loaded into the environment first without overriding existing values.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("BALCAO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range secrets {
		if err := v.BindEnv(key, "BALCAO_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return Config{}, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("balcao")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ValidateDesk adds the checks for a long-running desk: the feed must have
// an outside publisher, which the in-process memory feed never has.
func (c Config) ValidateDesk() error {
	if c.Feed.Kind == FeedMemory {
		return fmt.Errorf("config: the memory feed has no publisher; use %s, %s or %s", FeedPoll, FeedRealtime, FeedPGNotify)
	}
	return nil
}

// Validate checks that the chosen feed has what it needs.
func (c Config) Validate() error {
	switch c.Feed.Kind {
	case FeedMemory, FeedPoll:
	case FeedRealtime:
		if c.Feed.SupabaseURL == "" || c.Feed.SupabaseKey == "" {
			return fmt.Errorf("config: realtime feed needs SUPABASE_URL and SUPABASE_ANON_KEY")
		}
	case FeedPGNotify:
		if c.Feed.DatabaseURL == "" {
			return fmt.Errorf("config: pgnotify feed needs DATABASE_URL")
		}
	default:
		return fmt.Errorf("config: unknown feed kind %q", c.Feed.Kind)
	}
	for name, d := range map[string]time.Duration{
		"sequencer.bell_hold":        c.Sequencer.BellHold,
		"sequencer.post_speech_hold": c.Sequencer.PostSpeechHold,
		"sequencer.closing_hold":     c.Sequencer.ClosingHold,
		"speech.pre_delay":           c.Speech.PreDelay,
	} {
		if d < 0 {
			return fmt.Errorf("config: %s must not be negative", name)
		}
	}
	if c.Speech.Timeout <= 0 {
		return fmt.Errorf("config: speech.timeout must be positive")
	}
	return nil
}
