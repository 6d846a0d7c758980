// Balcao announces front-desk calls: an attention tone, then the citizen's
// name spoken in Portuguese, then a short hold before the next call.
//
// Usage:
//
//	balcao run [--no-speech] [--no-tui]
//	balcao announce --name "Maria Silva" --number 42
//	balcao call --queue ID
//	balcao history
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/hammamikhairi/balcao/internal/config"
	"github.com/hammamikhairi/balcao/internal/logger"
)

var (
	configPath string
	verbose    bool
	quiet      bool
	logFile    string
)

var rootCmd = &cobra.Command{
	Use:           "balcao",
	Short:         "Front-desk call announcer",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ./balcao.yaml if present)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "disable all logging")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "file to write logs to (\"stderr\" logs to the console)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// setup loads the configuration and builds the logger. The returned
// closer releases the log file, if one was opened.
func setup() (config.Config, *logger.Logger, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, nil, nil, err
	}

	level := logger.ParseLevel(cfg.Log.Level)
	if verbose {
		level = logger.LevelVerbose
	}
	if quiet {
		level = logger.LevelOff
	}
	if logFile != "" {
		cfg.Log.File = logFile
	}

	// Logs go to a file by default so the dashboard stays clean.
	var out io.Writer = os.Stderr
	closer := func() {}
	if cfg.Log.File != "" && cfg.Log.File != "stderr" {
		if dir := filepath.Dir(cfg.Log.File); dir != "" && dir != "." {
			_ = os.MkdirAll(dir, 0o755)
		}
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: could not open log file %s: %v (falling back to stderr)\n", cfg.Log.File, err)
		} else {
			out = f
			closer = func() { f.Close() }
		}
	}

	if cfg.Log.JSON {
		return cfg, logger.NewJSON(level, out), closer, nil
	}
	return cfg, logger.New(level, out), closer, nil
}
