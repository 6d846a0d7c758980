package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hammamikhairi/balcao/internal/broadcast"
	"github.com/hammamikhairi/balcao/internal/display"
	"github.com/hammamikhairi/balcao/internal/domain"
	"github.com/hammamikhairi/balcao/internal/intake"
)

var (
	runNoSpeech bool
	runNoTUI    bool
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().BoolVar(&runNoSpeech, "no-speech", false, "disable text-to-speech even if Azure keys are set")
	runCmd.Flags().BoolVar(&runNoTUI, "no-tui", false, "run headless, without the terminal dashboard")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Listen for calls and announce them",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runDesk(ctx)
	},
}

func runDesk(ctx context.Context) error {
	cfg, log, closeLog, err := setup()
	if err != nil {
		return err
	}
	defer closeLog()
	if err := cfg.ValidateDesk(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	src, err := openSource(ctx, cfg, store, log)
	if err != nil {
		return err
	}
	defer src.close()

	out := openOutput(cfg, log)
	synth := newSynth(cfg, out, runNoSpeech, log)
	seq, gen := newSequencer(cfg, out, synth, log)
	defer gen.Close()
	defer seq.Cancel()

	adapter := intake.New(src.feed, seq, log.With("intake"),
		intake.WithDirectory(src.dir),
		intake.WithCallLog(store),
	)

	if cfg.Dashboard.Addr != "" {
		hub := broadcast.NewHub(log.With("broadcast"),
			broadcast.WithCallLog(store),
			broadcast.WithCancel(adapter.Cancel),
		)
		seq.AddListener(hub)
		go func() {
			if err := hub.Serve(ctx, cfg.Dashboard.Addr); err != nil {
				log.Error("dashboard server: %v", err)
			}
		}()
	}

	if runNoTUI || !cfg.Dashboard.TUI {
		seq.AddListener(domain.SnapshotFunc(func(s domain.Snapshot) {
			if s.Request != nil {
				log.Info("%s: %s", s.Phase, s.Request.SubjectName)
			}
		}))
		err := adapter.Run(ctx)
		if errors.Is(err, domain.ErrFeedClosed) {
			return fmt.Errorf("feed ended: %w", err)
		}
		return err
	}

	ui := display.NewUI(
		display.WithCancel(adapter.Cancel),
		display.WithHistory(store, 8),
	)
	seq.AddListener(ui)

	fmt.Println(display.RenderBanner(cfg.Desk))
	fmt.Println(display.BannerStyle.Render("  Listening for calls via " + cfg.Feed.Kind + ". Press x to cancel a call, q to quit."))
	fmt.Println()

	go func() {
		ui.WaitReady()
		if err := adapter.Run(ctx); err != nil {
			log.Error("intake: %v", err)
			ui.PrintUrgent("Call feed stopped: " + err.Error())
		}
	}()
	go func() {
		<-ctx.Done()
		ui.Quit()
	}()

	// Bubble Tea owns the terminal until quit.
	if err := ui.Run(); err != nil {
		return fmt.Errorf("display: %w", err)
	}
	return nil
}
