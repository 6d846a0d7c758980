package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hammamikhairi/balcao/internal/domain"
	"github.com/hammamikhairi/balcao/internal/tone"
)

var (
	announceName        string
	announceNumber      int
	announceService     string
	announceAppointment bool
	announcePriority    bool
	announceNoSpeech    bool
)

func init() {
	rootCmd.AddCommand(announceCmd)
	rootCmd.AddCommand(toneCmd)

	announceCmd.Flags().StringVar(&announceName, "name", "", "citizen name (required)")
	announceCmd.Flags().IntVar(&announceNumber, "number", 0, "queue ticket number")
	announceCmd.Flags().StringVar(&announceService, "service", "", "service label shown on the dashboard")
	announceCmd.Flags().BoolVar(&announceAppointment, "appointment", false, "announce a scheduled appointment instead of a ticket")
	announceCmd.Flags().BoolVar(&announcePriority, "priority", false, "mark the call as priority")
	announceCmd.Flags().BoolVar(&announceNoSpeech, "no-speech", false, "play the tone and log the sentence only")
	_ = announceCmd.MarkFlagRequired("name")
}

var announceCmd = &cobra.Command{
	Use:   "announce",
	Short: "Run a single call through the tone and voice",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var (
			req domain.CallRequest
			err error
		)
		if announceAppointment {
			req, err = domain.NewAppointmentCall(announceName, announceService, announcePriority)
		} else {
			req, err = domain.NewQueueCall(announceName, announceNumber, announceService, announcePriority)
		}
		if err != nil {
			return err
		}
		return announceOnce(ctx, req)
	},
}

func announceOnce(ctx context.Context, req domain.CallRequest) error {
	cfg, log, closeLog, err := setup()
	if err != nil {
		return err
	}
	defer closeLog()

	out := openOutput(cfg, log)
	synth := newSynth(cfg, out, announceNoSpeech, log)
	printer := domain.SnapshotFunc(func(s domain.Snapshot) {
		fmt.Printf("%-8s %s\n", s.Phase, time.Now().Format("15:04:05.000"))
	})
	seq, gen := newSequencer(cfg, out, synth, log, printer)
	defer gen.Close()

	done := make(chan domain.CallRequest, 1)
	if err := seq.Start(req, func(r domain.CallRequest) { done <- r }); err != nil {
		return err
	}

	select {
	case r := <-done:
		recordCall(ctx, cfg, log, r)
		return nil
	case <-ctx.Done():
		seq.Cancel()
		return errors.New("announcement cancelled")
	}
}

var toneCmd = &cobra.Command{
	Use:   "tone",
	Short: "Play the attention chime once",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, closeLog, err := setup()
		if err != nil {
			return err
		}
		defer closeLog()

		gen := tone.New(openOutput(cfg, log), log)
		defer gen.Close()
		gen.Play()

		select {
		case <-time.After(tone.Duration + 100*time.Millisecond):
		case <-cmd.Context().Done():
		}
		return nil
	},
}
