package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hammamikhairi/balcao/internal/config"
	"github.com/hammamikhairi/balcao/internal/domain"
	"github.com/hammamikhairi/balcao/internal/logger"
)

var (
	callQueueID       string
	callAppointmentID string
	historyLimit      int
)

func init() {
	rootCmd.AddCommand(callCmd)
	rootCmd.AddCommand(historyCmd)

	callCmd.Flags().StringVar(&callQueueID, "queue", "", "queue entry ID to call")
	callCmd.Flags().StringVar(&callAppointmentID, "appointment", "", "appointment ID to call")
	callCmd.MarkFlagsMutuallyExclusive("queue", "appointment")
	callCmd.MarkFlagsOneRequired("queue", "appointment")

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of calls to show (0 for all)")
}

var callCmd = &cobra.Command{
	Use:   "call",
	Short: "Mark a local record as calling",
	Long:  "Flip a queue entry or appointment in the local store to \"calling\". A running desk with the poll feed picks it up.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, closeLog, err := setup()
		if err != nil {
			return err
		}
		defer closeLog()

		store, err := openStore(cmd.Context(), cfg, log)
		if err != nil {
			return err
		}
		defer store.Close()

		resource, id := domain.ResourceQueue, callQueueID
		if callAppointmentID != "" {
			resource, id = domain.ResourceAppointments, callAppointmentID
		}
		if err := store.SetStatus(cmd.Context(), resource, id, domain.StatusCalling); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return fmt.Errorf("no %s record with id %q", resource, id)
			}
			return err
		}
		fmt.Printf("%s %s is now calling\n", resource, id)
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recently completed calls",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, closeLog, err := setup()
		if err != nil {
			return err
		}
		defer closeLog()

		store, err := openStore(cmd.Context(), cfg, log)
		if err != nil {
			return err
		}
		defer store.Close()

		calls, err := store.ListCalls(cmd.Context(), historyLimit)
		if err != nil {
			return err
		}
		if len(calls) == 0 {
			fmt.Println("no calls recorded yet")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tKIND\tNAME\tNUMBER\tSERVICE\tPRIORITY")
		for _, c := range calls {
			number := "-"
			if c.Kind == domain.KindQueue {
				number = fmt.Sprint(c.SequenceNumber)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%v\n",
				c.CompletedAt.Local().Format("2006-01-02 15:04:05"),
				c.Kind, c.SubjectName, number, c.ServiceLabel, c.Priority)
		}
		return w.Flush()
	},
}

// recordCall adds a one-off announcement to the local history. Failures
// are logged only; the call itself already happened.
func recordCall(ctx context.Context, cfg config.Config, log *logger.Logger, req domain.CallRequest) {
	store, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Warn("history unavailable: %v", err)
		return
	}
	defer store.Close()
	if err := store.Record(ctx, domain.RecordOf(req, time.Now())); err != nil {
		log.Warn("recording call: %v", err)
	}
}
