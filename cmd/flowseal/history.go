package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newHistoryCommand(a *app) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent workflow runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := a.historyStore()
			if err != nil {
				return err
			}
			if h == nil {
				return fmt.Errorf("run history is disabled (history.enabled in %s)", a.settingsPath())
			}

			runs, err := h.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Fprintln(a.out, "No runs recorded")
				return nil
			}

			fmt.Fprintln(a.out, dimStyle.Render(fmt.Sprintf("%-20s %-12s %-5s %-24s %-8s %10s  %s",
				"STARTED", "KIND", "LOOP", "RUN ID", "ATTEMPTS", "DURATION", "STATUS")))
			for _, r := range runs {
				loop := "-"
				if r.Loop > 0 {
					loop = fmt.Sprint(r.Loop)
				}
				line := fmt.Sprintf("%-20s %-12s %-5s %-24s %-8d %10s  %s",
					r.StartedAt.Local().Format("2006-01-02 15:04:05"),
					r.Kind, loop, r.RunID, r.Attempts, r.Duration.Round(time.Second), statusStyle(r.Status).Render(string(r.Status)))
				if r.Error != "" {
					line += " " + dimStyle.Render(r.Error)
				}
				fmt.Fprintln(a.out, line)
			}

			fmt.Fprintf(a.out, "\nTotal: %d runs\n", len(runs))
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs to show (0 shows all)")
	return cmd
}
