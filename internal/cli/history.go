package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newHistoryCmd(rt *runtime) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <job-id>",
		Short: "Show recorded lifecycle events for a job",
		Long: `Show lifecycle events recorded for a job, newest first. Events persist
across runs only when DATABASE_URL is set.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			events, err := rt.stack.Journal.History(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			if rt.asJSON {
				return writeJSON(rt, events)
			}
			if len(events) == 0 {
				fmt.Fprintln(rt.opts.Out, "No events recorded")
				return nil
			}
			for _, ev := range events {
				change := string(ev.To)
				if ev.From != "" {
					change = fmt.Sprintf("%s -> %s", ev.From, ev.To)
				}
				fmt.Fprintf(rt.opts.Out, "%s  %-16s %-22s %s\n", ev.At.Local().Format(time.DateTime), ev.Type, change, ev.Detail)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of events")
	return cmd
}
