package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/xela07ax/spaceai-verifier/internal/domain"
	"github.com/xela07ax/spaceai-verifier/internal/repository/sqlite"
)

func newHistoryCommand(g *globalOptions) *cobra.Command {
	var f domain.ExecutionFilter
	var action string

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent executions from the local database",
		RunE: func(cmd *cobra.Command, _ []string) error {
			f.OrgID = g.org
			f.Action = domain.Action(action)
			if action != "" && !f.Action.Valid() {
				return fmt.Errorf("unknown action %q", action)
			}

			logger := g.logger()
			store, err := sqlite.Open(g.dbPath, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			execs, err := store.ListExecutions(cmd.Context(), f)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tAGENT\tSESSION\tACTION\tCONFIDENCE\tCORRECTED\tTIME")
			for _, e := range execs {
				conf := "-"
				if e.Confidence != nil {
					conf = fmt.Sprintf("%.2f", *e.Confidence)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%t\t%s\n",
					e.ID, e.AgentID, e.SessionID, e.Action, conf, e.Corrected, e.Timestamp.Format("2006-01-02 15:04:05"))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&f.AgentID, "agent", "", "filter by agent")
	cmd.Flags().StringVar(&f.SessionID, "session", "", "filter by session")
	cmd.Flags().StringVar(&action, "action", "", "filter by action (pass, flag, block)")
	cmd.Flags().IntVar(&f.Limit, "limit", 20, "max rows")
	return cmd
}
