package cli

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/xela07ax/spaceai-verifier/internal/guardrail"
)

var errInvalidRules = errors.New("invalid guardrails file")

func newGuardrailCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "guardrail",
		Short: "Work with guardrail files",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate <file>",
		Short: "Parse and validate a guardrails YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, err := guardrail.ParseFile(args[0])
			if err != nil {
				return fmt.Errorf("%w: %v", errInvalidRules, err)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tORG\tTYPE\tACTION\tENABLED")
			for _, g := range rules {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\n", g.ID, g.OrgID, g.RuleType, g.Action, g.Enabled)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d guardrails OK\n", len(rules))
			return nil
		},
	})
	return cmd
}
