package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/mbd888/txguard/internal/recommendation"
	"github.com/spf13/cobra"
)

func newRulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "List the rules of a rule set in evaluation order",
		Args:  cobra.NoArgs,
		RunE:  runRules,
	}
	cmd.Flags().String("rule-set", recommendation.RuleSetV2, "Rule set version")
	return cmd
}

func runRules(cmd *cobra.Command, _ []string) error {
	version, _ := cmd.Flags().GetString("rule-set")

	rs, err := recommendation.LookupRuleSet(version)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Rule set %s\n\n", rs.Version)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for i, r := range rs.Describe() {
		fmt.Fprintf(tw, "%d.\t%s\t%s\n", i+1, r.ID, r.Description)
	}
	return tw.Flush()
}
