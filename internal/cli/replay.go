package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/mbd888/txguard/internal/antifraud"
	"github.com/mbd888/txguard/internal/recommendation"
	"github.com/mbd888/txguard/internal/transactions"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Fixture is a replayable sequence of transactions. Entries are scored in
// file order against everything recorded before them, as live traffic would
// be.
type Fixture struct {
	RuleSet      string         `yaml:"rule_set"`
	Transactions []FixtureEntry `yaml:"transactions"`
}

// FixtureEntry is one transaction plus what should happen to it.
type FixtureEntry struct {
	antifraud.TransactionInput `yaml:",inline"`

	// Chargeback flags the transaction right after it is scored.
	Chargeback bool `yaml:"chargeback"`
	// Expect, when set, is checked against the recommendation.
	Expect transactions.Recommendation `yaml:"expect"`
}

// ReplayResult is the outcome for one fixture entry.
type ReplayResult struct {
	ID             int64                       `json:"transaction_id"`
	UserID         int64                       `json:"user_id"`
	Recommendation transactions.Recommendation `json:"recommendation"`
	Violations     []string                    `json:"violations"`
	Chargeback     bool                        `json:"has_cbk"`
	Expected       transactions.Recommendation `json:"expected,omitempty"`
	Mismatch       bool                        `json:"mismatch,omitempty"`
}

// LoadFixture parses a YAML fixture.
func LoadFixture(r io.Reader) (*Fixture, error) {
	var f Fixture
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse fixture: %w", err)
	}
	for i, e := range f.Transactions {
		switch e.Expect {
		case transactions.RecommendationUnset, transactions.RecommendationApprove, transactions.RecommendationDeny:
		default:
			return nil, fmt.Errorf("entry %d: expect must be approve or deny, got %q", i, e.Expect)
		}
	}
	return &f, nil
}

// Replay scores every entry of f with a fresh in-memory store. A non-empty
// ruleSet overrides the fixture's.
func Replay(ctx context.Context, f *Fixture, ruleSet string) ([]ReplayResult, error) {
	if ruleSet == "" {
		ruleSet = f.RuleSet
	}
	rs, err := recommendation.LookupRuleSet(ruleSet)
	if err != nil {
		return nil, err
	}

	store := transactions.NewMemoryStore()
	engine := recommendation.NewEngine(recommendation.NewStoreProvider(store), recommendation.WithRuleSet(rs))
	svc := antifraud.NewService(store, engine)

	results := make([]ReplayResult, 0, len(f.Transactions))
	for _, e := range f.Transactions {
		tx, err := svc.Create(ctx, e.TransactionInput)
		if err != nil {
			return results, fmt.Errorf("transaction %d: %w", e.ID, err)
		}
		if e.Chargeback {
			if tx, err = svc.Chargeback(ctx, tx.ID, antifraud.SourceReplay); err != nil {
				return results, fmt.Errorf("transaction %d: chargeback: %w", e.ID, err)
			}
		}

		res := ReplayResult{
			ID:             tx.ID,
			UserID:         tx.UserID,
			Recommendation: tx.Recommendation,
			Violations:     tx.Violations,
			Chargeback:     tx.Chargeback,
			Expected:       e.Expect,
		}
		if res.Violations == nil {
			res.Violations = []string{}
		}
		res.Mismatch = e.Expect != transactions.RecommendationUnset && e.Expect != tx.Recommendation
		results = append(results, res)
	}
	return results, nil
}

func newReplayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay <fixture.yaml>",
		Short: "Score a YAML fixture of transactions offline",
		Long: `Replay scores each transaction of a fixture in order, as the server would,
and prints the recommendation and violations of each. Entries with an
"expect" field are checked; any mismatch makes the command fail.

Use "-" to read the fixture from stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: runReplay,
	}
	cmd.Flags().String("rule-set", "", "Override the fixture's rule set (v1 or v2)")
	cmd.Flags().StringP("output", "o", "text", "Output format: text or json")
	return cmd
}

func runReplay(cmd *cobra.Command, args []string) error {
	ruleSet, _ := cmd.Flags().GetString("rule-set")
	output, _ := cmd.Flags().GetString("output")
	if output != "text" && output != "json" {
		return fmt.Errorf("invalid output '%s': must be 'text' or 'json'", output)
	}

	var in io.Reader = cmd.InOrStdin()
	if args[0] != "-" {
		file, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("open fixture: %w", err)
		}
		defer file.Close()
		in = file
	}

	fixture, err := LoadFixture(in)
	if err != nil {
		return err
	}

	results, err := Replay(commandContext(cmd), fixture, ruleSet)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if output == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(results); err != nil {
			return err
		}
	} else if err := printResults(out, results); err != nil {
		return err
	}

	mismatches := 0
	for _, r := range results {
		if r.Mismatch {
			mismatches++
		}
	}
	if mismatches > 0 {
		return fmt.Errorf("%d of %d transaction(s) did not match their expectation", mismatches, len(results))
	}
	return nil
}

func printResults(w io.Writer, results []ReplayResult) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tUSER\tDECISION\tVIOLATIONS\t")
	for _, r := range results {
		decision := string(r.Recommendation)
		if r.Chargeback {
			decision += " (cbk)"
		}
		if r.Mismatch {
			decision += " !expected " + string(r.Expected)
		}
		violations := strings.Join(r.Violations, ",")
		if violations == "" {
			violations = "-"
		}
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t\n", r.ID, r.UserID, decision, violations)
	}
	return tw.Flush()
}
