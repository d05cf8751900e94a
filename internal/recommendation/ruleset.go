package recommendation

import (
	"errors"
	"fmt"
)

const (
	// RuleSetV1 is the minimal rule set. It is kept so verdicts issued under
	// it can be replayed with the rules they were issued with.
	RuleSetV1 = "v1"
	// RuleSetV2 adds the card-format and night-amount checks to v1.
	RuleSetV2 = "v2"

	DefaultRuleSet = RuleSetV2
)

var ErrUnknownRuleSet = errors.New("recommendation: unknown rule set")

// RuleSet is a versioned, ordered list of rules. Violations are reported in
// this order.
type RuleSet struct {
	Version string
	Rules   []Rule
}

// RuleInfo describes one rule for listings.
type RuleInfo struct {
	ID          RuleID `json:"id"`
	Description string `json:"description"`
}

func v1Rules() []Rule {
	return []Rule{
		previousChargebackRule{},
		previousDeniedRule{},
		amountCeilingRule{
			id:       RuleFiveHoursLimit,
			desc:     "prior transactions in the last five hours total 5000 or more",
			limit:    fiveHourLimit,
			fiveHour: true,
		},
		amountCeilingRule{
			id:    RuleOneHourLimit,
			desc:  "prior transactions in the last hour total 1000 or more",
			limit: oneHourLimit,
		},
		duplicateAmountRule{},
		deviceFanOutRule{},
		deviceRepeatRule{},
	}
}

// LookupRuleSet returns a fresh copy of the named rule set.
func LookupRuleSet(version string) (RuleSet, error) {
	switch version {
	case RuleSetV1:
		return RuleSet{Version: RuleSetV1, Rules: v1Rules()}, nil
	case RuleSetV2, "":
		rules := append([]Rule{cardFormatRule{}}, v1Rules()...)
		rules = append(rules, nightAmountRule{})
		return RuleSet{Version: RuleSetV2, Rules: rules}, nil
	}
	return RuleSet{}, fmt.Errorf("%w: %q", ErrUnknownRuleSet, version)
}

// MustRuleSet is LookupRuleSet for known-good versions.
func MustRuleSet(version string) RuleSet {
	rs, err := LookupRuleSet(version)
	if err != nil {
		panic(err)
	}
	return rs
}

// RuleSetVersions lists every known version, oldest first.
func RuleSetVersions() []string {
	return []string{RuleSetV1, RuleSetV2}
}

// Describe lists the rules in evaluation order.
func (rs RuleSet) Describe() []RuleInfo {
	out := make([]RuleInfo, 0, len(rs.Rules))
	for _, r := range rs.Rules {
		out = append(out, RuleInfo{ID: r.ID(), Description: r.Description()})
	}
	return out
}

// Evaluate runs every rule against ec. It never stops at the first
// violation: the full list is the audit trail.
func (rs RuleSet) Evaluate(ec *EvalContext) []RuleID {
	var violations []RuleID
	for _, r := range rs.Rules {
		if r.Evaluate(ec) {
			violations = append(violations, r.ID())
		}
	}
	return violations
}
