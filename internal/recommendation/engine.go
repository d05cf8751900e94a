// Package recommendation scores a transaction against the user's recent
// history and returns an approve/deny verdict with every violated rule.
//
// Windows are anchored on the candidate's own timestamp, never on the wall
// clock, so replays and backfills evaluate exactly as live traffic did. All
// history reads for one Score call happen inside a single snapshot when the
// provider supports it.
package recommendation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/txguard/internal/metrics"
	"github.com/mbd888/txguard/internal/traces"
	"github.com/mbd888/txguard/internal/transactions"
)

var (
	// ErrHistoryUnavailable means the verdict is indeterminate: history could
	// not be read (error, timeout, open circuit). It is never an approval.
	ErrHistoryUnavailable = errors.New("recommendation: history unavailable")
	ErrAlreadyScored      = errors.New("recommendation: candidate already has a recommendation")
	ErrInvalidCandidate   = errors.New("recommendation: invalid candidate")
)

// Verdict is the engine's output.
type Verdict struct {
	Decision   transactions.Recommendation `json:"decision"`
	Violations []RuleID                    `json:"violations"`
	RuleSet    string                      `json:"rule_set"`
}

// Approved reports whether no rule was violated.
func (v *Verdict) Approved() bool {
	return v.Decision == transactions.RecommendationApprove
}

// ViolationStrings returns the violations as plain strings for persistence.
func (v *Verdict) ViolationStrings() []string {
	out := make([]string, len(v.Violations))
	for i, id := range v.Violations {
		out[i] = string(id)
	}
	return out
}

// Apply writes the verdict onto tx. It fails if tx was already scored.
func (v *Verdict) Apply(tx *transactions.Transaction) error {
	return tx.Recommend(v.Decision, v.ViolationStrings(), v.RuleSet)
}

// Engine evaluates a rule set against history. It holds no per-call state and
// is safe for concurrent use.
type Engine struct {
	history HistoryProvider
	rules   RuleSet
	timeout time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithRuleSet selects the rule set. The default is DefaultRuleSet.
func WithRuleSet(rs RuleSet) Option {
	return func(e *Engine) { e.rules = rs }
}

// WithTimeout bounds the history reads of one Score call.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) { e.timeout = d }
}

// NewEngine creates an engine reading from history.
func NewEngine(history HistoryProvider, opts ...Option) *Engine {
	e := &Engine{
		history: history,
		rules:   MustRuleSet(DefaultRuleSet),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RuleSet returns the engine's rule set.
func (e *Engine) RuleSet() RuleSet {
	return e.rules
}

// Score evaluates candidate. Calling it twice against unchanged history
// yields identical verdicts. Any failure to read history returns an error
// wrapping ErrHistoryUnavailable and no verdict.
func (e *Engine) Score(ctx context.Context, candidate *transactions.Transaction) (*Verdict, error) {
	if candidate == nil {
		return nil, ErrInvalidCandidate
	}
	if candidate.Recommendation != transactions.RecommendationUnset {
		return nil, ErrAlreadyScored
	}

	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "recommendation.Score",
		traces.TransactionID(candidate.ID),
		traces.UserID(candidate.UserID),
		traces.Amount(candidate.Amount.String()),
		traces.RuleSet(e.rules.Version),
	)
	defer span.End()

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	ec, err := e.load(ctx, candidate)
	if err != nil {
		metrics.ScoringFailuresTotal.WithLabelValues(failureReason(err)).Inc()
		traces.Fail(span, err, "history unavailable")
		return nil, err
	}

	verdict := &Verdict{
		Decision:   transactions.RecommendationApprove,
		Violations: e.rules.Evaluate(ec),
		RuleSet:    e.rules.Version,
	}
	if verdict.Violations == nil {
		verdict.Violations = []RuleID{}
	}
	if len(verdict.Violations) > 0 {
		verdict.Decision = transactions.RecommendationDeny
	}

	metrics.RecommendationsTotal.WithLabelValues(string(verdict.Decision), verdict.RuleSet).Inc()
	for _, id := range verdict.Violations {
		metrics.ViolationsTotal.WithLabelValues(string(id)).Inc()
	}
	metrics.ScoreDuration.Observe(time.Since(start).Seconds())
	span.SetAttributes(traces.Decision(string(verdict.Decision)), traces.Violations(verdict.ViolationStrings()))

	return verdict, nil
}

// load reads everything the rules need, once, from a consistent view.
func (e *Engine) load(ctx context.Context, candidate *transactions.Transaction) (*EvalContext, error) {
	fetchStart := time.Now()
	defer func() { metrics.HistoryFetchDuration.Observe(time.Since(fetchStart).Seconds()) }()

	fiveHour := FiveHourWindow(candidate.Timestamp)
	ec := &EvalContext{candidate: candidate}

	read := func(h HistoryProvider) error {
		txs, err := h.TransactionsInWindow(ctx, candidate.UserID, fiveHour)
		if err != nil {
			return fmt.Errorf("five hour window: %w", err)
		}
		ec.chargeback, err = h.HasChargeback(ctx, candidate.UserID)
		if err != nil {
			return fmt.Errorf("chargeback check: %w", err)
		}
		ec.fiveHour = excludeSelf(txs, candidate.ID)
		return nil
	}

	var err error
	if snap, ok := e.history.(Snapshotter); ok {
		err = snap.Snapshot(ctx, read)
	} else {
		err = read(e.history)
	}
	// A read that finished after the deadline may have been cut short by the
	// backend; only a read completed in time is trusted.
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHistoryUnavailable, err)
	}

	oneHour := OneHourWindow(candidate.Timestamp)
	for _, tx := range ec.fiveHour {
		if oneHour.Contains(tx.Timestamp) {
			ec.oneHour = append(ec.oneHour, tx)
		}
	}
	return ec, nil
}

// excludeSelf drops any history row that is the candidate itself.
func excludeSelf(txs []*transactions.Transaction, id int64) []*transactions.Transaction {
	out := txs[:0:0]
	for _, tx := range txs {
		if tx.ID != id {
			out = append(out, tx)
		}
	}
	return out
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "history_error"
	}
}
