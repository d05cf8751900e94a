package recommendation

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mbd888/txguard/internal/circuitbreaker"
	"github.com/mbd888/txguard/internal/metrics"
	"github.com/mbd888/txguard/internal/transactions"
	dto "github.com/prometheus/client_model/go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// now is a daytime UTC instant so the night rule stays quiet by default.
var now = time.Date(2024, 3, 10, 14, 0, 0, 0, time.UTC)

const (
	userID = int64(7)
	card   = "434505******9116"
)

func dev(id int64) *int64 { return &id }

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func candidate(id int64, amount string) *transactions.Transaction {
	return &transactions.Transaction{
		ID:         id,
		MerchantID: 29744,
		UserID:     userID,
		DeviceID:   dev(1),
		CardNumber: card,
		Timestamp:  now,
		Amount:     d(amount),
	}
}

type fixture struct {
	t      *testing.T
	store  *transactions.MemoryStore
	engine *Engine
	nextID int64
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	store := transactions.NewMemoryStore()
	return &fixture{
		t:      t,
		store:  store,
		engine: NewEngine(NewStoreProvider(store), opts...),
		nextID: 1000,
	}
}

// prior records an approved history transaction for the test user.
func (f *fixture) prior(at time.Time, amount string, device *int64) *transactions.Transaction {
	return f.priorWith(at, amount, device, transactions.RecommendationApprove)
}

func (f *fixture) priorWith(at time.Time, amount string, device *int64, rec transactions.Recommendation) *transactions.Transaction {
	f.t.Helper()
	f.nextID++
	tx := &transactions.Transaction{
		ID:             f.nextID,
		MerchantID:     1,
		UserID:         userID,
		DeviceID:       device,
		CardNumber:     card,
		Timestamp:      at,
		Amount:         d(amount),
		Recommendation: rec,
		RuleSet:        RuleSetV2,
	}
	require.NoError(f.t, f.store.Create(context.Background(), tx))
	return tx
}

func (f *fixture) score(c *transactions.Transaction) *Verdict {
	f.t.Helper()
	v, err := f.engine.Score(context.Background(), c)
	require.NoError(f.t, err)
	return v
}

func TestScore_NoHistoryApproves(t *testing.T) {
	f := newFixture(t)
	v := f.score(candidate(1, "374.56"))

	assert.Equal(t, transactions.RecommendationApprove, v.Decision)
	assert.Empty(t, v.Violations)
	assert.True(t, v.Approved())
	assert.Equal(t, RuleSetV2, v.RuleSet)
}

func TestScore_DuplicateAmountScenario(t *testing.T) {
	f := newFixture(t)
	f.prior(now.Add(-20*time.Minute), "374.56", dev(1))

	v := f.score(candidate(1, "374.56"))
	assert.Equal(t, transactions.RecommendationDeny, v.Decision)
	assert.Equal(t, []RuleID{RuleSameAmountLastHour}, v.Violations)
}

func TestScore_ChargebackScenario(t *testing.T) {
	f := newFixture(t)
	old := f.prior(now.Add(-30*24*time.Hour), "12.00", dev(1))
	_, err := f.store.MarkChargeback(context.Background(), old.ID)
	require.NoError(t, err)

	v := f.score(candidate(1, "43.13"))
	assert.Equal(t, transactions.RecommendationDeny, v.Decision)
	assert.Equal(t, []RuleID{RulePreviousChargeback}, v.Violations)
}

func TestScore_VelocityScenario(t *testing.T) {
	f := newFixture(t)
	for i, amount := range []string{"1200", "1000.50", "950", "1100", "800"} {
		f.prior(now.Add(-time.Duration(10*(i+1))*time.Minute), amount, dev(1))
	}

	v := f.score(candidate(1, "1"))
	assert.Equal(t, transactions.RecommendationDeny, v.Decision)
	assert.Contains(t, v.Violations, RuleFiveHoursLimit)
	assert.Contains(t, v.Violations, RuleOneHourLimit)
}

func TestScore_OneHourLimitBoundary(t *testing.T) {
	tests := []struct {
		name   string
		amount string
		want   bool
	}{
		{"below", "999.99", false},
		{"exactly", "1000", true},
		{"above", "1000.01", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.prior(now.Add(-30*time.Minute), tt.amount, dev(1))
			v := f.score(candidate(1, "5"))
			assert.Equal(t, tt.want, containsRule(v, RuleOneHourLimit))
			assert.False(t, containsRule(v, RuleFiveHoursLimit))
		})
	}
}

func TestScore_FiveHourLimitBoundary(t *testing.T) {
	tests := []struct {
		name   string
		amount string
		want   bool
	}{
		{"below", "4999.99", false},
		{"exactly", "5000", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			// Outside the 90 minute window, so only the five hour sum sees it.
			f.prior(now.Add(-3*time.Hour), tt.amount, dev(1))
			v := f.score(candidate(1, "5"))
			assert.Equal(t, tt.want, containsRule(v, RuleFiveHoursLimit))
			assert.False(t, containsRule(v, RuleOneHourLimit))
		})
	}
}

func TestScore_CandidateAmountNotInSums(t *testing.T) {
	f := newFixture(t)
	f.prior(now.Add(-10*time.Minute), "999.99", dev(1))

	v := f.score(candidate(1, "4900"))
	assert.False(t, containsRule(v, RuleOneHourLimit))
	assert.False(t, containsRule(v, RuleFiveHoursLimit))
}

func TestScore_DuplicateAmountExactEquality(t *testing.T) {
	tests := []struct {
		name  string
		prior string
		at    time.Duration
		want  bool
	}{
		{"same", "374.56", -5 * time.Minute, true},
		{"same with trailing zero", "374.560", -5 * time.Minute, true},
		{"one cent off", "374.57", -5 * time.Minute, false},
		{"outside ninety minutes", "374.56", -2 * time.Hour, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.prior(now.Add(tt.at), tt.prior, dev(1))
			v := f.score(candidate(1, "374.56"))
			assert.Equal(t, tt.want, containsRule(v, RuleSameAmountLastHour))
		})
	}
}

func TestScore_DeviceFanOut(t *testing.T) {
	tests := []struct {
		name    string
		devices []*int64
		want    bool
	}{
		{"one device", []*int64{dev(1)}, false},
		{"same device twice", []*int64{dev(1), dev(1)}, false},
		{"two devices", []*int64{dev(1), dev(2)}, true},
		{"device and no device", []*int64{dev(1), nil}, true},
		{"no device twice", []*int64{nil, nil}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			for i, device := range tt.devices {
				f.prior(now.Add(-time.Duration(i+1)*time.Minute), "1"+string(rune('0'+i)), device)
			}
			v := f.score(candidate(1, "7.77"))
			assert.Equal(t, tt.want, containsRule(v, RuleTooManyDevices))
		})
	}
}

func TestScore_DeviceRepeat(t *testing.T) {
	tests := []struct {
		name      string
		candidate *int64
		devices   []*int64
		want      bool
	}{
		{"once", dev(1), []*int64{dev(1)}, false},
		{"twice", dev(1), []*int64{dev(1), dev(1)}, true},
		{"other device", dev(1), []*int64{dev(2), dev(2)}, false},
		{"no device matches no device", nil, []*int64{nil, nil}, true},
		{"no device vs device", nil, []*int64{dev(1), dev(1)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			for i, device := range tt.devices {
				f.prior(now.Add(-time.Duration(i+1)*time.Minute), "1"+string(rune('0'+i)), device)
			}
			c := candidate(1, "7.77")
			c.DeviceID = tt.candidate
			v := f.score(c)
			assert.Equal(t, tt.want, containsRule(v, RuleSameDeviceMultipleTimes))
		})
	}
}

func TestScore_PreviousDenied(t *testing.T) {
	f := newFixture(t)
	f.priorWith(now.Add(-6*time.Hour), "10", dev(1), transactions.RecommendationDeny)
	v := f.score(candidate(1, "20"))
	assert.False(t, containsRule(v, RulePreviousDenied), "denial outside five hours is ignored")

	f.priorWith(now.Add(-4*time.Hour), "10", dev(1), transactions.RecommendationDeny)
	v = f.score(candidate(2, "20"))
	assert.True(t, containsRule(v, RulePreviousDenied))
}

func TestScore_WindowBoundaries(t *testing.T) {
	tests := []struct {
		name   string
		offset time.Duration
		amount string
		rule   RuleID
		want   bool
	}{
		{"five hour start included", -5 * time.Hour, "5000", RuleFiveHoursLimit, true},
		{"five hour start minus one second", -5*time.Hour - time.Second, "5000", RuleFiveHoursLimit, false},
		{"ninety minute start included", -90 * time.Minute, "1000", RuleOneHourLimit, true},
		{"ninety minute start minus one second", -90*time.Minute - time.Second, "1000", RuleOneHourLimit, false},
		{"forward slack included", 5 * time.Minute, "1000", RuleOneHourLimit, true},
		{"forward slack plus one second", 5*time.Minute + time.Second, "1000", RuleOneHourLimit, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.prior(now.Add(tt.offset), tt.amount, dev(1))
			v := f.score(candidate(1, "5"))
			assert.Equal(t, tt.want, containsRule(v, tt.rule))
		})
	}
}

func TestScore_WindowsFollowCandidateNotWallClock(t *testing.T) {
	f := newFixture(t)
	past := time.Date(2019, 6, 1, 12, 0, 0, 0, time.UTC)
	f.prior(past.Add(-10*time.Minute), "1000", dev(1))

	c := candidate(1, "5")
	c.Timestamp = past
	v := f.score(c)
	assert.True(t, containsRule(v, RuleOneHourLimit))
}

func TestScore_CardFormatOnlyInV2(t *testing.T) {
	short := candidate(1, "10")
	short.CardNumber = "434505******911"

	v2 := newFixture(t)
	v := v2.score(short)
	assert.Equal(t, []RuleID{RuleInvalidCardNumber}, v.Violations)

	short.Recommendation = transactions.RecommendationUnset
	v1 := newFixture(t, WithRuleSet(MustRuleSet(RuleSetV1)))
	v = v1.score(short)
	assert.Empty(t, v.Violations)
	assert.Equal(t, RuleSetV1, v.RuleSet)
}

func TestScore_NightHighAmount(t *testing.T) {
	day := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		at     time.Time
		amount string
		want   bool
	}{
		{"before dawn", day.Add(5*time.Hour + 59*time.Minute), "500", true},
		{"hour six", day.Add(6*time.Hour + 30*time.Minute), "500", true},
		{"hour seven", day.Add(7 * time.Hour), "500", false},
		{"hour twenty one", day.Add(21*time.Hour + 59*time.Minute), "500", false},
		{"hour twenty two", day.Add(22 * time.Hour), "500", true},
		{"small amount at night", day.Add(23 * time.Hour), "499.99", false},
		{"local evening is UTC night", time.Date(2024, 3, 10, 20, 0, 0, 0, time.FixedZone("BRT", -3*3600)), "900", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			c := candidate(1, tt.amount)
			c.Timestamp = tt.at
			v := f.score(c)
			assert.Equal(t, tt.want, containsRule(v, RuleHighAmountNight))
		})
	}

	v1 := newFixture(t, WithRuleSet(MustRuleSet(RuleSetV1)))
	c := candidate(1, "900")
	c.Timestamp = day.Add(3 * time.Hour)
	assert.Empty(t, v1.score(c).Violations)
}

func TestScore_CollectsAllViolationsInRuleOrder(t *testing.T) {
	f := newFixture(t)
	old := f.prior(now.Add(-48*time.Hour), "1", dev(9))
	_, err := f.store.MarkChargeback(context.Background(), old.ID)
	require.NoError(t, err)
	f.priorWith(now.Add(-2*time.Hour), "4000", dev(3), transactions.RecommendationDeny)
	f.prior(now.Add(-20*time.Minute), "600", dev(1))
	f.prior(now.Add(-10*time.Minute), "600", dev(1))

	c := candidate(1, "600")
	c.CardNumber = "1234"
	c.Timestamp = now
	v := f.score(c)

	assert.Equal(t, []RuleID{
		RuleInvalidCardNumber,
		RulePreviousChargeback,
		RulePreviousDenied,
		RuleFiveHoursLimit,
		RuleOneHourLimit,
		RuleSameAmountLastHour,
		RuleSameDeviceMultipleTimes,
	}, v.Violations)
}

func TestScore_Idempotent(t *testing.T) {
	f := newFixture(t)
	f.prior(now.Add(-10*time.Minute), "374.56", dev(2))
	f.prior(now.Add(-20*time.Minute), "800", dev(1))

	first := f.score(candidate(1, "374.56"))
	second := f.score(candidate(1, "374.56"))
	assert.Equal(t, first, second)
}

func TestScore_ExcludesCandidateFromHistory(t *testing.T) {
	f := newFixture(t)
	self := f.prior(now, "1000", dev(1))

	c := candidate(self.ID, "1000")
	v := f.score(c)
	assert.False(t, containsRule(v, RuleOneHourLimit))
	assert.False(t, containsRule(v, RuleSameAmountLastHour))
}

func TestScore_ReplayedDeniedRecordIgnoresItself(t *testing.T) {
	f := newFixture(t)
	stored := f.priorWith(now, "10", dev(1), transactions.RecommendationDeny)

	v := f.score(candidate(stored.ID, "10"))
	assert.Equal(t, transactions.RecommendationApprove, v.Decision)
	assert.Empty(t, v.Violations)

	// Another denied row in the window still counts.
	f.priorWith(now.Add(-time.Hour), "99", dev(2), transactions.RecommendationDeny)
	v = f.score(candidate(stored.ID, "10"))
	assert.Equal(t, []RuleID{RulePreviousDenied}, v.Violations)
}

func TestScore_RejectsInvalidCandidates(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Score(context.Background(), nil)
	assert.ErrorIs(t, err, ErrInvalidCandidate)

	c := candidate(1, "10")
	c.Recommendation = transactions.RecommendationApprove
	_, err = f.engine.Score(context.Background(), c)
	assert.ErrorIs(t, err, ErrAlreadyScored)
}

// --- history failures ---

type failingProvider struct {
	err   error
	calls atomic.Int32
}

func (p *failingProvider) TransactionsInWindow(context.Context, int64, Window) ([]*transactions.Transaction, error) {
	p.calls.Add(1)
	return nil, p.err
}

func (p *failingProvider) HasChargeback(context.Context, int64) (bool, error) {
	p.calls.Add(1)
	return false, p.err
}

func (p *failingProvider) HasDeniedTransaction(context.Context, int64, Window) (bool, error) {
	p.calls.Add(1)
	return false, p.err
}

// blockingProvider waits for the context like a stuck database would.
type blockingProvider struct{}

func (blockingProvider) TransactionsInWindow(ctx context.Context, _ int64, _ Window) ([]*transactions.Transaction, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (blockingProvider) HasChargeback(ctx context.Context, _ int64) (bool, error) {
	<-ctx.Done()
	return false, ctx.Err()
}

func (blockingProvider) HasDeniedTransaction(ctx context.Context, _ int64, _ Window) (bool, error) {
	<-ctx.Done()
	return false, ctx.Err()
}

// lateProvider ignores the context and returns an empty history too late.
type lateProvider struct{ delay time.Duration }

func (p lateProvider) TransactionsInWindow(context.Context, int64, Window) ([]*transactions.Transaction, error) {
	time.Sleep(p.delay)
	return nil, nil
}

func (lateProvider) HasChargeback(context.Context, int64) (bool, error) { return false, nil }

func (lateProvider) HasDeniedTransaction(context.Context, int64, Window) (bool, error) {
	return false, nil
}

func TestScore_HistoryErrorIsIndeterminate(t *testing.T) {
	cause := errors.New("connection refused")
	engine := NewEngine(&failingProvider{err: cause})

	v, err := engine.Score(context.Background(), candidate(1, "10"))
	assert.Nil(t, v)
	assert.ErrorIs(t, err, ErrHistoryUnavailable)
	assert.ErrorIs(t, err, cause)
}

func TestScore_TimeoutIsNotAnEmptyWindow(t *testing.T) {
	engine := NewEngine(blockingProvider{}, WithTimeout(20*time.Millisecond))

	v, err := engine.Score(context.Background(), candidate(1, "10"))
	assert.Nil(t, v)
	assert.ErrorIs(t, err, ErrHistoryUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestScore_LateEmptyResultIsRejected(t *testing.T) {
	engine := NewEngine(lateProvider{delay: 40 * time.Millisecond}, WithTimeout(10*time.Millisecond))

	v, err := engine.Score(context.Background(), candidate(1, "10"))
	assert.Nil(t, v)
	assert.ErrorIs(t, err, ErrHistoryUnavailable)
}

func TestScore_FailureCountsMetric(t *testing.T) {
	engine := NewEngine(&failingProvider{err: errors.New("boom")})
	before := counter(t, metrics.ScoringFailuresTotal.WithLabelValues("history_error"))

	_, err := engine.Score(context.Background(), candidate(1, "10"))
	require.Error(t, err)
	assert.Equal(t, before+1, counter(t, metrics.ScoringFailuresTotal.WithLabelValues("history_error")))
}

func TestScore_CountsDecisionsAndViolations(t *testing.T) {
	f := newFixture(t)
	f.prior(now.Add(-5*time.Minute), "20", dev(1))

	deny := counter(t, metrics.RecommendationsTotal.WithLabelValues("deny", RuleSetV2))
	dup := counter(t, metrics.ViolationsTotal.WithLabelValues(string(RuleSameAmountLastHour)))

	f.score(candidate(1, "20"))
	assert.Equal(t, deny+1, counter(t, metrics.RecommendationsTotal.WithLabelValues("deny", RuleSetV2)))
	assert.Equal(t, dup+1, counter(t, metrics.ViolationsTotal.WithLabelValues(string(RuleSameAmountLastHour))))
}

// --- snapshots ---

type countingSnapshotter struct {
	HistoryProvider
	snapshots int
	reads     atomic.Int32
}

func (c *countingSnapshotter) Snapshot(ctx context.Context, fn func(HistoryProvider) error) error {
	c.snapshots++
	return fn(&countingReads{c})
}

type countingReads struct{ c *countingSnapshotter }

func (r *countingReads) TransactionsInWindow(ctx context.Context, id int64, w Window) ([]*transactions.Transaction, error) {
	r.c.reads.Add(1)
	return r.c.HistoryProvider.TransactionsInWindow(ctx, id, w)
}

func (r *countingReads) HasChargeback(ctx context.Context, id int64) (bool, error) {
	r.c.reads.Add(1)
	return r.c.HistoryProvider.HasChargeback(ctx, id)
}

func (r *countingReads) HasDeniedTransaction(ctx context.Context, id int64, w Window) (bool, error) {
	r.c.reads.Add(1)
	return r.c.HistoryProvider.HasDeniedTransaction(ctx, id, w)
}

func TestScore_AllReadsInOneSnapshot(t *testing.T) {
	store := transactions.NewMemoryStore()
	snap := &countingSnapshotter{HistoryProvider: historyView{store}}
	engine := NewEngine(snap)

	_, err := engine.Score(context.Background(), candidate(1, "10"))
	require.NoError(t, err)
	assert.Equal(t, 1, snap.snapshots)
	assert.Equal(t, int32(2), snap.reads.Load(), "five hour window fetched once; one hour and denials derived in memory")
}

// --- breaker ---

func TestBreakerProvider_OpensAfterFailures(t *testing.T) {
	inner := &failingProvider{err: errors.New("db down")}
	provider := NewBreakerProvider(inner, circuitbreaker.New(circuitbreaker.Settings{Name: "test", Threshold: 2, Cooldown: time.Minute}))
	engine := NewEngine(provider)

	for i := 0; i < 2; i++ {
		_, err := engine.Score(context.Background(), candidate(1, "10"))
		require.ErrorIs(t, err, ErrHistoryUnavailable)
	}
	assert.Equal(t, circuitbreaker.StateOpen, provider.State())

	calls := inner.calls.Load()
	_, err := engine.Score(context.Background(), candidate(1, "10"))
	assert.ErrorIs(t, err, ErrHistoryUnavailable)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, calls, inner.calls.Load(), "open circuit must not reach the backend")
}

func TestBreakerProvider_CancellationIsNotAFailure(t *testing.T) {
	provider := NewBreakerProvider(blockingProvider{}, circuitbreaker.New(circuitbreaker.Settings{Name: "test", Threshold: 1, Cooldown: time.Minute}))
	engine := NewEngine(provider)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := engine.Score(ctx, candidate(1, "10"))
	assert.ErrorIs(t, err, ErrHistoryUnavailable)
	assert.Equal(t, circuitbreaker.StateClosed, provider.State())
}

func TestBreakerProvider_UsesInnerSnapshot(t *testing.T) {
	store := transactions.NewMemoryStore()
	snap := &countingSnapshotter{HistoryProvider: historyView{store}}
	provider := NewBreakerProvider(snap, circuitbreaker.New(circuitbreaker.Settings{Name: "test", Threshold: 2, Cooldown: time.Minute}))

	_, err := NewEngine(provider).Score(context.Background(), candidate(1, "10"))
	require.NoError(t, err)
	assert.Equal(t, 1, snap.snapshots)
}

func containsRule(v *Verdict, id RuleID) bool {
	for _, got := range v.Violations {
		if got == id {
			return true
		}
	}
	return false
}

func counter(t *testing.T, c interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}
