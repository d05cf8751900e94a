package recommendation

import (
	"context"
	"errors"

	"github.com/mbd888/txguard/internal/circuitbreaker"
	"github.com/mbd888/txguard/internal/traces"
	"github.com/mbd888/txguard/internal/transactions"
)

// HistoryProvider is the read side the engine consumes. Implementations must
// be side-effect free.
type HistoryProvider interface {
	// TransactionsInWindow returns the user's transactions whose timestamp
	// lies in w, ordered by timestamp.
	TransactionsInWindow(ctx context.Context, userID int64, w Window) ([]*transactions.Transaction, error)

	// HasChargeback reports whether any of the user's transactions, in any
	// window, carries the chargeback flag.
	HasChargeback(ctx context.Context, userID int64) (bool, error)

	// HasDeniedTransaction reports whether any of the user's transactions in
	// w was denied. Score derives the same answer from the five hour window
	// it already holds, so the candidate's own row never counts.
	HasDeniedTransaction(ctx context.Context, userID int64, w Window) (bool, error)
}

// Snapshotter is implemented by providers that can pin one consistent view
// of the history for several reads. The engine issues all reads of a single
// Score call inside one Snapshot when the provider supports it.
type Snapshotter interface {
	Snapshot(ctx context.Context, fn func(HistoryProvider) error) error
}

// StoreProvider adapts a transactions.Store to HistoryProvider.
type StoreProvider struct {
	store transactions.Store
}

// NewStoreProvider wraps store.
func NewStoreProvider(store transactions.Store) *StoreProvider {
	return &StoreProvider{store: store}
}

func (p *StoreProvider) TransactionsInWindow(ctx context.Context, userID int64, w Window) ([]*transactions.Transaction, error) {
	return historyView{p.store}.TransactionsInWindow(ctx, userID, w)
}

func (p *StoreProvider) HasChargeback(ctx context.Context, userID int64) (bool, error) {
	return p.store.HasChargeback(ctx, userID)
}

func (p *StoreProvider) HasDeniedTransaction(ctx context.Context, userID int64, w Window) (bool, error) {
	return historyView{p.store}.HasDeniedTransaction(ctx, userID, w)
}

// Snapshot delegates to the store's own snapshot.
func (p *StoreProvider) Snapshot(ctx context.Context, fn func(HistoryProvider) error) error {
	return p.store.Snapshot(ctx, func(h transactions.History) error {
		return fn(historyView{h})
	})
}

// historyView adapts a transactions.History to the Window-based interface.
type historyView struct {
	h transactions.History
}

func (v historyView) TransactionsInWindow(ctx context.Context, userID int64, w Window) ([]*transactions.Transaction, error) {
	return v.h.TransactionsInWindow(ctx, userID, w.From, w.To)
}

func (v historyView) HasChargeback(ctx context.Context, userID int64) (bool, error) {
	return v.h.HasChargeback(ctx, userID)
}

func (v historyView) HasDeniedTransaction(ctx context.Context, userID int64, w Window) (bool, error) {
	return v.h.HasDeniedTransaction(ctx, userID, w.From, w.To)
}

// ErrCircuitOpen is returned (wrapped in ErrHistoryUnavailable by the engine)
// while the history breaker is open.
var ErrCircuitOpen = errors.New("recommendation: history circuit open")

// BreakerProvider guards a HistoryProvider with a circuit breaker. After
// repeated failures reads fail fast instead of waiting on a sick backend.
// Cancellation by the caller is not counted as a backend failure.
type BreakerProvider struct {
	next    HistoryProvider
	breaker *circuitbreaker.Breaker
}

// NewBreakerProvider wraps next.
func NewBreakerProvider(next HistoryProvider, breaker *circuitbreaker.Breaker) *BreakerProvider {
	return &BreakerProvider{next: next, breaker: breaker}
}

// State returns the breaker state, for health reporting.
func (b *BreakerProvider) State() circuitbreaker.State {
	return b.breaker.State()
}

func (b *BreakerProvider) TransactionsInWindow(ctx context.Context, userID int64, w Window) ([]*transactions.Transaction, error) {
	var out []*transactions.Transaction
	err := b.guard(ctx, "history.TransactionsInWindow", func(ctx context.Context) error {
		var err error
		out, err = b.next.TransactionsInWindow(ctx, userID, w)
		return err
	})
	return out, err
}

func (b *BreakerProvider) HasChargeback(ctx context.Context, userID int64) (bool, error) {
	var out bool
	err := b.guard(ctx, "history.HasChargeback", func(ctx context.Context) error {
		var err error
		out, err = b.next.HasChargeback(ctx, userID)
		return err
	})
	return out, err
}

func (b *BreakerProvider) HasDeniedTransaction(ctx context.Context, userID int64, w Window) (bool, error) {
	var out bool
	err := b.guard(ctx, "history.HasDeniedTransaction", func(ctx context.Context) error {
		var err error
		out, err = b.next.HasDeniedTransaction(ctx, userID, w)
		return err
	})
	return out, err
}

// Snapshot counts the whole snapshot as one call against the breaker when
// the wrapped provider supports snapshots.
func (b *BreakerProvider) Snapshot(ctx context.Context, fn func(HistoryProvider) error) error {
	snap, ok := b.next.(Snapshotter)
	if !ok {
		return fn(b)
	}
	return b.guard(ctx, "history.Snapshot", func(ctx context.Context) error {
		return snap.Snapshot(ctx, fn)
	})
}

func (b *BreakerProvider) guard(ctx context.Context, op string, fn func(context.Context) error) error {
	ctx, span := traces.StartSpan(ctx, op)
	defer span.End()

	err := b.breaker.Do(func() error { return fn(ctx) })
	if errors.Is(err, circuitbreaker.ErrOpen) {
		err = ErrCircuitOpen
	}
	if err != nil {
		traces.Fail(span, err, "history read failed")
	}
	return err
}
