// Package antifraud is the caller side of the recommendation engine: it
// validates submitted transactions, scores them, persists the verdict exactly
// once and handles chargebacks.
package antifraud

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/txguard/internal/logging"
	"github.com/mbd888/txguard/internal/metrics"
	"github.com/mbd888/txguard/internal/pagination"
	"github.com/mbd888/txguard/internal/realtime"
	"github.com/mbd888/txguard/internal/recommendation"
	"github.com/mbd888/txguard/internal/syncutil"
	"github.com/mbd888/txguard/internal/transactions"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// Chargeback sources, used as metric labels.
const (
	SourceAPI    = "api"
	SourceStripe = "stripe"
	SourceReplay = "replay"
)

// Publisher receives transaction events after they are committed.
type Publisher interface {
	PublishTransaction(eventType realtime.EventType, tx *transactions.Transaction)
}

// Page is one newest-first page of a user's transactions.
type Page struct {
	Transactions []*transactions.Transaction `json:"transactions"`
	NextCursor   string                      `json:"next_cursor,omitempty"`
	HasMore      bool                        `json:"has_more"`
}

// Service creates and scores transactions.
type Service struct {
	store  transactions.Store
	engine *recommendation.Engine
	locks  *syncutil.UserLocks
	events Publisher
}

// NewService creates a new antifraud service.
func NewService(store transactions.Store, engine *recommendation.Engine) *Service {
	return &Service{
		store:  store,
		engine: engine,
		locks:  syncutil.NewUserLocks(syncutil.DefaultShards),
	}
}

// WithPublisher adds a realtime event publisher.
func (s *Service) WithPublisher(p Publisher) *Service {
	s.events = p
	return s
}

// Create scores and persists a new transaction. Scoring and the write happen
// under the user's lock so two transactions of one user never score against
// the same history. If history cannot be read nothing is written.
func (s *Service) Create(ctx context.Context, in TransactionInput) (*transactions.Transaction, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	tx := in.Transaction()
	ctx = logging.With(ctx, "transaction_id", tx.ID, "user_id", tx.UserID)

	unlock, err := s.lockUser(ctx, tx.UserID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, err := s.store.Get(ctx, tx.ID); err == nil {
		return nil, transactions.ErrDuplicateID
	} else if !errors.Is(err, transactions.ErrNotFound) {
		return nil, fmt.Errorf("lookup transaction: %w", err)
	}

	verdict, err := s.engine.Score(ctx, tx)
	if err != nil {
		logging.L(ctx).Warn("scoring failed", "error", err)
		return nil, err
	}
	if err := verdict.Apply(tx); err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, tx); err != nil {
		return nil, err
	}

	logging.L(ctx).Info("transaction scored",
		"recommendation", tx.Recommendation,
		"violations", tx.Violations,
		"rule_set", tx.RuleSet,
	)
	s.publish(realtime.EventTransactionScored, tx)
	return tx, nil
}

// DryRun scores a transaction without persisting it or taking the user lock.
func (s *Service) DryRun(ctx context.Context, in TransactionInput) (*recommendation.Verdict, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	return s.engine.Score(ctx, in.Transaction())
}

// Get returns a transaction by id.
func (s *Service) Get(ctx context.Context, id int64) (*transactions.Transaction, error) {
	return s.store.Get(ctx, id)
}

// Chargeback flags an approved transaction as charged back. It never
// re-scores the record. Repeating it is a no-op.
func (s *Service) Chargeback(ctx context.Context, id int64, source string) (*transactions.Transaction, error) {
	before, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	tx, err := s.store.MarkChargeback(ctx, id)
	if err != nil {
		return nil, err
	}
	if !before.Chargeback {
		metrics.ChargebacksTotal.WithLabelValues(source).Inc()
		logging.L(ctx).Info("chargeback flagged", "transaction_id", id, "user_id", tx.UserID, "source", source)
		s.publish(realtime.EventTransactionChargeback, tx)
	}
	return tx, nil
}

// ListByUser returns a page of the user's transactions, newest first.
func (s *Service) ListByUser(ctx context.Context, userID int64, cursor string, limit int) (*Page, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	c, err := pagination.Decode(cursor)
	if err != nil {
		return nil, err
	}

	txs, err := s.store.ListByUser(ctx, userID, c, limit+1)
	if err != nil {
		return nil, err
	}
	txs, next, more := pagination.ComputePage(txs, limit, func(tx *transactions.Transaction) (time.Time, int64) {
		return tx.Timestamp, tx.ID
	})
	if txs == nil {
		txs = []*transactions.Transaction{}
	}
	return &Page{Transactions: txs, NextCursor: next, HasMore: more}, nil
}

// Rules describes the active rule set.
func (s *Service) Rules() (string, []recommendation.RuleInfo) {
	rs := s.engine.RuleSet()
	return rs.Version, rs.Describe()
}

// lockUser takes the in-process lock, then the store's cross-process lock
// when the store has one.
func (s *Service) lockUser(ctx context.Context, userID int64) (func(), error) {
	unlock, err := s.locks.Lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	locker, ok := s.store.(transactions.UserLocker)
	if !ok {
		return unlock, nil
	}
	release, err := locker.LockUser(ctx, userID)
	if err != nil {
		unlock()
		return nil, fmt.Errorf("lock user: %w", err)
	}
	return func() {
		release()
		unlock()
	}, nil
}

func (s *Service) publish(eventType realtime.EventType, tx *transactions.Transaction) {
	if s.events != nil {
		s.events.PublishTransaction(eventType, tx)
	}
}
