// Package transactions holds the transaction record that the recommendation
// engine scores, and the storage backends that persist it.
//
// A record is created once with its recommendation already assigned, and
// afterwards may only be mutated to set the chargeback flag. Records are never
// deleted.
package transactions

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/txguard/internal/pagination"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound      = errors.New("transactions: not found")
	ErrDuplicateID   = errors.New("transactions: id already exists")
	ErrAlreadyScored = errors.New("transactions: recommendation already assigned")
	ErrNotScored     = errors.New("transactions: recommendation not assigned")
	ErrNotApproved   = errors.New("transactions: chargeback requires an approved transaction")
)

// Precision every backend stores exactly, matching the NUMERIC(20, 6) and
// TIMESTAMPTZ columns of the Postgres schema. Inputs are held to it before
// scoring so a verdict never depends on which store rounded what.
const (
	AmountScale         = 6
	AmountIntegerDigits = 14
	TimestampResolution = time.Microsecond
)

// Recommendation is the persisted verdict of the engine.
type Recommendation string

const (
	RecommendationUnset   Recommendation = ""
	RecommendationApprove Recommendation = "approve"
	RecommendationDeny    Recommendation = "deny"
)

// Valid reports whether r is one of the known values, including unset.
func (r Recommendation) Valid() bool {
	switch r {
	case RecommendationUnset, RecommendationApprove, RecommendationDeny:
		return true
	}
	return false
}

// Transaction is a snapshot of a submitted transaction plus its persisted
// attributes. JSON names follow the public API.
type Transaction struct {
	ID             int64           `json:"transaction_id"`
	MerchantID     int64           `json:"merchant_id"`
	UserID         int64           `json:"user_id"`
	DeviceID       *int64          `json:"device_id"`
	CardNumber     string          `json:"card_number"`
	Timestamp      time.Time       `json:"date"`
	Amount         decimal.Decimal `json:"amount"`
	Recommendation Recommendation  `json:"recommendation,omitempty"`
	Violations     []string        `json:"violations,omitempty"`
	RuleSet        string          `json:"rule_set,omitempty"`
	Chargeback     bool            `json:"has_cbk"`
	CreatedAt      time.Time       `json:"created_at,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at,omitempty"`
}

// HasDevice reports whether the transaction carries a device reference.
func (t *Transaction) HasDevice() bool {
	return t.DeviceID != nil
}

// SameDevice reports whether both transactions reference the same device.
// Two transactions without a device are considered to share the "no device"
// bucket, matching how a NULL device id groups in the history queries.
func (t *Transaction) SameDevice(other *Transaction) bool {
	if t.DeviceID == nil || other.DeviceID == nil {
		return t.DeviceID == nil && other.DeviceID == nil
	}
	return *t.DeviceID == *other.DeviceID
}

// Recommend assigns the engine's decision. It may only be called once per
// record; later calls fail with ErrAlreadyScored and leave t untouched.
func (t *Transaction) Recommend(decision Recommendation, violations []string, ruleSet string) error {
	if t.Recommendation != RecommendationUnset {
		return ErrAlreadyScored
	}
	t.Recommendation = decision
	t.Violations = append([]string(nil), violations...)
	t.RuleSet = ruleSet
	return nil
}

// MarkChargeback sets the chargeback flag. It reports whether the flag
// changed; flagging twice is a no-op.
func (t *Transaction) MarkChargeback() (bool, error) {
	if t.Recommendation != RecommendationApprove {
		return false, ErrNotApproved
	}
	if t.Chargeback {
		return false, nil
	}
	t.Chargeback = true
	return true, nil
}

// Clone returns a deep copy.
func (t *Transaction) Clone() *Transaction {
	c := *t
	if t.DeviceID != nil {
		d := *t.DeviceID
		c.DeviceID = &d
	}
	if t.Violations != nil {
		c.Violations = append([]string(nil), t.Violations...)
	}
	return &c
}

// History is the read side a scoring call needs. Implementations must be
// side-effect free.
type History interface {
	// TransactionsInWindow returns the user's transactions with timestamp in
	// [from, to], ordered by timestamp then id.
	TransactionsInWindow(ctx context.Context, userID int64, from, to time.Time) ([]*Transaction, error)

	// HasChargeback reports whether any of the user's transactions, in any
	// window, carries the chargeback flag.
	HasChargeback(ctx context.Context, userID int64) (bool, error)

	// HasDeniedTransaction reports whether any of the user's transactions
	// with timestamp in [from, to] was denied.
	HasDeniedTransaction(ctx context.Context, userID int64, from, to time.Time) (bool, error)
}

// Store persists transactions.
type Store interface {
	History

	Create(ctx context.Context, tx *Transaction) error
	Get(ctx context.Context, id int64) (*Transaction, error)
	MarkChargeback(ctx context.Context, id int64) (*Transaction, error)
	ListByUser(ctx context.Context, userID int64, cursor *pagination.Cursor, limit int) ([]*Transaction, error)

	// Snapshot runs fn against a read-consistent view of the history.
	Snapshot(ctx context.Context, fn func(History) error) error
}

// UserLocker is implemented by stores that can serialize work for a user
// across processes.
type UserLocker interface {
	LockUser(ctx context.Context, userID int64) (unlock func(), err error)
}

// prepareCreate validates and stamps a record before it is written.
func prepareCreate(tx *Transaction, now time.Time) error {
	if tx.Recommendation == RecommendationUnset {
		return ErrNotScored
	}
	tx.Chargeback = false
	tx.CreatedAt = now
	tx.UpdatedAt = now
	return nil
}

// beforeCursor reports whether tx sorts strictly after the cursor position in
// a newest-first listing.
func beforeCursor(tx *Transaction, cursor *pagination.Cursor) bool {
	if cursor == nil {
		return true
	}
	if tx.Timestamp.Equal(cursor.At) {
		return tx.ID < cursor.ID
	}
	return tx.Timestamp.Before(cursor.At)
}
