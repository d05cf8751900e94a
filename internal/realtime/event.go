package realtime

import (
	"slices"
	"time"

	"github.com/mbd888/txguard/internal/transactions"
	"github.com/shopspring/decimal"
)

// EventType names what happened to a transaction.
type EventType string

const (
	EventTransactionScored     EventType = "transaction.scored"
	EventTransactionChargeback EventType = "transaction.chargeback"

	// EventSubscribed is sent only to the client whose filter changed.
	EventSubscribed EventType = "subscription.updated"
)

// Event is one message on the stream.
type Event struct {
	ID           string                    `json:"id"`
	Type         EventType                 `json:"type"`
	Timestamp    time.Time                 `json:"timestamp"`
	Data         *transactions.Transaction `json:"data,omitempty"`
	Subscription *Subscription             `json:"subscription,omitempty"`
}

// Subscription is a client's filter. A zero Subscription matches every
// event; each non-empty field narrows it.
type Subscription struct {
	EventTypes  []EventType                   `json:"event_types,omitempty"`
	UserIDs     []int64                       `json:"user_ids,omitempty"`
	MerchantIDs []int64                       `json:"merchant_ids,omitempty"`
	Decisions   []transactions.Recommendation `json:"decisions,omitempty"`
	Rules       []string                      `json:"rules,omitempty"`
	MinAmount   decimal.Decimal               `json:"min_amount"`
}

// Matches reports whether e passes every filter in s. Transaction filters
// ignore events that carry no transaction.
func (s Subscription) Matches(e *Event) bool {
	if len(s.EventTypes) > 0 && !slices.Contains(s.EventTypes, e.Type) {
		return false
	}

	tx := e.Data
	if tx == nil {
		return true
	}
	switch {
	case len(s.UserIDs) > 0 && !slices.Contains(s.UserIDs, tx.UserID):
		return false
	case len(s.MerchantIDs) > 0 && !slices.Contains(s.MerchantIDs, tx.MerchantID):
		return false
	case len(s.Decisions) > 0 && !slices.Contains(s.Decisions, tx.Recommendation):
		return false
	case s.MinAmount.IsPositive() && tx.Amount.LessThan(s.MinAmount):
		return false
	}
	if len(s.Rules) > 0 {
		return slices.ContainsFunc(tx.Violations, func(v string) bool {
			return slices.Contains(s.Rules, v)
		})
	}
	return true
}
