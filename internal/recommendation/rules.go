package recommendation

import (
	"unicode/utf8"

	"github.com/mbd888/txguard/internal/transactions"
	"github.com/shopspring/decimal"
)

// RuleID is the stable identifier reported for a violated rule.
type RuleID string

const (
	RuleInvalidCardNumber       RuleID = "invalid_card_number"
	RulePreviousChargeback      RuleID = "previous_chargeback"
	RulePreviousDenied          RuleID = "previous_denied"
	RuleFiveHoursLimit          RuleID = "five_hours_limit"
	RuleOneHourLimit            RuleID = "one_hour_limit"
	RuleSameAmountLastHour      RuleID = "same_amount_last_hour"
	RuleTooManyDevices          RuleID = "too_many_devices"
	RuleSameDeviceMultipleTimes RuleID = "same_device_multiple_times"
	RuleHighAmountNight         RuleID = "high_amount_night"
)

// Thresholds. These are properties of the engine, not per-user settings.
var (
	fiveHourLimit    = decimal.NewFromInt(5000)
	oneHourLimit     = decimal.NewFromInt(1000)
	nightAmountLimit = decimal.NewFromInt(500)
)

const (
	cardNumberLength   = 16
	maxDistinctDevices = 2
	maxSameDevice      = 2

	// Hours strictly between these, in UTC, are daytime.
	nightEndsAfterHour  = 6
	nightStartsFromHour = 22
)

// EvalContext is the immutable input every rule sees for one score call.
type EvalContext struct {
	candidate  *transactions.Transaction
	fiveHour   []*transactions.Transaction
	oneHour    []*transactions.Transaction
	chargeback bool
}

// Rule is one independent risk check. The set of implementations is closed;
// rules are built only through the versioned rule sets.
type Rule interface {
	ID() RuleID
	Description() string
	// Evaluate reports whether the rule is violated. It must not mutate ec.
	Evaluate(ec *EvalContext) bool

	rule()
}

type cardFormatRule struct{}

func (cardFormatRule) rule()      {}
func (cardFormatRule) ID() RuleID { return RuleInvalidCardNumber }
func (cardFormatRule) Description() string {
	return "card number is not exactly 16 characters"
}
func (cardFormatRule) Evaluate(ec *EvalContext) bool {
	return utf8.RuneCountInString(ec.candidate.CardNumber) != cardNumberLength
}

type previousChargebackRule struct{}

func (previousChargebackRule) rule()      {}
func (previousChargebackRule) ID() RuleID { return RulePreviousChargeback }
func (previousChargebackRule) Description() string {
	return "user has a chargeback on any earlier transaction"
}
func (previousChargebackRule) Evaluate(ec *EvalContext) bool { return ec.chargeback }

type previousDeniedRule struct{}

func (previousDeniedRule) rule()      {}
func (previousDeniedRule) ID() RuleID { return RulePreviousDenied }
func (previousDeniedRule) Description() string {
	return "user had a denied transaction in the last five hours"
}
func (previousDeniedRule) Evaluate(ec *EvalContext) bool {
	for _, tx := range ec.fiveHour {
		if tx.Recommendation == transactions.RecommendationDeny {
			return true
		}
	}
	return false
}

// amountCeilingRule triggers when the prior history in its window sums to at
// least limit. The candidate's own amount is not part of the sum.
type amountCeilingRule struct {
	id       RuleID
	desc     string
	limit    decimal.Decimal
	fiveHour bool
}

func (r amountCeilingRule) rule()               {}
func (r amountCeilingRule) ID() RuleID          { return r.id }
func (r amountCeilingRule) Description() string { return r.desc }
func (r amountCeilingRule) Evaluate(ec *EvalContext) bool {
	txs := ec.oneHour
	if r.fiveHour {
		txs = ec.fiveHour
	}
	sum := decimal.Zero
	for _, tx := range txs {
		sum = sum.Add(tx.Amount)
	}
	return sum.GreaterThanOrEqual(r.limit)
}

type duplicateAmountRule struct{}

func (duplicateAmountRule) rule()      {}
func (duplicateAmountRule) ID() RuleID { return RuleSameAmountLastHour }
func (duplicateAmountRule) Description() string {
	return "another transaction in the last hour has exactly the same amount"
}
func (duplicateAmountRule) Evaluate(ec *EvalContext) bool {
	for _, tx := range ec.oneHour {
		if tx.Amount.Equal(ec.candidate.Amount) {
			return true
		}
	}
	return false
}

// deviceFanOutRule counts distinct devices in the last hour. A missing
// device counts as one distinct value of its own.
type deviceFanOutRule struct{}

func (deviceFanOutRule) rule()      {}
func (deviceFanOutRule) ID() RuleID { return RuleTooManyDevices }
func (deviceFanOutRule) Description() string {
	return "two or more distinct devices used in the last hour"
}
func (deviceFanOutRule) Evaluate(ec *EvalContext) bool {
	seen := make(map[int64]struct{})
	noDevice := false
	for _, tx := range ec.oneHour {
		if tx.DeviceID == nil {
			noDevice = true
			continue
		}
		seen[*tx.DeviceID] = struct{}{}
	}
	distinct := len(seen)
	if noDevice {
		distinct++
	}
	return distinct >= maxDistinctDevices
}

type deviceRepeatRule struct{}

func (deviceRepeatRule) rule()      {}
func (deviceRepeatRule) ID() RuleID { return RuleSameDeviceMultipleTimes }
func (deviceRepeatRule) Description() string {
	return "candidate's device used two or more times in the last hour"
}
func (deviceRepeatRule) Evaluate(ec *EvalContext) bool {
	n := 0
	for _, tx := range ec.oneHour {
		if tx.SameDevice(ec.candidate) {
			n++
		}
	}
	return n >= maxSameDevice
}

type nightAmountRule struct{}

func (nightAmountRule) rule()      {}
func (nightAmountRule) ID() RuleID { return RuleHighAmountNight }
func (nightAmountRule) Description() string {
	return "amount of 500 or more outside 07:00-21:59 UTC"
}
func (nightAmountRule) Evaluate(ec *EvalContext) bool {
	if ec.candidate.Amount.LessThan(nightAmountLimit) {
		return false
	}
	h := ec.candidate.Timestamp.UTC().Hour()
	return !(h > nightEndsAfterHour && h < nightStartsFromHour)
}
