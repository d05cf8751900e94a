package antifraud

import (
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/txguard/internal/transactions"
	"github.com/mbd888/txguard/internal/validation"
	"github.com/shopspring/decimal"
)

// TransactionInput is a transaction as submitted for scoring.
type TransactionInput struct {
	ID         int64           `json:"id" yaml:"id"`
	MerchantID int64           `json:"merchant_id" yaml:"merchant_id"`
	UserID     int64           `json:"user_id" yaml:"user_id"`
	DeviceID   *int64          `json:"device_id" yaml:"device_id"`
	CardNumber string          `json:"card_number" yaml:"card_number"`
	Date       Timestamp       `json:"date" yaml:"date"`
	Amount     decimal.Decimal `json:"amount" yaml:"amount"`
}

// maxCardNumberLength bounds the stored card number. Masked numbers of the
// wrong length are accepted here and flagged by the card format rule.
const maxCardNumberLength = 64

// Validate checks the input before it reaches the engine.
func (in *TransactionInput) Validate() error {
	var v validation.Validator
	v.ID("id", in.ID)
	v.ID("merchant_id", in.MerchantID)
	v.ID("user_id", in.UserID)
	v.OptionalID("device_id", in.DeviceID)
	v.Text("card_number", in.CardNumber, maxCardNumberLength)
	v.Time("date", in.Date.Time())
	v.Positive("amount", in.Amount)
	v.Decimal("amount", in.Amount, transactions.AmountIntegerDigits, transactions.AmountScale)
	return v.Err()
}

// Transaction converts the input into an unscored record. The timestamp is
// cut to the resolution every store keeps.
func (in *TransactionInput) Transaction() *transactions.Transaction {
	tx := &transactions.Transaction{
		ID:         in.ID,
		MerchantID: in.MerchantID,
		UserID:     in.UserID,
		CardNumber: in.CardNumber,
		Timestamp:  in.Date.Time().Truncate(transactions.TimestampResolution),
		Amount:     in.Amount,
	}
	if in.DeviceID != nil {
		d := *in.DeviceID
		tx.DeviceID = &d
	}
	return tx
}

// Timestamp accepts RFC 3339 and the zone-less ISO 8601 form card networks
// send ("2019-12-01T23:16:32.812632"). Zone-less values are read as UTC.
type Timestamp time.Time

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp parses s with the accepted layouts.
func ParseTimestamp(s string) (Timestamp, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return Timestamp(t.UTC()), nil
		}
	}
	return Timestamp{}, fmt.Errorf("invalid timestamp %q", s)
}

// Time returns the UTC time.
func (t Timestamp) Time() time.Time {
	return time.Time(t)
}

func (t *Timestamp) UnmarshalText(b []byte) error {
	parsed, err := ParseTimestamp(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

func (t Timestamp) MarshalText() ([]byte, error) {
	return []byte(time.Time(t).UTC().Format(time.RFC3339Nano)), nil
}
