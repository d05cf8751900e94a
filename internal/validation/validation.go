// Package validation checks request shape before anything reaches the
// scoring engine: presence, sign, and length. Fraud logic lives in the
// recommendation package.
package validation

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// MaxRequestSize bounds request bodies.
const MaxRequestSize = 1 << 20

// FieldError is one rejected field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Errors lists every rejected field of one input.
type Errors []FieldError

func (e Errors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	parts := make([]string, len(e))
	for i, fe := range e {
		parts[i] = fe.Field + ": " + fe.Message
	}
	return strings.Join(parts, "; ")
}

// Validator accumulates field errors so a caller reports all of them at once.
type Validator struct {
	errs Errors
}

func (v *Validator) fail(field, message string) {
	v.errs = append(v.errs, FieldError{Field: field, Message: message})
}

// ID requires a positive id.
func (v *Validator) ID(field string, id int64) {
	if id <= 0 {
		v.fail(field, "must be a positive integer")
	}
}

// OptionalID accepts nil but rejects a non-positive id.
func (v *Validator) OptionalID(field string, id *int64) {
	if id != nil {
		v.ID(field, *id)
	}
}

// Text requires a non-blank value no longer than maxLen bytes.
func (v *Validator) Text(field, value string, maxLen int) {
	switch {
	case strings.TrimSpace(value) == "":
		v.fail(field, "is required")
	case len(value) > maxLen:
		v.fail(field, "must be at most "+strconv.Itoa(maxLen)+" characters")
	}
}

// Time requires a non-zero timestamp.
func (v *Validator) Time(field string, t time.Time) {
	if t.IsZero() {
		v.fail(field, "is required")
	}
}

// Positive requires an amount strictly greater than zero.
func (v *Validator) Positive(field string, d decimal.Decimal) {
	if !d.IsPositive() {
		v.fail(field, "must be greater than zero")
	}
}

// Decimal requires d to fit in intDigits integer digits and scale
// fractional digits without rounding. Trailing zeros are not counted.
func (v *Validator) Decimal(field string, d decimal.Decimal, intDigits, scale int32) {
	switch {
	case !d.Equal(d.Truncate(scale)):
		v.fail(field, "must have at most "+strconv.Itoa(int(scale))+" decimal places")
	case d.Abs().Cmp(decimal.New(1, intDigits)) >= 0:
		v.fail(field, "must have at most "+strconv.Itoa(int(intDigits))+" integer digits")
	}
}

// Err returns the collected Errors, or nil.
func (v *Validator) Err() error {
	if len(v.errs) == 0 {
		return nil
	}
	return v.errs
}

// ParseID parses a positive integer id.
func ParseID(s string) (int64, bool) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func pathKey(param string) string { return "validation.path." + param }

// PathID rejects requests whose :param is not a positive integer and stores
// the parsed value for PathIDFrom.
func PathID(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := ParseID(c.Param(param))
		if !ok {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_id",
				"message": param + " must be a positive integer",
			})
			return
		}
		c.Set(pathKey(param), id)
		c.Next()
	}
}

// PathIDFrom returns the id stored by PathID, or 0 when the route has none.
func PathIDFrom(c *gin.Context, param string) int64 {
	return c.GetInt64(pathKey(param))
}

// BodyLimit caps request bodies at maxBytes. Reads past the cap fail with
// *http.MaxBytesError.
func BodyLimit(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}
