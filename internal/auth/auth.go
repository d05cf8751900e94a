// Package auth provides HTTP basic authentication for the scoring API.
//
// Authentication model:
// - /v1 scoring and chargeback endpoints: basic auth (AUTH_USER / AUTH_PASS)
// - Stripe webhook: signature verification, no basic auth
// - /health, /metrics: no auth
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
)

// Errors
var (
	ErrNoCredentials      = errors.New("credentials required")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Credentials is a single configured user. Only digests are kept in memory.
type Credentials struct {
	user [sha256.Size]byte
	pass [sha256.Size]byte
	set  bool
}

// NewCredentials creates credentials for user and password. An empty user
// disables authentication.
func NewCredentials(user, pass string) Credentials {
	if user == "" {
		return Credentials{}
	}
	return Credentials{
		user: sha256.Sum256([]byte(user)),
		pass: sha256.Sum256([]byte(pass)),
		set:  true,
	}
}

// Enabled reports whether credentials are configured.
func (c Credentials) Enabled() bool {
	return c.set
}

// Verify checks a user/password pair in constant time. Both halves are always
// compared so timing does not reveal which one was wrong.
func (c Credentials) Verify(user, pass string) error {
	if !c.set {
		return nil
	}
	if user == "" && pass == "" {
		return ErrNoCredentials
	}
	u := sha256.Sum256([]byte(user))
	p := sha256.Sum256([]byte(pass))
	userOK := subtle.ConstantTimeCompare(u[:], c.user[:])
	passOK := subtle.ConstantTimeCompare(p[:], c.pass[:])
	if userOK&passOK != 1 {
		return ErrInvalidCredentials
	}
	return nil
}
