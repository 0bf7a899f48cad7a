// Package auth validates bearer credentials for HTTP callers and bridge
// connections. Tokens are compared in constant time and never logged in
// full — audit records carry a short fingerprint only.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"

	"github.com/coderelay/coderelay/pkg/audit"
	"github.com/coderelay/coderelay/pkg/config"
)

// ErrAuthFailure is returned for every rejected credential. Callers must not
// reveal which part of the credential was wrong.
var ErrAuthFailure = errors.New("authentication failure")

// Principal identifies an authenticated caller.
type Principal struct {
	// Fingerprint is the short hash of the presented token, or "anonymous".
	Fingerprint string
}

// Validator checks opaque bearer credentials against the configured token
// set. Every validation attempt, pass or fail, produces an audit record.
type Validator struct {
	tokens         [][]byte
	allowAnonymous bool
	sink           *audit.Sink
}

// NewValidator creates a Validator. sink may be nil in tests.
func NewValidator(cfg config.AuthConfig, sink *audit.Sink) *Validator {
	v := &Validator{allowAnonymous: cfg.AllowAnonymous, sink: sink}
	for _, tok := range cfg.Tokens {
		v.tokens = append(v.tokens, []byte(tok))
	}
	return v
}

// Validate checks a credential presented by peer. An empty token set with
// anonymous access disabled fails closed.
func (v *Validator) Validate(credential, peer string) (Principal, error) {
	if credential == "" && v.allowAnonymous {
		v.record("pass", "anonymous", peer)
		return Principal{Fingerprint: "anonymous"}, nil
	}

	fp := Fingerprint(credential)
	for _, tok := range v.tokens {
		if subtle.ConstantTimeCompare([]byte(credential), tok) == 1 {
			v.record("pass", fp, peer)
			return Principal{Fingerprint: fp}, nil
		}
	}

	v.record("fail", fp, peer)
	return Principal{}, ErrAuthFailure
}

func (v *Validator) record(outcome, fingerprint, peer string) {
	if v.sink == nil {
		return
	}
	v.sink.Enqueue(audit.Record{
		Event:       "auth.validate",
		Outcome:     outcome,
		Fingerprint: fingerprint,
		PeerAddress: peer,
	})
}

// Fingerprint returns the first 12 hex chars of the SHA-256 of the token.
// Safe to log and to store in audit records.
func Fingerprint(token string) string {
	if token == "" {
		return "empty"
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])[:12]
}
