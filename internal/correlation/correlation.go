// Package correlation allocates the identifiers that tie a worker's callback
// back to the job that launched it, and optionally signs them.
package correlation

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"
)

// Allocator returns a fresh correlation ID. Stores take one so tests can
// force collisions or deterministic values.
type Allocator func() uuid.UUID

// New returns a random (version 4) UUID. It never returns the same value
// twice for practical purposes and cannot fail.
func New() uuid.UUID {
	return uuid.New()
}

// Parse accepts the canonical textual form only.
func Parse(s string) (uuid.UUID, error) {
	return uuid.Parse(s)
}

// Signer issues and checks per-job callback tokens. A Signer with an empty
// secret is disabled: it issues no tokens and accepts any token.
type Signer struct {
	secret []byte
}

func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

func (s *Signer) Enabled() bool {
	return s != nil && len(s.secret) > 0
}

// Token returns the hex HMAC-SHA256 of the correlation ID, or "" when disabled.
func (s *Signer) Token(id uuid.UUID) string {
	if !s.Enabled() {
		return ""
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(id.String()))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify compares in constant time.
func (s *Signer) Verify(id uuid.UUID, token string) bool {
	if !s.Enabled() {
		return true
	}
	return hmac.Equal([]byte(s.Token(id)), []byte(token))
}
