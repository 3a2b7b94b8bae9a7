// Package idempotency defines stored responses for requests carrying a client key.
package idempotency

import (
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/blake2b"

	"github.com/Strob0t/slotkeeper/internal/domain"
)

// State is the lifecycle of a record.
type State string

const (
	StateInFlight  State = "in_flight"
	StateCompleted State = "completed"
)

// MaxKeyLength bounds client-supplied keys.
const MaxKeyLength = 255

// Scope identifies one idempotent operation slot.
type Scope struct {
	TenantID string
	KeyHash  string
	Endpoint string
	Method   string
}

// String renders the scope for logs and KV keys.
func (s Scope) String() string {
	return s.TenantID + "|" + s.Method + "|" + s.Endpoint + "|" + s.KeyHash
}

// Response is the replayable result of an operation.
type Response struct {
	Status  int         `json:"status"`
	Headers http.Header `json:"headers,omitempty"`
	Body    []byte      `json:"body,omitempty"`
}

// Record is the stored claim or completed response for a Scope.
type Record struct {
	Scope       Scope
	RequestHash string
	State       State
	Response    Response
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Expired reports whether r is past its expiry at now.
func (r *Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// ValidateKey checks a raw client key.
func ValidateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("idempotency key is required: %w", domain.ErrValidation)
	}
	if len(key) > MaxKeyLength {
		return fmt.Errorf("idempotency key exceeds %d characters: %w", MaxKeyLength, domain.ErrValidation)
	}
	return nil
}

// Hasher derives stored digests. Raw client keys are never persisted.
type Hasher struct {
	secret []byte
}

// NewHasher returns a Hasher keyed by secret. blake2b accepts keys up to 64 bytes;
// longer secrets are compressed first.
func NewHasher(secret string) *Hasher {
	key := []byte(secret)
	if len(key) > blake2b.Size {
		sum := blake2b.Sum512(key)
		key = sum[:]
	}
	return &Hasher{secret: key}
}

// KeyHash returns the hex keyed BLAKE2b-256 MAC of the client key.
func (h *Hasher) KeyHash(key string) string {
	mac, err := blake2b.New256(h.secret)
	if err != nil {
		// Only returned for keys longer than 64 bytes, which NewHasher prevents.
		panic("idempotency: blake2b init: " + err.Error())
	}
	mac.Write([]byte(key))
	return hex.EncodeToString(mac.Sum(nil))
}

// fingerprintKey separates request fingerprints from other BLAKE3 uses.
var fingerprintKey = [32]byte{
	's', 'l', 'o', 't', 'k', 'e', 'e', 'p', 'e', 'r', '.', 'i', 'd', 'e', 'm', 'p',
	'o', 't', 'e', 'n', 'c', 'y', '.', 'f', 'p', 0, 0, 0, 0, 0, 0, 0,
}

// Fingerprint returns the hex BLAKE3 digest of the request parts, each length-prefixed
// so that ("ab","c") and ("a","bc") differ.
func Fingerprint(parts ...[]byte) string {
	hasher, err := blake3.NewKeyed(fingerprintKey[:])
	if err != nil {
		panic("idempotency: blake3 init: " + err.Error())
	}
	for _, p := range parts {
		_, _ = fmt.Fprintf(hasher, "%d:", len(p))
		_, _ = hasher.Write(p)
	}
	return hex.EncodeToString(hasher.Sum(nil))
}
