// Package idempotency provides replay-bounded request deduplication backed
// by a TTL-capable key-value store.
//
// Each request is fingerprinted from the credential key id and the body
// hash, plus the client-supplied idempotency token when present. A stored
// record replays the original response; a token reused with a different
// body is a conflict. The cache is a secondary safety net: on store
// trouble callers proceed without dedup (fail open) rather than reject.
package idempotency

import (
	"context"
	"errors"
	"time"
)

// DefaultTTL is the replay window for stored responses.
const DefaultTTL = 24 * time.Hour

// ErrRecordNotFound indicates no record exists for a fingerprint.
var ErrRecordNotFound = errors.New("idempotency record not found")

// Record is the cached outcome of a completed request.
type Record struct {
	Status   int       `json:"status"`
	BodyHash string    `json:"body_hash"`
	Response []byte    `json:"response,omitempty"`
	StoredAt time.Time `json:"stored_at"`
}

// Outcome classifies a cache check.
type Outcome int

const (
	// OutcomeMiss means no record exists; the caller proceeds and stores.
	OutcomeMiss Outcome = iota

	// OutcomeReplay means an identical request already completed; the
	// caller must return the cached response without re-running side
	// effects.
	OutcomeReplay

	// OutcomeConflict means the client token was reused with a different
	// body.
	OutcomeConflict
)

// CheckResult is the outcome of a cache check, with the cached record on
// replay.
type CheckResult struct {
	Outcome Outcome
	Record  *Record
}

// Cache deduplicates requests. Implementations need only atomic
// set-if-absent with TTL; fingerprints are independent, so no cross-record
// coordination is required.
type Cache interface {
	// Check looks up the request. The body-keyed record is consulted
	// first (pure replay detection), then the token-keyed record for
	// conflict detection.
	Check(ctx context.Context, keyID, bodyHash, clientToken string) (*CheckResult, error)

	// Store records a completed response under both fingerprints.
	// Existing records are never overwritten.
	Store(ctx context.Context, keyID, bodyHash, clientToken string, status int, response []byte) error

	// Ping verifies connectivity to the underlying store.
	Ping(ctx context.Context) error

	// Close releases the underlying store connection.
	Close() error
}
