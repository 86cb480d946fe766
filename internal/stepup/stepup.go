// Package stepup issues and verifies step-up verification tokens. A token
// is a compact JWS (HS256) binding a subject to a short expiry; presenting
// a valid one satisfies the step-up requirement on high-risk actions.
package stepup

import (
	"errors"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// DefaultTTL is the issued token lifetime.
const DefaultTTL = 5 * time.Minute

// tokenIssuer identifies tokens minted by this service.
const tokenIssuer = "agentgate"

// Sentinel errors for token verification.
var (
	// ErrNoSecret indicates the verifier was built without a signing secret.
	ErrNoSecret = errors.New("step-up secret not configured")

	// ErrInvalidToken indicates the token failed signature or claim
	// validation.
	ErrInvalidToken = errors.New("invalid step-up token")

	// ErrSubjectMismatch indicates the token was minted for a different
	// subject.
	ErrSubjectMismatch = errors.New("step-up token subject mismatch")
)

// Verifier validates and mints step-up tokens with a shared HS256 secret.
type Verifier struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// VerifierOption configures the Verifier.
type VerifierOption func(*Verifier)

// WithTTL sets the issued token lifetime.
func WithTTL(ttl time.Duration) VerifierOption {
	return func(v *Verifier) {
		if ttl > 0 {
			v.ttl = ttl
		}
	}
}

// WithNow overrides the time source, for tests.
func WithNow(now func() time.Time) VerifierOption {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

// NewVerifier creates a Verifier for the given shared secret.
func NewVerifier(secret string, opts ...VerifierOption) (*Verifier, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	v := &Verifier{
		secret: []byte(secret),
		ttl:    DefaultTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Issue mints a token for a subject, typically after an out-of-band
// verification step completes.
func (v *Verifier) Issue(subject string) (string, error) {
	now := v.now().UTC()
	tok, err := jwt.NewBuilder().
		Issuer(tokenIssuer).
		Subject(subject).
		IssuedAt(now).
		Expiration(now.Add(v.ttl)).
		Build()
	if err != nil {
		return "", fmt.Errorf("building step-up token: %w", err)
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, v.secret))
	if err != nil {
		return "", fmt.Errorf("signing step-up token: %w", err)
	}
	return string(signed), nil
}

// Verify checks the token's signature, expiry, issuer, and that it was
// minted for the given subject.
func (v *Verifier) Verify(token, subject string) error {
	if token == "" {
		return ErrInvalidToken
	}
	parsed, err := jwt.Parse([]byte(token),
		jwt.WithKey(jwa.HS256, v.secret),
		jwt.WithValidate(true),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithClock(jwt.ClockFunc(v.now)),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed.Subject() != subject {
		return ErrSubjectMismatch
	}
	return nil
}
