// Package signature implements canonical request signing and verification
// for agent coordination requests.
//
// The canonical string is the exact field sequence
//
//	UPPER(method) "\n" path "\n" timestamp "\n" sha256hex(body) ["\n" message_id]
//
// where the path has its query stripped and a single leading slash, and
// message_id joins only when present. The signature is the hex HMAC-SHA256
// of the canonical string under the credential secret, carried on the wire
// as "v1=<hex>".
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// Prefix is the signature scheme marker carried on the wire.
const Prefix = "v1="

// MaxBodyBytes is the maximum body size that will be hashed for signing.
const MaxBodyBytes = 1 << 20 // 1 MiB

// Sentinel errors for signing and verification.
var (
	// ErrMissingField indicates a required canonical field is empty.
	ErrMissingField = errors.New("missing canonical field")

	// ErrBodyTooLarge indicates the body exceeds MaxBodyBytes.
	ErrBodyTooLarge = errors.New("request body too large to sign")

	// ErrMalformedSignature indicates the provided signature is not valid hex.
	ErrMalformedSignature = errors.New("malformed signature")

	// ErrSignatureMismatch indicates the recomputed digest does not match.
	ErrSignatureMismatch = errors.New("signature mismatch")
)

// Request carries the canonical fields of a signed request.
type Request struct {
	Method    string
	Path      string
	Timestamp string
	Body      []byte

	// MessageID is folded into the canonical string only when present.
	MessageID string
}

// NormalizePath strips the query string and guarantees a single leading
// slash, so both sides canonicalize the path identically.
func NormalizePath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	path = strings.TrimLeft(path, "/")
	return "/" + path
}

// BodyHash returns the lowercase hex SHA-256 of the body.
func BodyHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// CanonicalString assembles the exact byte sequence that gets signed.
func CanonicalString(req Request) (string, error) {
	if req.Method == "" || req.Timestamp == "" {
		return "", ErrMissingField
	}
	if int64(len(req.Body)) > MaxBodyBytes {
		return "", ErrBodyTooLarge
	}

	parts := []string{
		strings.ToUpper(req.Method),
		NormalizePath(req.Path),
		req.Timestamp,
		BodyHash(req.Body),
	}
	if req.MessageID != "" {
		parts = append(parts, req.MessageID)
	}
	return strings.Join(parts, "\n"), nil
}

// Sign computes the request signature, returning the "v1=<hex>" form.
func Sign(req Request, secret string) (string, error) {
	canonical, err := CanonicalString(req)
	if err != nil {
		return "", err
	}
	return Prefix + hex.EncodeToString(digest(canonical, secret)), nil
}

// Verify recomputes the signature and compares digests in constant time.
// The provided value may carry the "v1=" prefix or be bare hex; only the
// decoded digest bytes are ever compared, never the prefix literal.
func Verify(req Request, secret, provided string) error {
	provided = strings.TrimPrefix(strings.TrimSpace(provided), Prefix)
	if provided == "" {
		return ErrMissingField
	}

	providedBytes, err := hex.DecodeString(provided)
	if err != nil {
		return ErrMalformedSignature
	}

	canonical, err := CanonicalString(req)
	if err != nil {
		return err
	}

	if !hmac.Equal(providedBytes, digest(canonical, secret)) {
		return ErrSignatureMismatch
	}
	return nil
}

func digest(canonical, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(canonical))
	return mac.Sum(nil)
}
