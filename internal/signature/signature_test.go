package signature

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRequest() Request {
	return Request{
		Method:    "POST",
		Path:      "/coordinate",
		Timestamp: "2026-08-26T10:00:00Z",
		Body:      []byte(`{"message_id":"m1"}`),
		MessageID: "m1",
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	req := testRequest()

	sig, err := Sign(req, "s3cr3t")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sig, "v1="))

	require.NoError(t, Verify(req, "s3cr3t", sig))

	// Bare hex without the prefix is accepted too.
	require.NoError(t, Verify(req, "s3cr3t", strings.TrimPrefix(sig, "v1=")))
}

func TestVerifyRejectsMutatedInputs(t *testing.T) {
	req := testRequest()
	sig, err := Sign(req, "s3cr3t")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Request)
	}{
		{"method", func(r *Request) { r.Method = "PUT" }},
		{"path", func(r *Request) { r.Path = "/coordinates" }},
		{"timestamp", func(r *Request) { r.Timestamp = "2026-08-26T10:00:01Z" }},
		{"body", func(r *Request) { r.Body = []byte(`{"message_id":"m2"}`) }},
		{"message id", func(r *Request) { r.MessageID = "m2" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mutated := testRequest()
			tt.mutate(&mutated)
			assert.ErrorIs(t, Verify(mutated, "s3cr3t", sig), ErrSignatureMismatch)
		})
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	req := testRequest()
	sig, err := Sign(req, "s3cr3t")
	require.NoError(t, err)

	assert.ErrorIs(t, Verify(req, "other", sig), ErrSignatureMismatch)
}

func TestVerifySingleByteMutationOfSignature(t *testing.T) {
	req := testRequest()
	sig, err := Sign(req, "s3cr3t")
	require.NoError(t, err)

	raw := []byte(strings.TrimPrefix(sig, "v1="))
	for i := range raw {
		flipped := make([]byte, len(raw))
		copy(flipped, raw)
		if flipped[i] == 'a' {
			flipped[i] = 'b'
		} else {
			flipped[i] = 'a'
		}
		err := Verify(req, "s3cr3t", "v1="+string(flipped))
		assert.Error(t, err, "mutation at position %d must fail", i)
	}
}

func TestVerifyMalformedSignature(t *testing.T) {
	req := testRequest()
	assert.ErrorIs(t, Verify(req, "s3cr3t", "v1=zzzz"), ErrMalformedSignature)
	assert.ErrorIs(t, Verify(req, "s3cr3t", ""), ErrMissingField)
}

func TestCanonicalStringShape(t *testing.T) {
	req := testRequest()
	canonical, err := CanonicalString(req)
	require.NoError(t, err)

	parts := strings.Split(canonical, "\n")
	require.Len(t, parts, 5)
	assert.Equal(t, "POST", parts[0])
	assert.Equal(t, "/coordinate", parts[1])
	assert.Equal(t, req.Timestamp, parts[2])
	assert.Equal(t, BodyHash(req.Body), parts[3])
	assert.Equal(t, "m1", parts[4])

	// Without a message id the canonical string has four fields.
	req.MessageID = ""
	canonical, err = CanonicalString(req)
	require.NoError(t, err)
	assert.Len(t, strings.Split(canonical, "\n"), 4)
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/coordinate", "/coordinate"},
		{"/coordinate?x=1&y=2", "/coordinate"},
		{"coordinate", "/coordinate"},
		{"//coordinate", "/coordinate"},
		{"", "/"},
		{"?q=1", "/"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizePath(tt.in), "input %q", tt.in)
	}
}

func TestSignRejectsOversizedBody(t *testing.T) {
	req := testRequest()
	req.Body = make([]byte, MaxBodyBytes+1)

	_, err := Sign(req, "s3cr3t")
	assert.ErrorIs(t, err, ErrBodyTooLarge)
}

func TestSignRejectsMissingFields(t *testing.T) {
	req := testRequest()
	req.Timestamp = ""

	_, err := Sign(req, "s3cr3t")
	assert.ErrorIs(t, err, ErrMissingField)
}

func TestParseTimestampFormats(t *testing.T) {
	tests := []struct {
		name  string
		value string
		ok    bool
	}{
		{"rfc3339", "2026-08-26T10:00:00Z", true},
		{"rfc3339 offset", "2026-08-26T12:00:00+02:00", true},
		{"rfc3339 nano", "2026-08-26T10:00:00.123456789Z", true},
		{"zoneless", "2026-08-26T10:00:00", true},
		{"unix seconds", "1787997600", false},
		{"garbage", "yesterday", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts, err := ParseTimestamp(tt.value)
			if !tt.ok {
				assert.ErrorIs(t, err, ErrMalformedTimestamp)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, time.UTC, ts.Location())
		})
	}
}

func TestClockDrift(t *testing.T) {
	now := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	clock := NewClock(300*time.Second, func() time.Time { return now })

	// Exactly at the boundary is accepted.
	_, err := clock.Check(now.Add(-300 * time.Second).Format(time.RFC3339))
	require.NoError(t, err)

	// One second past, in either direction, is rejected.
	_, err = clock.Check(now.Add(-301 * time.Second).Format(time.RFC3339))
	assert.ErrorIs(t, err, ErrTimestampDrift)

	_, err = clock.Check(now.Add(301 * time.Second).Format(time.RFC3339))
	assert.ErrorIs(t, err, ErrTimestampDrift)
}

func TestClockSetDriftWindow(t *testing.T) {
	now := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	clock := NewClock(0, func() time.Time { return now })
	assert.Equal(t, DefaultDriftWindow, clock.DriftWindow())

	clock.SetDriftWindow(60 * time.Second)
	_, err := clock.Check(now.Add(-90 * time.Second).Format(time.RFC3339))
	assert.ErrorIs(t, err, ErrTimestampDrift)

	// Non-positive updates are ignored.
	clock.SetDriftWindow(-1)
	assert.Equal(t, 60*time.Second, clock.DriftWindow())
}
