package signature

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultDriftWindow bounds |now - timestamp| when none is configured.
// Drift checking substitutes for a nonce ledger: it trades perfect replay
// prevention for statelessness, with the idempotency cache as the second net.
const DefaultDriftWindow = 300 * time.Second

// Sentinel errors for timestamp validation.
var (
	// ErrMalformedTimestamp indicates the timestamp could not be parsed.
	ErrMalformedTimestamp = errors.New("malformed timestamp")

	// ErrTimestampDrift indicates the timestamp is outside the drift window.
	ErrTimestampDrift = errors.New("timestamp outside drift window")
)

// timestampLayouts are the accepted RFC3339 sub-formats. The zoneless
// layout is interpreted as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
}

// ParseTimestamp parses an RFC3339-family timestamp.
func ParseTimestamp(value string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrMalformedTimestamp, value)
}

// Clock reports request-time timestamps against a drift window. The window
// is adjustable at runtime so configuration reloads apply without restart.
type Clock struct {
	nowFn func() time.Time

	mu    sync.RWMutex
	drift time.Duration
}

// NewClock creates a Clock with the given drift window. A non-positive
// window falls back to DefaultDriftWindow. nowFn may be nil.
func NewClock(drift time.Duration, nowFn func() time.Time) *Clock {
	if drift <= 0 {
		drift = DefaultDriftWindow
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Clock{nowFn: nowFn, drift: drift}
}

// DriftWindow returns the current drift window.
func (c *Clock) DriftWindow() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.drift
}

// SetDriftWindow updates the drift window.
func (c *Clock) SetDriftWindow(drift time.Duration) {
	if drift <= 0 {
		return
	}
	c.mu.Lock()
	c.drift = drift
	c.mu.Unlock()
}

// Check parses the timestamp and rejects it when |now - ts| exceeds the
// drift window. It returns the parsed time on success.
func (c *Clock) Check(value string) (time.Time, error) {
	ts, err := ParseTimestamp(value)
	if err != nil {
		return time.Time{}, err
	}

	skew := c.nowFn().UTC().Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if window := c.DriftWindow(); skew > window {
		return time.Time{}, fmt.Errorf("%w: skew %s exceeds %s", ErrTimestampDrift, skew.Round(time.Second), window)
	}
	return ts, nil
}
