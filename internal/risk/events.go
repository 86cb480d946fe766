// Package risk classifies authorized requests into low/medium/high risk
// from reputation, recent risk events, and auth anomalies, and enforces
// step-up verification on high-risk sensitive actions.
package risk

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/relaymesh/agentgate/internal/reputation"
)

// Severity grades a risk event.
type Severity string

// Event severities and their penalty weights.
const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// severityPenalties are the per-event deductions from the events component.
// The SQL aggregation in WeightedPenalty mirrors these values.
var severityPenalties = map[Severity]float64{
	SeverityLow:    5,
	SeverityMedium: 10,
	SeverityHigh:   20,
}

// Penalty returns the severity's deduction weight.
func (s Severity) Penalty() float64 {
	return severityPenalties[s]
}

// Well-known event types.
const (
	EventAuthFailure     = "auth_failure"
	EventRateLimitSpike  = "rate_limit_spike"
	EventHighRiskRequest = "high_risk_request"
)

// Event is one entry in the append-only risk log. OrgID is always set;
// ActorID only when the event is attributable to a specific agent.
type Event struct {
	ID        string            `json:"id"`
	OrgID     string            `json:"org_id"`
	ActorID   string            `json:"actor_id,omitempty"`
	EventType string            `json:"event_type"`
	Severity  Severity          `json:"severity"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// EventStore is the append-only risk event log plus the two bounded counts
// the classifier needs.
type EventStore interface {
	// Append adds an event, assigning an id when missing.
	Append(ctx context.Context, ev *Event) error

	// WeightedPenalty sums the severity penalties for a subject's events
	// since the cutoff, capped at 100.
	WeightedPenalty(ctx context.Context, subjectType, subjectID string, since time.Time) (float64, error)

	// AuthFailures counts auth_failure events for a subject since the
	// cutoff.
	AuthFailures(ctx context.Context, subjectType, subjectID string, since time.Time) (int64, error)

	// HygieneStats aggregates auth failures and rate-limit spikes for the
	// reputation hygiene factor.
	HygieneStats(ctx context.Context, subjectType, subjectID string, since time.Time) (reputation.HygieneStats, error)
}

type sqlEventStore struct {
	db *sql.DB
}

// NewEventStore creates a risk event store on SQLite.
func NewEventStore(db *sql.DB) EventStore {
	return &sqlEventStore{db: db}
}

func (s *sqlEventStore) Append(ctx context.Context, ev *Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	var metadata any
	if len(ev.Metadata) > 0 {
		raw, err := json.Marshal(ev.Metadata)
		if err != nil {
			return fmt.Errorf("encoding event metadata: %w", err)
		}
		metadata = string(raw)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO risk_events (id, org_id, actor_id, event_type, severity, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.OrgID, nullableString(ev.ActorID), ev.EventType, string(ev.Severity),
		metadata, ev.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("appending risk event: %w", err)
	}
	return nil
}

// subjectClause scopes a query to an org or to a specific agent. Agent
// events also count against the owning org, but not the reverse.
func subjectClause(subjectType string) string {
	if subjectType == "agent" {
		return "actor_id = ?"
	}
	return "org_id = ?"
}

func (s *sqlEventStore) WeightedPenalty(ctx context.Context, subjectType, subjectID string, since time.Time) (float64, error) {
	query := fmt.Sprintf(`
		SELECT
			COALESCE(SUM(CASE severity
				WHEN 'high' THEN 20
				WHEN 'medium' THEN 10
				WHEN 'low' THEN 5
				ELSE 0 END), 0)
		FROM risk_events
		WHERE %s AND created_at >= ?`, subjectClause(subjectType))

	var penalty float64
	err := s.db.QueryRowContext(ctx, query,
		subjectID, since.UTC().Format(time.RFC3339Nano)).Scan(&penalty)
	if err != nil {
		return 0, fmt.Errorf("summing event penalties: %w", err)
	}
	if penalty > 100 {
		penalty = 100
	}
	return penalty, nil
}

func (s *sqlEventStore) AuthFailures(ctx context.Context, subjectType, subjectID string, since time.Time) (int64, error) {
	query := fmt.Sprintf(`
		SELECT COUNT(*) FROM risk_events
		WHERE %s AND event_type = ? AND created_at >= ?`, subjectClause(subjectType))

	var count int64
	err := s.db.QueryRowContext(ctx, query,
		subjectID, EventAuthFailure, since.UTC().Format(time.RFC3339Nano)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting auth failures: %w", err)
	}
	return count, nil
}

// HygieneStats implements reputation.HygieneSource on the event log.
func (s *sqlEventStore) HygieneStats(ctx context.Context, subjectType, subjectID string, since time.Time) (reputation.HygieneStats, error) {
	query := fmt.Sprintf(`
		SELECT
			COALESCE(SUM(CASE WHEN event_type = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN event_type = ? THEN 1 ELSE 0 END), 0)
		FROM risk_events
		WHERE %s AND created_at >= ?`, subjectClause(subjectType))

	var stats reputation.HygieneStats
	err := s.db.QueryRowContext(ctx, query,
		EventAuthFailure, EventRateLimitSpike,
		subjectID, since.UTC().Format(time.RFC3339Nano)).
		Scan(&stats.AuthFailures, &stats.RateLimitSpikes)
	if err != nil {
		return reputation.HygieneStats{}, fmt.Errorf("aggregating hygiene stats: %w", err)
	}
	return stats, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
