package reputation

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Usage event types. Coordination traffic feeds reliability and usage;
// commerce events feed the commerce factor.
const (
	EventCoordinate   = "coordinate"
	EventOrderSettled = "order_settled"
	EventChargeback   = "chargeback"
	EventRefund       = "refund"
	EventDispute      = "dispute"
)

// Usage event outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// UsageEvent is one observed action by a subject.
type UsageEvent struct {
	ID          string    `json:"id"`
	SubjectType string    `json:"subject_type"`
	SubjectID   string    `json:"subject_id"`
	EventType   string    `json:"event_type"`
	Outcome     string    `json:"outcome"`
	CreatedAt   time.Time `json:"created_at"`
}

// UsageStore records and aggregates usage events.
type UsageStore interface {
	// Record appends a usage event, assigning an id when missing.
	Record(ctx context.Context, ev *UsageEvent) error

	// Stats aggregates a subject's events since the cutoff.
	Stats(ctx context.Context, subjectType, subjectID string, since time.Time) (ActivityStats, error)

	// Subjects lists the distinct subjects with events since the cutoff,
	// for batch recompute.
	Subjects(ctx context.Context, since time.Time) ([]Subject, error)
}

// Subject identifies a scored entity.
type Subject struct {
	Type string
	ID   string
}

type sqlUsageStore struct {
	db *sql.DB
}

// NewUsageStore creates a usage event store on SQLite.
func NewUsageStore(db *sql.DB) UsageStore {
	return &sqlUsageStore{db: db}
}

func (s *sqlUsageStore) Record(ctx context.Context, ev *UsageEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	if ev.Outcome == "" {
		ev.Outcome = OutcomeSuccess
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_events (id, subject_type, subject_id, event_type, outcome, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.SubjectType, ev.SubjectID, ev.EventType, ev.Outcome,
		ev.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("recording usage event: %w", err)
	}
	return nil
}

func (s *sqlUsageStore) Stats(ctx context.Context, subjectType, subjectID string, since time.Time) (ActivityStats, error) {
	var stats ActivityStats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN event_type = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN event_type IN (?, ?, ?) THEN 1 ELSE 0 END), 0)
		FROM usage_events
		WHERE subject_type = ? AND subject_id = ? AND created_at >= ?`,
		OutcomeFailure, EventOrderSettled,
		EventChargeback, EventRefund, EventDispute,
		subjectType, subjectID, since.UTC().Format(time.RFC3339Nano)).
		Scan(&stats.Total, &stats.Failures, &stats.SettledOrders, &stats.BadEvents)
	if err != nil {
		return ActivityStats{}, fmt.Errorf("aggregating usage events: %w", err)
	}
	return stats, nil
}

func (s *sqlUsageStore) Subjects(ctx context.Context, since time.Time) ([]Subject, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT subject_type, subject_id
		FROM usage_events
		WHERE created_at >= ?
		ORDER BY subject_type, subject_id`,
		since.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("listing subjects: %w", err)
	}
	defer rows.Close()

	var out []Subject
	for rows.Next() {
		var sub Subject
		if err := rows.Scan(&sub.Type, &sub.ID); err != nil {
			return nil, fmt.Errorf("scanning subject: %w", err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}
