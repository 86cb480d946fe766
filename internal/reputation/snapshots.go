package reputation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNoSnapshot indicates a subject has never been scored.
var ErrNoSnapshot = errors.New("no reputation snapshot")

// SnapshotStore persists score snapshots. Rows are insert-only; a recompute
// always appends.
type SnapshotStore interface {
	// Insert appends a snapshot, assigning an id when missing.
	Insert(ctx context.Context, snap *Snapshot) error

	// Latest returns the most recent snapshot for a subject across all
	// windows, or ErrNoSnapshot.
	Latest(ctx context.Context, subjectType, subjectID string) (*Snapshot, error)

	// LatestForWindow returns the most recent snapshot for a subject and
	// window, or ErrNoSnapshot.
	LatestForWindow(ctx context.Context, subjectType, subjectID string, window Window) (*Snapshot, error)
}

type sqlSnapshotStore struct {
	db *sql.DB
}

// NewSnapshotStore creates a snapshot store on SQLite.
func NewSnapshotStore(db *sql.DB) SnapshotStore {
	return &sqlSnapshotStore{db: db}
}

func (s *sqlSnapshotStore) Insert(ctx context.Context, snap *Snapshot) error {
	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}
	breakdown, err := json.Marshal(snap.Breakdown)
	if err != nil {
		return fmt.Errorf("encoding breakdown: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO reputation_snapshots
			(id, subject_type, subject_id, window, score, breakdown, computed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.SubjectType, snap.SubjectID, string(snap.Window),
		snap.Score, string(breakdown),
		snap.ComputedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("inserting snapshot: %w", err)
	}
	return nil
}

func (s *sqlSnapshotStore) Latest(ctx context.Context, subjectType, subjectID string) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, subject_type, subject_id, window, score, breakdown, computed_at
		FROM reputation_snapshots
		WHERE subject_type = ? AND subject_id = ?
		ORDER BY computed_at DESC LIMIT 1`,
		subjectType, subjectID)
	return scanSnapshot(row)
}

func (s *sqlSnapshotStore) LatestForWindow(ctx context.Context, subjectType, subjectID string, window Window) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, subject_type, subject_id, window, score, breakdown, computed_at
		FROM reputation_snapshots
		WHERE subject_type = ? AND subject_id = ? AND window = ?
		ORDER BY computed_at DESC LIMIT 1`,
		subjectType, subjectID, string(window))
	return scanSnapshot(row)
}

func scanSnapshot(row *sql.Row) (*Snapshot, error) {
	var snap Snapshot
	var window, breakdown, computedAt string
	err := row.Scan(&snap.ID, &snap.SubjectType, &snap.SubjectID,
		&window, &snap.Score, &breakdown, &computedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("scanning snapshot: %w", err)
	}
	snap.Window = Window(window)
	if err := json.Unmarshal([]byte(breakdown), &snap.Breakdown); err != nil {
		return nil, fmt.Errorf("decoding breakdown: %w", err)
	}
	if snap.ComputedAt, err = time.Parse(time.RFC3339Nano, computedAt); err != nil {
		return nil, fmt.Errorf("parsing snapshot time: %w", err)
	}
	return &snap, nil
}
