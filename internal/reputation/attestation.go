package reputation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrAttestationNotFound indicates the attestation id is unknown.
var ErrAttestationNotFound = errors.New("attestation not found")

// Attestation is a weighted, time-decaying vouch from one organization for
// another organization or agent.
type Attestation struct {
	ID          string     `json:"id"`
	IssuerOrgID string     `json:"issuer_org_id"`
	SubjectType string     `json:"subject_type"`
	SubjectID   string     `json:"subject_id"`
	Scopes      []string   `json:"scopes,omitempty"`
	Weight      int        `json:"weight"`
	Note        string     `json:"note,omitempty"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// AttestationStore persists attestations. Attestations are never deleted,
// only revoked.
type AttestationStore interface {
	// Create stores a new attestation, assigning an id when missing.
	Create(ctx context.Context, a *Attestation) error

	// Revoke marks an attestation revoked.
	Revoke(ctx context.Context, id string, at time.Time) error

	// Active returns the unrevoked attestations for a subject.
	Active(ctx context.Context, subjectType, subjectID string) ([]Attestation, error)
}

type sqlAttestationStore struct {
	db *sql.DB
}

// NewAttestationStore creates an attestation store on SQLite.
func NewAttestationStore(db *sql.DB) AttestationStore {
	return &sqlAttestationStore{db: db}
}

func (s *sqlAttestationStore) Create(ctx context.Context, a *Attestation) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attestations
			(id, issuer_org_id, subject_type, subject_id, scopes, weight, note, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.IssuerOrgID, a.SubjectType, a.SubjectID,
		strings.Join(a.Scopes, ","), a.Weight, a.Note,
		a.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("creating attestation: %w", err)
	}
	return nil
}

func (s *sqlAttestationStore) Revoke(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE attestations SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`,
		at.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("revoking attestation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoking attestation: %w", err)
	}
	if n == 0 {
		return ErrAttestationNotFound
	}
	return nil
}

func (s *sqlAttestationStore) Active(ctx context.Context, subjectType, subjectID string) ([]Attestation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, issuer_org_id, subject_type, subject_id, scopes, weight,
		       COALESCE(note, ''), created_at
		FROM attestations
		WHERE subject_type = ? AND subject_id = ? AND revoked_at IS NULL
		ORDER BY created_at DESC`,
		subjectType, subjectID)
	if err != nil {
		return nil, fmt.Errorf("listing attestations: %w", err)
	}
	defer rows.Close()

	var out []Attestation
	for rows.Next() {
		var a Attestation
		var scopes, createdAt string
		if err := rows.Scan(&a.ID, &a.IssuerOrgID, &a.SubjectType, &a.SubjectID,
			&scopes, &a.Weight, &a.Note, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning attestation: %w", err)
		}
		if scopes != "" {
			a.Scopes = strings.Split(scopes, ",")
		}
		if a.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parsing attestation time: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
