package credential

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/relaymesh/agentgate/internal/observability"
)

// Common errors for credential resolution.
var (
	// ErrNotFound indicates the key id is unknown.
	ErrNotFound = errors.New("credential not found")

	// ErrDisabled indicates the credential has been disabled.
	ErrDisabled = errors.New("credential disabled")

	// ErrExpired indicates the credential has expired.
	ErrExpired = errors.New("credential expired")
)

// Store provides durable credential storage. Implementations must treat
// resolution failures as fatal to the request (the caller fails closed).
type Store interface {
	// Resolve returns the credential for a key id, whatever its status.
	Resolve(ctx context.Context, keyID string) (*Credential, error)

	// Create inserts a new credential.
	Create(ctx context.Context, cred *Credential) error

	// Rotate replaces the secret of an existing credential.
	Rotate(ctx context.Context, keyID, newSecret string) error

	// Disable marks a credential disabled. Credentials are never deleted.
	Disable(ctx context.Context, keyID string) error

	// RecordSuccess increments the usage counter after a successful
	// authentication.
	RecordSuccess(ctx context.Context, keyID string, at time.Time) error

	// RecordFailure increments the failure counter after a rejected
	// authentication that resolved this credential.
	RecordFailure(ctx context.Context, keyID string, at time.Time) error
}

// sqlStore implements Store on SQLite.
type sqlStore struct {
	db     *sql.DB
	logger observability.Logger
}

// NewStore creates a SQLite-backed credential store.
func NewStore(db *sql.DB, logger observability.Logger) Store {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &sqlStore{db: db, logger: logger}
}

func (s *sqlStore) Resolve(ctx context.Context, keyID string) (*Credential, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key_id, secret, org_id, agent_id, scopes, status, tier,
		       expires_at, success_count, failure_count, last_used_at,
		       created_at, updated_at
		FROM credentials WHERE key_id = ?`, keyID)

	var (
		cred      Credential
		agentID   sql.NullString
		scopes    string
		status    string
		expiresAt sql.NullString
		lastUsed  sql.NullString
		createdAt string
		updatedAt string
	)
	err := row.Scan(&cred.KeyID, &cred.Secret, &cred.OrgID, &agentID, &scopes,
		&status, &cred.Tier, &expiresAt, &cred.SuccessCount, &cred.FailureCount,
		&lastUsed, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolving credential: %w", err)
	}

	if agentID.Valid && agentID.String != "" {
		cred.AgentID = &agentID.String
	}
	cred.Scopes = splitScopes(scopes)
	cred.Status = Status(status)
	if cred.ExpiresAt, err = parseNullTime(expiresAt); err != nil {
		return nil, fmt.Errorf("resolving credential: %w", err)
	}
	if cred.LastUsedAt, err = parseNullTime(lastUsed); err != nil {
		return nil, fmt.Errorf("resolving credential: %w", err)
	}
	if cred.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("resolving credential: %w", err)
	}
	if cred.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("resolving credential: %w", err)
	}

	return &cred, nil
}

func (s *sqlStore) Create(ctx context.Context, cred *Credential) error {
	now := time.Now().UTC()
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = now
	}
	cred.UpdatedAt = now
	if cred.Status == "" {
		cred.Status = StatusActive
	}
	if cred.Tier == "" {
		cred.Tier = "standard"
	}

	var agentID interface{}
	if id, ok := cred.AgentScope(); ok {
		agentID = id
	}
	var expiresAt interface{}
	if cred.ExpiresAt != nil {
		expiresAt = cred.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials
			(key_id, secret, org_id, agent_id, scopes, status, tier,
			 expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cred.KeyID, cred.Secret, cred.OrgID, agentID, joinScopes(cred.Scopes),
		string(cred.Status), cred.Tier, expiresAt,
		cred.CreatedAt.Format(time.RFC3339Nano), cred.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("creating credential: %w", err)
	}

	s.logger.Info("credential created",
		observability.String("key_id", cred.KeyID),
		observability.String("org_id", cred.OrgID))
	return nil
}

func (s *sqlStore) Rotate(ctx context.Context, keyID, newSecret string) error {
	return s.update(ctx, keyID, "rotating credential",
		`UPDATE credentials SET secret = ?, updated_at = ? WHERE key_id = ?`,
		newSecret, time.Now().UTC().Format(time.RFC3339Nano), keyID)
}

func (s *sqlStore) Disable(ctx context.Context, keyID string) error {
	return s.update(ctx, keyID, "disabling credential",
		`UPDATE credentials SET status = ?, updated_at = ? WHERE key_id = ?`,
		string(StatusDisabled), time.Now().UTC().Format(time.RFC3339Nano), keyID)
}

func (s *sqlStore) RecordSuccess(ctx context.Context, keyID string, at time.Time) error {
	return s.update(ctx, keyID, "recording success",
		`UPDATE credentials
		 SET success_count = success_count + 1, last_used_at = ?, updated_at = ?
		 WHERE key_id = ?`,
		at.UTC().Format(time.RFC3339Nano), at.UTC().Format(time.RFC3339Nano), keyID)
}

func (s *sqlStore) RecordFailure(ctx context.Context, keyID string, at time.Time) error {
	return s.update(ctx, keyID, "recording failure",
		`UPDATE credentials
		 SET failure_count = failure_count + 1, updated_at = ?
		 WHERE key_id = ?`,
		at.UTC().Format(time.RFC3339Nano), keyID)
}

func (s *sqlStore) update(ctx context.Context, keyID, action, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", action, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", action, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	ts, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil, err
	}
	return &ts, nil
}
