// Package credential manages agent coordination credentials: the key-id to
// secret mapping, ownership, scopes, lifecycle status and usage counters.
package credential

import (
	"strings"
	"time"
)

// Status is the lifecycle state of a credential.
type Status string

// Credential lifecycle states. Credentials are never hard-deleted; they are
// disabled or expire.
const (
	StatusActive   Status = "active"
	StatusDisabled Status = "disabled"
	StatusExpired  Status = "expired"
)

// Credential is an API credential owned by an organization, optionally
// scoped to a single agent. The secret is never logged or serialized.
type Credential struct {
	KeyID  string `json:"key_id"`
	Secret string `json:"-"`
	OrgID  string `json:"org_id"`

	// AgentID is set only for agent-scoped credentials.
	AgentID *string `json:"agent_id,omitempty"`

	Scopes []string `json:"scopes,omitempty"`
	Status Status   `json:"status"`
	Tier   string   `json:"tier"`

	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	SuccessCount int64      `json:"success_count"`
	FailureCount int64      `json:"failure_count"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AgentScoper is implemented by credentials that may carry an agent scope.
type AgentScoper interface {
	// AgentScope returns the owning agent id and whether the credential
	// is agent-scoped at all.
	AgentScope() (string, bool)
}

// AgentScope implements AgentScoper.
func (c *Credential) AgentScope() (string, bool) {
	if c.AgentID == nil || *c.AgentID == "" {
		return "", false
	}
	return *c.AgentID, true
}

// IsExpired reports whether the credential is past its expiry, regardless
// of the stored status.
func (c *Credential) IsExpired(now time.Time) bool {
	if c.Status == StatusExpired {
		return true
	}
	return c.ExpiresAt != nil && now.After(*c.ExpiresAt)
}

// IsUsable reports whether the credential may authenticate requests.
func (c *Credential) IsUsable(now time.Time) bool {
	return c.Status == StatusActive && !c.IsExpired(now)
}

// HasScope reports whether the credential carries the given scope.
func (c *Credential) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Subject returns the reputation subject for this credential: the agent
// when agent-scoped, otherwise the owning organization.
func (c *Credential) Subject() (subjectType, subjectID string) {
	if agentID, ok := c.AgentScope(); ok {
		return "agent", agentID
	}
	return "org", c.OrgID
}

// joinScopes and splitScopes round-trip scope lists through storage.
func joinScopes(scopes []string) string {
	return strings.Join(scopes, ",")
}

func splitScopes(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}
