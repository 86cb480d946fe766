package auth

import "context"

// AuthContext is the identity attached to an authorized request and handed
// to the business handler.
type AuthContext struct {
	OrgID     string   `json:"org_id"`
	AgentID   string   `json:"agent_id,omitempty"`
	KeyID     string   `json:"key_id"`
	Scopes    []string `json:"scopes,omitempty"`
	Tier      string   `json:"tier"`
	RequestID string   `json:"request_id"`
}

// Subject returns the reputation subject for the authorized caller: the
// agent when the credential is agent-scoped, otherwise the organization.
func (a *AuthContext) Subject() (subjectType, subjectID string) {
	if a.AgentID != "" {
		return "agent", a.AgentID
	}
	return "org", a.OrgID
}

type authContextKey struct{}

// ContextWithAuth attaches the auth context to a request context.
func ContextWithAuth(ctx context.Context, ac *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, ac)
}

// FromContext extracts the auth context, if present.
func FromContext(ctx context.Context) (*AuthContext, bool) {
	ac, ok := ctx.Value(authContextKey{}).(*AuthContext)
	return ac, ok
}
