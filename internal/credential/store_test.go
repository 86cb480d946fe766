package credential

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/agentgate/internal/observability"
	"github.com/relaymesh/agentgate/internal/storage"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	db, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db, observability.NopLogger())
}

func agentID(id string) *string { return &id }

func TestCreateAndResolve(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	cred := &Credential{
		KeyID:  "bk_test",
		Secret: "s3cr3t",
		OrgID:  "org-1",
		Scopes: []string{"coordinate", "attest"},
	}
	require.NoError(t, store.Create(ctx, cred))

	got, err := store.Resolve(ctx, "bk_test")
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", got.Secret)
	assert.Equal(t, "org-1", got.OrgID)
	assert.Equal(t, StatusActive, got.Status)
	assert.Equal(t, []string{"coordinate", "attest"}, got.Scopes)
	assert.True(t, got.IsUsable(time.Now()))

	_, scoped := got.AgentScope()
	assert.False(t, scoped)

	subjectType, subjectID := got.Subject()
	assert.Equal(t, "org", subjectType)
	assert.Equal(t, "org-1", subjectID)
}

func TestResolveUnknownKey(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Resolve(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAgentScopedCredential(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, &Credential{
		KeyID:   "bk_agent",
		Secret:  "sec",
		OrgID:   "org-1",
		AgentID: agentID("agent-7"),
	}))

	got, err := store.Resolve(ctx, "bk_agent")
	require.NoError(t, err)

	id, scoped := got.AgentScope()
	require.True(t, scoped)
	assert.Equal(t, "agent-7", id)

	subjectType, subjectID := got.Subject()
	assert.Equal(t, "agent", subjectType)
	assert.Equal(t, "agent-7", subjectID)
}

func TestDisable(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, &Credential{KeyID: "bk_d", Secret: "s", OrgID: "o"}))
	require.NoError(t, store.Disable(ctx, "bk_d"))

	got, err := store.Resolve(ctx, "bk_d")
	require.NoError(t, err)
	assert.Equal(t, StatusDisabled, got.Status)
	assert.False(t, got.IsUsable(time.Now()))

	assert.ErrorIs(t, store.Disable(ctx, "missing"), ErrNotFound)
}

func TestRotate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, &Credential{KeyID: "bk_r", Secret: "old", OrgID: "o"}))
	require.NoError(t, store.Rotate(ctx, "bk_r", "new"))

	got, err := store.Resolve(ctx, "bk_r")
	require.NoError(t, err)
	assert.Equal(t, "new", got.Secret)
}

func TestExpiry(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	require.NoError(t, store.Create(ctx, &Credential{
		KeyID: "bk_e", Secret: "s", OrgID: "o", ExpiresAt: &past,
	}))

	got, err := store.Resolve(ctx, "bk_e")
	require.NoError(t, err)
	assert.True(t, got.IsExpired(time.Now()))
	assert.False(t, got.IsUsable(time.Now()))
}

func TestCounters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.Create(ctx, &Credential{KeyID: "bk_c", Secret: "s", OrgID: "o"}))
	require.NoError(t, store.RecordSuccess(ctx, "bk_c", now))
	require.NoError(t, store.RecordSuccess(ctx, "bk_c", now))
	require.NoError(t, store.RecordFailure(ctx, "bk_c", now))

	got, err := store.Resolve(ctx, "bk_c")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.SuccessCount)
	assert.Equal(t, int64(1), got.FailureCount)
	require.NotNil(t, got.LastUsedAt)
}

func TestSecretNeverSerialized(t *testing.T) {
	cred := &Credential{KeyID: "bk", Secret: "topsecret", OrgID: "o"}
	data, err := json.Marshal(cred)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "topsecret")
}
