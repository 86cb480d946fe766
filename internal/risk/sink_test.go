package risk

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/agentgate/internal/auth"
	"github.com/relaymesh/agentgate/internal/credential"
	"github.com/relaymesh/agentgate/internal/reputation"
	"github.com/relaymesh/agentgate/internal/storage"
)

func agentID(id string) *string { return &id }

func TestSinkRecordsAuthFailure(t *testing.T) {
	db, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	events := NewEventStore(db)
	usage := reputation.NewUsageStore(db)
	sink := NewSink(events, usage, nil)
	ctx := context.Background()

	cred := &credential.Credential{
		KeyID: "bk_test", OrgID: "org-1", AgentID: agentID("agent-7"),
	}
	sink.AuthenticationResult(ctx, cred, auth.Reject(auth.CodeUnauthorized, "signature verification failed"))

	since := time.Now().Add(-time.Minute)
	count, err := events.AuthFailures(ctx, "agent", "agent-7", since)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	stats, err := usage.Stats(ctx, "agent", "agent-7", since)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Total)
	assert.Equal(t, int64(1), stats.Failures)
}

func TestSinkRecordsSuccessAsUsageOnly(t *testing.T) {
	db, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	events := NewEventStore(db)
	usage := reputation.NewUsageStore(db)
	sink := NewSink(events, usage, nil)
	ctx := context.Background()

	cred := &credential.Credential{KeyID: "bk_test", OrgID: "org-1"}
	sink.AuthenticationResult(ctx, cred, nil)

	since := time.Now().Add(-time.Minute)
	count, err := events.AuthFailures(ctx, "org", "org-1", since)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	stats, err := usage.Stats(ctx, "org", "org-1", since)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Total)
	assert.Equal(t, int64(0), stats.Failures)
}

func TestSinkIgnoresUnresolvedCredentials(t *testing.T) {
	db, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	events := NewEventStore(db)
	sink := NewSink(events, nil, nil)

	sink.AuthenticationResult(context.Background(), nil,
		auth.Reject(auth.CodeUnauthorized, "unknown key"))

	count, err := events.AuthFailures(context.Background(), "org", "org-1", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}
