package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/agentgate/internal/config"
	"github.com/relaymesh/agentgate/internal/signature"
)

func setupCache(t *testing.T) (*miniredis.Miniredis, Cache) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	cache, err := NewRedisCache(config.IdempotencyConfig{
		RedisURL: "redis://" + mr.Addr(),
		TTL:      config.Duration(time.Hour),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })

	return mr, cache
}

func TestNewRedisCacheInvalidURL(t *testing.T) {
	_, err := NewRedisCache(config.IdempotencyConfig{RedisURL: "not-a-url"})
	require.Error(t, err)
}

func TestCheckMissThenStoreThenReplay(t *testing.T) {
	_, cache := setupCache(t)
	ctx := context.Background()

	body := []byte(`{"message_id":"m1"}`)
	bodyHash := signature.BodyHash(body)

	res, err := cache.Check(ctx, "bk_test", bodyHash, "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeMiss, res.Outcome)

	require.NoError(t, cache.Store(ctx, "bk_test", bodyHash, "", 200, []byte(`{"ok":true}`)))

	res, err = cache.Check(ctx, "bk_test", bodyHash, "")
	require.NoError(t, err)
	require.Equal(t, OutcomeReplay, res.Outcome)
	assert.Equal(t, 200, res.Record.Status)
	assert.JSONEq(t, `{"ok":true}`, string(res.Record.Response))
}

func TestClientTokenConflict(t *testing.T) {
	_, cache := setupCache(t)
	ctx := context.Background()

	first := signature.BodyHash([]byte(`{"n":1}`))
	second := signature.BodyHash([]byte(`{"n":2}`))

	require.NoError(t, cache.Store(ctx, "bk_test", first, "token-1", 201, []byte(`created`)))

	// Same token, same body: replay.
	res, err := cache.Check(ctx, "bk_test", first, "token-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeReplay, res.Outcome)

	// Same token, different body: conflict.
	res, err = cache.Check(ctx, "bk_test", second, "token-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeConflict, res.Outcome)
}

func TestFingerprintsAreIndependentPerKey(t *testing.T) {
	_, cache := setupCache(t)
	ctx := context.Background()

	bodyHash := signature.BodyHash([]byte(`{"n":1}`))
	require.NoError(t, cache.Store(ctx, "bk_one", bodyHash, "", 200, nil))

	res, err := cache.Check(ctx, "bk_two", bodyHash, "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeMiss, res.Outcome)
}

func TestStoreDoesNotOverwrite(t *testing.T) {
	_, cache := setupCache(t)
	ctx := context.Background()

	bodyHash := signature.BodyHash([]byte(`{"n":1}`))
	require.NoError(t, cache.Store(ctx, "bk_test", bodyHash, "", 200, []byte(`first`)))
	require.NoError(t, cache.Store(ctx, "bk_test", bodyHash, "", 500, []byte(`second`)))

	res, err := cache.Check(ctx, "bk_test", bodyHash, "")
	require.NoError(t, err)
	require.Equal(t, OutcomeReplay, res.Outcome)
	assert.Equal(t, 200, res.Record.Status)
	assert.Equal(t, "first", string(res.Record.Response))
}

func TestRecordsExpire(t *testing.T) {
	mr, cache := setupCache(t)
	ctx := context.Background()

	bodyHash := signature.BodyHash([]byte(`{"n":1}`))
	require.NoError(t, cache.Store(ctx, "bk_test", bodyHash, "", 200, nil))

	mr.FastForward(2 * time.Hour)

	res, err := cache.Check(ctx, "bk_test", bodyHash, "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeMiss, res.Outcome)
}

func TestCheckErrorsSurfaceForFailOpen(t *testing.T) {
	mr, cache := setupCache(t)
	ctx := context.Background()

	mr.Close()

	_, err := cache.Check(ctx, "bk_test", signature.BodyHash([]byte(`x`)), "")
	require.Error(t, err, "callers treat store errors as pass-through")
}

func TestFingerprintDerivation(t *testing.T) {
	assert.Equal(t, "bk_test:abcdef", BodyFingerprint("bk_test", "abcdef"))
	assert.Equal(t, "bk_long_key_", clipForTest("bk_long_key_extra", 12))
	assert.Equal(t, "bk_test:tok:t-1", TokenFingerprint("bk_test", "t-1"))

	// Long inputs are clipped to stable prefixes.
	fp := BodyFingerprint("bk_0123456789abcdef", "0123456789abcdef0123456789abcdef")
	assert.Equal(t, "bk_012345678:0123456789abcdef", fp)
}

func clipForTest(s string, n int) string { return clip(s, n) }
