package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/relaymesh/agentgate/internal/config"
	"github.com/relaymesh/agentgate/internal/observability"
	"github.com/relaymesh/agentgate/internal/retry"
)

const tracerName = "agentgate/idempotency"

// redisRetryConfig returns the retry configuration for store operations.
func redisRetryConfig() *retry.Config {
	return &retry.Config{
		MaxRetries:     2,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     500 * time.Millisecond,
		JitterFactor:   retry.DefaultJitterFactor,
	}
}

// isRetryableRedisError reports whether an error is worth retrying.
func isRetryableRedisError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// redisCache implements Cache on Redis. Records are stored with SetNX so a
// fingerprint maps to at most one response for the TTL window.
type redisCache struct {
	client    *redis.Client
	logger    observability.Logger
	keyPrefix string
	ttl       time.Duration
	breaker   *gobreaker.CircuitBreaker
}

// RedisOption is a functional option for the Redis cache.
type RedisOption func(*redisCache)

// WithRedisLogger sets the logger.
func WithRedisLogger(logger observability.Logger) RedisOption {
	return func(c *redisCache) {
		c.logger = logger
	}
}

// NewRedisCache creates a Redis-backed idempotency cache and verifies the
// connection.
func NewRedisCache(cfg config.IdempotencyConfig, opts ...RedisOption) (Cache, error) {
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if cfg.PoolSize > 0 {
		redisOpts.PoolSize = cfg.PoolSize
	}
	if cfg.ConnectTimeout > 0 {
		redisOpts.DialTimeout = cfg.ConnectTimeout.Duration()
	}
	if cfg.ReadTimeout > 0 {
		redisOpts.ReadTimeout = cfg.ReadTimeout.Duration()
	}
	if cfg.WriteTimeout > 0 {
		redisOpts.WriteTimeout = cfg.WriteTimeout.Duration()
	}

	client := redis.NewClient(redisOpts)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	ttl := cfg.TTL.Duration()
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "agentgate:idem:"
	}

	c := &redisCache{
		client:    client,
		logger:    observability.NopLogger(),
		keyPrefix: keyPrefix,
		ttl:       ttl,
	}

	for _, opt := range opts {
		opt(c)
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "idempotency-redis",
		Timeout: 10 * time.Second,
		// A cache miss is a healthy response, not a store failure.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, redis.Nil)
		},
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 &&
				float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			c.logger.Warn("idempotency breaker state change",
				observability.String("name", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()))
		},
	})

	c.logger.Info("redis idempotency cache initialized",
		observability.String("keyPrefix", keyPrefix),
		observability.Duration("ttl", ttl))

	return c, nil
}

func (c *redisCache) Check(ctx context.Context, keyID, bodyHash, clientToken string) (*CheckResult, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "idempotency.Check",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.Bool("idempotency.has_token", clientToken != "")),
	)
	defer span.End()

	// Body-keyed record first: a pure replay short-circuits before any
	// token bookkeeping, which pins down the check ordering for fresh
	// tokens.
	record, err := c.get(ctx, BodyFingerprint(keyID, bodyHash))
	if err != nil && !errors.Is(err, ErrRecordNotFound) {
		return nil, c.checkFailed(span, "get", err)
	}
	if record != nil && record.BodyHash == bodyHash {
		GetMetrics().checksTotal.WithLabelValues(outcomeLabel(OutcomeReplay)).Inc()
		span.SetAttributes(attribute.String("idempotency.outcome", "replay"))
		return &CheckResult{Outcome: OutcomeReplay, Record: record}, nil
	}

	if clientToken != "" {
		record, err = c.get(ctx, TokenFingerprint(keyID, clientToken))
		if err != nil && !errors.Is(err, ErrRecordNotFound) {
			return nil, c.checkFailed(span, "get", err)
		}
		if record != nil {
			if record.BodyHash != bodyHash {
				GetMetrics().checksTotal.WithLabelValues(outcomeLabel(OutcomeConflict)).Inc()
				span.SetAttributes(attribute.String("idempotency.outcome", "conflict"))
				return &CheckResult{Outcome: OutcomeConflict, Record: record}, nil
			}
			GetMetrics().checksTotal.WithLabelValues(outcomeLabel(OutcomeReplay)).Inc()
			span.SetAttributes(attribute.String("idempotency.outcome", "replay"))
			return &CheckResult{Outcome: OutcomeReplay, Record: record}, nil
		}
	}

	GetMetrics().checksTotal.WithLabelValues(outcomeLabel(OutcomeMiss)).Inc()
	span.SetAttributes(attribute.String("idempotency.outcome", "miss"))
	return &CheckResult{Outcome: OutcomeMiss}, nil
}

func (c *redisCache) Store(ctx context.Context, keyID, bodyHash, clientToken string, status int, response []byte) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "idempotency.Store",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.Int("idempotency.status", status)),
	)
	defer span.End()

	record := Record{
		Status:   status,
		BodyHash: bodyHash,
		Response: response,
		StoredAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding idempotency record: %w", err)
	}

	if err := c.setNX(ctx, BodyFingerprint(keyID, bodyHash), payload); err != nil {
		GetMetrics().storeErrorsTotal.WithLabelValues("setnx").Inc()
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return err
	}
	if clientToken != "" {
		if err := c.setNX(ctx, TokenFingerprint(keyID, clientToken), payload); err != nil {
			GetMetrics().storeErrorsTotal.WithLabelValues("setnx").Inc()
			span.SetStatus(codes.Error, err.Error())
			span.RecordError(err)
			return err
		}
	}
	return nil
}

// Ping verifies the Redis connection, for readiness probes.
func (c *redisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *redisCache) Close() error {
	return c.client.Close()
}

func (c *redisCache) get(ctx context.Context, fingerprint string) (*Record, error) {
	start := time.Now()
	defer func() {
		GetMetrics().operationDuration.WithLabelValues("get").Observe(time.Since(start).Seconds())
	}()

	result, err := c.breaker.Execute(func() (interface{}, error) {
		var payload []byte
		err := retry.Do(ctx, redisRetryConfig(), func() error {
			val, getErr := c.client.Get(ctx, c.keyPrefix+fingerprint).Bytes()
			if getErr == nil {
				payload = val
			}
			return getErr
		}, &retry.Options{ShouldRetry: isRetryableRedisError})
		return payload, err
	})
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("idempotency get: %w", err)
	}

	var record Record
	if err := json.Unmarshal(result.([]byte), &record); err != nil {
		return nil, fmt.Errorf("decoding idempotency record: %w", err)
	}
	return &record, nil
}

func (c *redisCache) setNX(ctx context.Context, fingerprint string, payload []byte) error {
	start := time.Now()
	defer func() {
		GetMetrics().operationDuration.WithLabelValues("setnx").Observe(time.Since(start).Seconds())
	}()

	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, retry.Do(ctx, redisRetryConfig(), func() error {
			return c.client.SetNX(ctx, c.keyPrefix+fingerprint, payload, c.ttl).Err()
		}, &retry.Options{ShouldRetry: isRetryableRedisError})
	})
	if err != nil {
		return fmt.Errorf("idempotency setnx: %w", err)
	}
	return nil
}

func (c *redisCache) checkFailed(span trace.Span, op string, err error) error {
	GetMetrics().storeErrorsTotal.WithLabelValues(op).Inc()
	span.SetStatus(codes.Error, err.Error())
	span.RecordError(err)
	c.logger.Error("idempotency store error", observability.Error(err))
	return err
}
