package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name      string
		cfg       LogConfig
		expectErr bool
	}{
		{name: "default json", cfg: DefaultLogConfig(), expectErr: false},
		{name: "console format", cfg: LogConfig{Level: "debug", Format: "console", Output: "stderr"}, expectErr: false},
		{name: "invalid level", cfg: LogConfig{Level: "verbose"}, expectErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewLogger(tt.cfg)
			if tt.expectErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, logger)
			logger.Info("test message", String("key", "value"))
		})
	}
}

func TestRequestIDContext(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, RequestIDFromContext(ctx))

	ctx = ContextWithRequestID(ctx, "req-123")
	assert.Equal(t, "req-123", RequestIDFromContext(ctx))
}

func TestLoggerWithContext(t *testing.T) {
	logger := NopLogger()

	ctx := ContextWithRequestID(context.Background(), "req-456")
	enriched := logger.WithContext(ctx)
	require.NotNil(t, enriched)

	// No request ID present: the same logger comes back.
	plain := logger.WithContext(context.Background())
	assert.Equal(t, logger, plain)
}
