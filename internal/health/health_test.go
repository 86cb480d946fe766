package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLivenessAlwaysHealthy(t *testing.T) {
	c := NewChecker("1.2.3")
	c.RegisterCheck("broken", func() Check {
		return Check{Status: StatusUnhealthy, Message: "down"}
	})

	rec := httptest.NewRecorder()
	c.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp LivenessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.Equal(t, "1.2.3", resp.Version)
}

func TestReadinessHealthyWithNoChecks(t *testing.T) {
	c := NewChecker("dev")

	rec := httptest.NewRecorder()
	c.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadinessAggregatesChecks(t *testing.T) {
	c := NewChecker("dev")
	c.RegisterCheck("database", func() Check {
		return Check{Status: StatusHealthy}
	})
	c.RegisterCheck("cache", func() Check {
		return Check{Status: StatusUnhealthy, Message: "connection refused"}
	})

	rec := httptest.NewRecorder()
	c.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp ReadinessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, StatusUnhealthy, resp.Status)
	assert.Equal(t, "connection refused", resp.Checks["cache"].Message)
	assert.Equal(t, StatusHealthy, resp.Checks["database"].Status)
}

func TestRegisterCheckReplaces(t *testing.T) {
	c := NewChecker("dev")
	c.RegisterCheck("database", func() Check {
		return Check{Status: StatusUnhealthy}
	})
	c.RegisterCheck("database", func() Check {
		return Check{Status: StatusHealthy}
	})

	resp := c.Readiness()
	assert.Equal(t, StatusHealthy, resp.Status)
}
