package metrics

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeHealth(t *testing.T, rr *httptest.ResponseRecorder) HealthStatus {
	t.Helper()
	var h HealthStatus
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &h))
	return h
}

func TestHealthHandlerReportsUnhealthyComponent(t *testing.T) {
	RegisterComponent("oplog", false, "disk full")
	RegisterComponent("cluster", true, "")
	RegisterComponent("runtime", true, "")

	rr := httptest.NewRecorder()
	HealthHandler()(rr, httptest.NewRequest("GET", "/health", nil))

	assert.Equal(t, 503, rr.Code)
	h := decodeHealth(t, rr)
	assert.Equal(t, "unhealthy", h.Status)
	assert.Contains(t, h.Components["oplog"], "disk full")
}

func TestHealthHandlerReportsHealthyWhenAllComponentsHealthy(t *testing.T) {
	RegisterComponent("oplog", true, "")
	RegisterComponent("cluster", true, "")
	RegisterComponent("runtime", true, "")

	rr := httptest.NewRecorder()
	HealthHandler()(rr, httptest.NewRequest("GET", "/health", nil))

	assert.Equal(t, 200, rr.Code)
	h := decodeHealth(t, rr)
	assert.Equal(t, "healthy", h.Status)
}

func TestReadyHandlerNotReadyWhenCriticalComponentUnregistered(t *testing.T) {
	healthChecker.mu.Lock()
	healthChecker.components = make(map[string]componentHealth)
	healthChecker.mu.Unlock()

	rr := httptest.NewRecorder()
	ReadyHandler()(rr, httptest.NewRequest("GET", "/ready", nil))

	assert.Equal(t, 503, rr.Code)
	h := decodeHealth(t, rr)
	assert.Equal(t, "not_ready", h.Status)
	assert.Contains(t, h.Message, "waiting for")
}

func TestReadyHandlerReadyWhenAllCriticalComponentsHealthy(t *testing.T) {
	RegisterComponent("oplog", true, "")
	RegisterComponent("cluster", true, "")
	RegisterComponent("runtime", true, "")

	rr := httptest.NewRecorder()
	ReadyHandler()(rr, httptest.NewRequest("GET", "/ready", nil))

	assert.Equal(t, 200, rr.Code)
	h := decodeHealth(t, rr)
	assert.Equal(t, "ready", h.Status)
}

func TestLivenessHandlerAlwaysReportsAlive(t *testing.T) {
	rr := httptest.NewRecorder()
	LivenessHandler()(rr, httptest.NewRequest("GET", "/live", nil))

	assert.Equal(t, 200, rr.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "alive", body["status"])
}

func TestSetVersionIsReportedInHealth(t *testing.T) {
	SetVersion("v1.2.3")
	defer SetVersion("")

	rr := httptest.NewRecorder()
	HealthHandler()(rr, httptest.NewRequest("GET", "/health", nil))
	h := decodeHealth(t, rr)
	assert.Equal(t, "v1.2.3", h.Version)
}
