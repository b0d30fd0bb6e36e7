package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReportAggregation(t *testing.T) {
	m := NewManager(nil)
	m.Register(&FuncChecker{ComponentName: "templates", Probe: func(context.Context) (Status, string) {
		return StatusHealthy, ""
	}})

	overall, results := m.Report(context.Background())
	assert.Equal(t, StatusHealthy, overall)
	assert.Len(t, results, 1)

	m.Register(&FuncChecker{ComponentName: "bus", Probe: func(context.Context) (Status, string) {
		return StatusDegraded, "queues backing up"
	}})
	overall, _ = m.Report(context.Background())
	assert.Equal(t, StatusDegraded, overall)

	m.Register(&FuncChecker{ComponentName: "engine", IsCritical: true, Probe: func(context.Context) (Status, string) {
		return StatusUnhealthy, "wedged"
	}})
	overall, _ = m.Report(context.Background())
	assert.Equal(t, StatusUnhealthy, overall)
}

func TestRedisChecker(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	checker := &RedisChecker{Client: client}
	result := checker.Check(context.Background())
	assert.Equal(t, StatusHealthy, result.Status)

	mr.Close()
	result = checker.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, result.Status)
}

func TestHTTPHandler(t *testing.T) {
	m := NewManager(nil)
	m.Register(&FuncChecker{ComponentName: "templates", Probe: func(context.Context) (Status, string) {
		return StatusHealthy, ""
	}})
	h := NewHTTPHandler(m, nil)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/detailed", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.NotEmpty(t, body["components"])

	m.Register(&FuncChecker{ComponentName: "engine", IsCritical: true, Probe: func(context.Context) (Status, string) {
		return StatusUnhealthy, "wedged"
	}})
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
