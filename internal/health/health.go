// Package health aggregates component liveness checks for the admin server.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Status is the reported state of a component or the service overall.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is one component's verdict.
type CheckResult struct {
	Component string         `json:"component"`
	Status    Status         `json:"status"`
	Message   string         `json:"message,omitempty"`
	Critical  bool           `json:"critical"`
	LatencyMs int64          `json:"latencyMs"`
	Details   map[string]any `json:"details,omitempty"`
}

// Checker is one component probe.
type Checker interface {
	Name() string
	Critical() bool
	Check(ctx context.Context) CheckResult
}

// Manager runs registered checkers on demand.
type Manager struct {
	mu       sync.RWMutex
	checkers []Checker
	logger   *zap.Logger
}

// NewManager constructs an empty manager.
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{logger: logger}
}

// Register adds a checker.
func (m *Manager) Register(c Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers = append(m.checkers, c)
}

// Report runs all checkers. A failing critical checker makes the overall
// status unhealthy; a failing non-critical one degrades it.
func (m *Manager) Report(ctx context.Context) (Status, []CheckResult) {
	m.mu.RLock()
	checkers := append([]Checker(nil), m.checkers...)
	m.mu.RUnlock()

	overall := StatusHealthy
	results := make([]CheckResult, 0, len(checkers))
	for _, c := range checkers {
		result := c.Check(ctx)
		results = append(results, result)
		if result.Status == StatusHealthy {
			continue
		}
		if c.Critical() && result.Status == StatusUnhealthy {
			overall = StatusUnhealthy
		} else if overall == StatusHealthy {
			overall = StatusDegraded
		}
	}
	return overall, results
}

// HTTPHandler serves the health endpoints.
type HTTPHandler struct {
	manager *Manager
	logger  *zap.Logger
}

// NewHTTPHandler constructs the handler.
func NewHTTPHandler(manager *Manager, logger *zap.Logger) *HTTPHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPHandler{manager: manager, logger: logger}
}

// RegisterRoutes registers /health and /health/detailed.
func (h *HTTPHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/health/detailed", h.handleDetailed)
}

func (h *HTTPHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	overall, _ := h.manager.Report(ctx)
	writeStatus(w, overall, map[string]any{"status": overall})
}

func (h *HTTPHandler) handleDetailed(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	overall, results := h.manager.Report(ctx)
	writeStatus(w, overall, map[string]any{
		"status":     overall,
		"components": results,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	})
}

func writeStatus(w http.ResponseWriter, overall Status, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	if overall == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(body)
}

// RedisChecker pings the handoff audit store.
type RedisChecker struct {
	Client *redis.Client
}

func (r *RedisChecker) Name() string   { return "redis" }
func (r *RedisChecker) Critical() bool { return false }

// Check pings Redis and reports latency; slow answers degrade.
func (r *RedisChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Component: r.Name(), Critical: r.Critical()}
	err := r.Client.Ping(ctx).Err()
	result.LatencyMs = time.Since(start).Milliseconds()
	switch {
	case err != nil:
		result.Status = StatusUnhealthy
		result.Message = err.Error()
	case result.LatencyMs > 100:
		result.Status = StatusDegraded
		result.Message = "redis responding slowly"
	default:
		result.Status = StatusHealthy
	}
	return result
}

// FuncChecker adapts a closure into a Checker for in-process components.
type FuncChecker struct {
	ComponentName string
	IsCritical    bool
	Probe         func(ctx context.Context) (Status, string)
}

func (f *FuncChecker) Name() string   { return f.ComponentName }
func (f *FuncChecker) Critical() bool { return f.IsCritical }

func (f *FuncChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	status, message := f.Probe(ctx)
	return CheckResult{
		Component: f.ComponentName,
		Critical:  f.IsCritical,
		Status:    status,
		Message:   message,
		LatencyMs: time.Since(start).Milliseconds(),
	}
}
