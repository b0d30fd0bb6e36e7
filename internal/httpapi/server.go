// Package httpapi is the thin HTTP facade over the orchestration engine: one
// action-dispatch endpoint with a uniform response envelope, plus CORS for
// browser callers. Auth and origin narrowing belong to the front door.
package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh/orchestrator/internal/orchestrator"
	"github.com/agentmesh/orchestrator/internal/workflow"
)

// Handler serves the workflow API.
type Handler struct {
	engine   *orchestrator.Engine
	registry *workflow.Registry
	logger   *zap.Logger
}

// NewHandler constructs the facade.
func NewHandler(engine *orchestrator.Engine, registry *workflow.Registry, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{engine: engine, registry: registry, logger: logger}
}

// RegisterRoutes registers the workflow endpoint on the provided mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/workflows", h.handle)
}

type apiRequest struct {
	Action      string               `json:"action"`
	WorkflowID  string               `json:"workflowId,omitempty"`
	Version     string               `json:"version,omitempty"`
	Definition  *workflow.Definition `json:"definition,omitempty"`
	ExecutionID string               `json:"executionId,omitempty"`
	Inputs      map[string]any       `json:"inputs,omitempty"`
	TenantID    string               `json:"tenantId,omitempty"`
	UserID      string               `json:"userId,omitempty"`
	Priority    string               `json:"priority,omitempty"`
	Reason      string               `json:"reason,omitempty"`
	Filters     *apiFilters          `json:"filters,omitempty"`
}

type apiFilters struct {
	Status    []string      `json:"status,omitempty"`
	Tags      []string      `json:"tags,omitempty"`
	AgentIDs  []string      `json:"agentIds,omitempty"`
	DateRange *apiDateRange `json:"dateRange,omitempty"`
}

type apiDateRange struct {
	From time.Time `json:"from,omitempty"`
	To   time.Time `json:"to,omitempty"`
}

type envelope struct {
	Success  bool          `json:"success"`
	Data     any           `json:"data,omitempty"`
	Metadata *respMetadata `json:"metadata,omitempty"`
	Error    *respError    `json:"error,omitempty"`
}

type respMetadata struct {
	ExecutionTimeMs int64    `json:"executionTime,omitempty"`
	Cost            float64  `json:"cost,omitempty"`
	QualityScore    *float64 `json:"qualityScore,omitempty"`
	TotalCount      int      `json:"totalCount,omitempty"`
}

type respError struct {
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (h *Handler) handle(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, workflow.CodeValidationError, "method not allowed")
		return
	}

	var req apiRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, workflow.CodeValidationError, "invalid JSON body")
		return
	}

	switch req.Action {
	case "execute":
		h.execute(w, r, req)
	case "status":
		h.status(w, req)
	case "pause":
		h.lifecycle(w, req, h.engine.Pause)
	case "resume":
		h.lifecycle(w, req, h.engine.Resume)
	case "cancel":
		h.cancel(w, req)
	case "list":
		h.list(w, req)
	case "templates":
		h.templates(w)
	default:
		writeError(w, http.StatusBadRequest, workflow.CodeValidationError,
			fmt.Sprintf("unknown action %q", req.Action))
	}
}

func (h *Handler) execute(w http.ResponseWriter, r *http.Request, req apiRequest) {
	var missing []string
	if req.WorkflowID == "" && req.Definition == nil {
		missing = append(missing, "workflowId")
	}
	if req.TenantID == "" {
		missing = append(missing, "tenantId")
	}
	if req.UserID == "" {
		missing = append(missing, "userId")
	}
	if len(missing) > 0 {
		writeError(w, http.StatusBadRequest, workflow.CodeMissingFields,
			fmt.Sprintf("missing required fields: %v", missing))
		return
	}

	def := req.Definition
	if def == nil {
		entry, ok := h.registry.Find(req.WorkflowID, req.Version)
		if !ok {
			writeError(w, http.StatusNotFound, workflow.CodeWorkflowNotFound,
				fmt.Sprintf("workflow %s not found", req.WorkflowID))
			return
		}
		def = entry.Definition
	}

	exec, err := h.engine.Execute(r.Context(), def, req.Inputs, req.TenantID, req.UserID, req.Priority)
	if err != nil {
		h.logger.Warn("Execute rejected", zap.String("workflow_id", req.WorkflowID), zap.Error(err))
		writeWorkflowError(w, err)
		return
	}

	meta := executionMetadata(exec)
	if exec.Status == workflow.ExecutionTimeout {
		writeJSON(w, http.StatusRequestTimeout, envelope{
			Success:  false,
			Data:     exec,
			Metadata: meta,
			Error: &respError{
				Message: "execution exceeded its deadline",
				Details: map[string]any{"code": workflow.CodeExecutionTimeout},
			},
		})
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: exec, Metadata: meta})
}

func (h *Handler) status(w http.ResponseWriter, req apiRequest) {
	if req.ExecutionID == "" {
		writeError(w, http.StatusBadRequest, workflow.CodeMissingFields, "executionId is required")
		return
	}
	exec := h.engine.GetStatus(req.ExecutionID)
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: exec, Metadata: executionMetadata(exec)})
}

func (h *Handler) lifecycle(w http.ResponseWriter, req apiRequest, op func(string) (*workflow.Execution, error)) {
	if req.ExecutionID == "" {
		writeError(w, http.StatusBadRequest, workflow.CodeMissingFields, "executionId is required")
		return
	}
	exec, err := op(req.ExecutionID)
	if err != nil {
		writeWorkflowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: exec})
}

func (h *Handler) cancel(w http.ResponseWriter, req apiRequest) {
	if req.ExecutionID == "" {
		writeError(w, http.StatusBadRequest, workflow.CodeMissingFields, "executionId is required")
		return
	}
	exec, err := h.engine.Cancel(req.ExecutionID, req.Reason)
	if err != nil {
		writeWorkflowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: exec})
}

func (h *Handler) list(w http.ResponseWriter, req apiRequest) {
	filter := orchestrator.ListFilter{}
	if f := req.Filters; f != nil {
		for _, s := range f.Status {
			filter.Statuses = append(filter.Statuses, workflow.ExecutionStatus(s))
		}
		filter.Tags = f.Tags
		filter.AgentIDs = f.AgentIDs
		if f.DateRange != nil {
			filter.Since = f.DateRange.From
			filter.Until = f.DateRange.To
		}
	}
	execs := h.engine.List(filter)
	writeJSON(w, http.StatusOK, envelope{
		Success:  true,
		Data:     execs,
		Metadata: &respMetadata{TotalCount: len(execs)},
	})
}

func (h *Handler) templates(w http.ResponseWriter) {
	summaries := h.registry.List()
	writeJSON(w, http.StatusOK, envelope{
		Success:  true,
		Data:     summaries,
		Metadata: &respMetadata{TotalCount: len(summaries)},
	})
}

func executionMetadata(exec *workflow.Execution) *respMetadata {
	meta := &respMetadata{
		Cost:         exec.TotalCost,
		QualityScore: exec.QualityScore,
	}
	if exec.EndTime != nil {
		meta.ExecutionTimeMs = exec.EndTime.Sub(exec.StartTime).Milliseconds()
	}
	return meta
}

// httpStatus maps an engine error code onto the transport.
func httpStatus(code string) int {
	switch code {
	case workflow.CodeMissingFields, workflow.CodeValidationError, workflow.CodeInvalidStatus,
		workflow.CodeInvalidTree, workflow.CodeInvalidMessage, workflow.CodeCapabilityMismatch:
		return http.StatusBadRequest
	case workflow.CodeWorkflowNotFound, workflow.CodeExecutionNotFound, workflow.CodeQueueNotFound:
		return http.StatusNotFound
	case workflow.CodeExecutionTimeout:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeWorkflowError(w http.ResponseWriter, err error) {
	we := workflow.AsError(err)
	writeError(w, httpStatus(we.Code), we.Code, we.Message)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, envelope{
		Success: false,
		Error: &respError{
			Message: message,
			Details: map[string]any{"code": code},
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

// StartServer runs the API on the given port in a background goroutine and
// returns the server for shutdown.
func StartServer(port int, handler *Handler, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // execute is synchronous
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("Starting workflow API server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Workflow API server failed", zap.Error(err))
		}
	}()
	return srv
}
