package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/orchestrator/internal/agents"
	"github.com/agentmesh/orchestrator/internal/bus"
	"github.com/agentmesh/orchestrator/internal/events"
	"github.com/agentmesh/orchestrator/internal/orchestrator"
	"github.com/agentmesh/orchestrator/internal/workflow"
)

func testHandler(t *testing.T) *Handler {
	t.Helper()
	engine := orchestrator.New(orchestrator.Options{
		Agents:    agents.NewManager(nil),
		Bus:       bus.New(bus.Config{ProcessingRate: 1000, RetryBackoffBase: time.Millisecond}, nil),
		Events:    events.NewManager(16),
		IdleYield: 2 * time.Millisecond,
	})
	registry := workflow.NewRegistry(nil)
	require.NoError(t, registry.Register(sampleDefinition()))
	return NewHandler(engine, registry, nil)
}

func sampleDefinition() *workflow.Definition {
	return &workflow.Definition{
		ID:      "triage",
		Version: "1.0.0",
		Steps: []workflow.Step{
			{
				ID: "classify", Type: workflow.StepAnalysis, AgentID: "analyst",
				Outputs: []workflow.IOBinding{{Name: "result"}},
			},
		},
		Agents: []workflow.AgentDefinition{{
			ID: "analyst", Type: workflow.AgentAnalysis,
			Capabilities: []workflow.Capability{
				{Name: "text", Type: workflow.CapTextAnalysis, CostPerOperation: 0.05},
			},
		}},
	}
}

func post(t *testing.T, h *Handler, body map[string]any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/workflows", bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	h.handle(rec, req)
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return rec, env
}

func errorCode(env envelope) string {
	if env.Error == nil {
		return ""
	}
	code, _ := env.Error.Details["code"].(string)
	return code
}

func TestExecuteByTemplateID(t *testing.T) {
	h := testHandler(t)
	rec, env := post(t, h, map[string]any{
		"action":     "execute",
		"workflowId": "triage",
		"inputs":     map[string]any{"topic": "billing"},
		"tenantId":   "tenant-1",
		"userId":     "user-1",
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.Success)
	require.NotNil(t, env.Metadata)
	assert.Greater(t, env.Metadata.Cost, 0.0)
	require.NotNil(t, env.Metadata.QualityScore)

	data, err := json.Marshal(env.Data)
	require.NoError(t, err)
	var exec workflow.Execution
	require.NoError(t, json.Unmarshal(data, &exec))
	assert.Equal(t, workflow.ExecutionCompleted, exec.Status)
	assert.Equal(t, "triage", exec.WorkflowID)
}

func TestExecuteMissingFields(t *testing.T) {
	h := testHandler(t)
	rec, env := post(t, h, map[string]any{"action": "execute"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, env.Success)
	assert.Equal(t, workflow.CodeMissingFields, errorCode(env))
	assert.Contains(t, env.Error.Message, "workflowId")
	assert.Contains(t, env.Error.Message, "tenantId")
	assert.Contains(t, env.Error.Message, "userId")
}

func TestExecuteUnknownTemplate(t *testing.T) {
	h := testHandler(t)
	rec, env := post(t, h, map[string]any{
		"action":     "execute",
		"workflowId": "missing",
		"tenantId":   "tenant-1",
		"userId":     "user-1",
	})

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, workflow.CodeWorkflowNotFound, errorCode(env))
}

func TestExecuteInlineDefinitionValidation(t *testing.T) {
	h := testHandler(t)
	def := sampleDefinition()
	def.Steps[0].Dependencies = []string{"classify"} // self-cycle
	rec, env := post(t, h, map[string]any{
		"action":     "execute",
		"definition": def,
		"tenantId":   "tenant-1",
		"userId":     "user-1",
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, workflow.CodeValidationError, errorCode(env))
}

func TestStatusUnknownReturnsPlaceholder(t *testing.T) {
	h := testHandler(t)
	rec, env := post(t, h, map[string]any{"action": "status", "executionId": "ghost"})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.Success)
	data, _ := json.Marshal(env.Data)
	var exec workflow.Execution
	require.NoError(t, json.Unmarshal(data, &exec))
	assert.Equal(t, workflow.ExecutionPending, exec.Status)
	assert.Equal(t, "ghost", exec.ID)
}

func TestLifecycleErrors(t *testing.T) {
	h := testHandler(t)

	rec, env := post(t, h, map[string]any{"action": "pause", "executionId": "ghost"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, workflow.CodeExecutionNotFound, errorCode(env))

	rec, env = post(t, h, map[string]any{"action": "pause"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, workflow.CodeMissingFields, errorCode(env))

	rec, env = post(t, h, map[string]any{"action": "cancel", "executionId": "ghost"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, workflow.CodeExecutionNotFound, errorCode(env))
}

func TestListAndTemplates(t *testing.T) {
	h := testHandler(t)

	rec, env := post(t, h, map[string]any{"action": "list"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.Success)
	require.NotNil(t, env.Metadata)
	assert.Equal(t, 0, env.Metadata.TotalCount)

	rec, env = post(t, h, map[string]any{"action": "templates"})
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, env.Metadata)
	assert.Equal(t, 1, env.Metadata.TotalCount)

	data, _ := json.Marshal(env.Data)
	var summaries []workflow.Summary
	require.NoError(t, json.Unmarshal(data, &summaries))
	require.Len(t, summaries, 1)
	assert.Equal(t, "triage", summaries[0].ID)
}

func TestPreflightAndCORS(t *testing.T) {
	h := testHandler(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/workflows", nil)
	rec := httptest.NewRecorder()
	h.handle(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestUnknownActionRejected(t *testing.T) {
	h := testHandler(t)
	rec, env := post(t, h, map[string]any{"action": "explode"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, env.Success)
	assert.Contains(t, env.Error.Message, "explode")
}

func TestMalformedBody(t *testing.T) {
	h := testHandler(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/workflows", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	h.handle(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	h := testHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/workflows", nil)
	rec := httptest.NewRecorder()
	h.handle(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
