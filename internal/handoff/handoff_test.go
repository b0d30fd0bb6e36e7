package handoff

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTicketExpectedOutcome(t *testing.T) {
	ok := New("agent-a", Orchestrator, "completed", map[string]any{"result": 1})
	assert.Equal(t, OutcomeConsumeOutputs, ok.ExpectedOutcome)
	assert.NotEmpty(t, ok.ID)

	failed := New("agent-a", "agent-b", "failed", nil)
	assert.Equal(t, OutcomeHandleFailure, failed.ExpectedOutcome)

	timedOut := New("agent-a", "agent-b", "timeout", nil)
	assert.Equal(t, OutcomeHandleFailure, timedOut.ExpectedOutcome)
}

func TestWireFormat(t *testing.T) {
	ticket := New("agent-a", "agent-b", "completed", map[string]any{
		"zeta":  1,
		"alpha": "sensitive value",
	})
	ticket.SLAMs = 30000
	ticket.Confidence = 0.85
	ticket.Annotations = map[string]any{"executionId": "exec-1", "workflowId": "wf-1"}

	raw, err := ticket.MarshalWire()
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(raw, &wire))

	assert.Equal(t, ticket.ID, wire["id"])
	assert.Equal(t, "agent-a -> agent-b", wire["transition"])
	assert.Equal(t, "completed", wire["reason"])
	assert.Equal(t, OutcomeConsumeOutputs, wire["expectedOutcome"])
	assert.Equal(t, float64(30000), wire["slaMs"])
	assert.Equal(t, 0.85, wire["confidence"])
	assert.Equal(t, "emitted", wire["status"])

	// Keys only, sorted; values never leave the process.
	assert.Equal(t, []any{"alpha", "zeta"}, wire["payloadKeys"])
	assert.NotContains(t, string(raw), "sensitive value")

	_, err = time.Parse(time.RFC3339, wire["createdAt"].(string))
	assert.NoError(t, err)
}

func TestRedisSink(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	sink := NewRedisSink(client, "test:handoffs", 100)
	ticket := New("agent-a", Orchestrator, "completed", map[string]any{"out": 1})
	require.NoError(t, sink.Emit(context.Background(), ticket))

	entries, err := client.XRange(context.Background(), "test:handoffs", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "agent-a -> orchestrator", entries[0].Values["transition"])
	assert.Equal(t, "completed", entries[0].Values["reason"])

	var wire map[string]any
	require.NoError(t, json.Unmarshal([]byte(entries[0].Values["ticket"].(string)), &wire))
	assert.Equal(t, ticket.ID, wire["id"])
}

func TestMultiSink(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	sink := MultiSink{NewLogSink(nil), NewRedisSink(client, "test:handoffs", 10)}
	require.NoError(t, sink.Emit(context.Background(), New("a", "b", "failed", nil)))

	entries, err := client.XRange(context.Background(), "test:handoffs", "-", "+").Result()
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
