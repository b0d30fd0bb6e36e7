// Package handoff emits the audit records linking who produced what, for
// whom, how well, and how long it took.
package handoff

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Expected outcomes carried on a ticket.
const (
	OutcomeConsumeOutputs = "consume_previous_step_outputs"
	OutcomeHandleFailure  = "handle_step_failure"
)

// Orchestrator is the receiving side when a step has no downstream agent.
const Orchestrator = "orchestrator"

// Ticket is the audit record emitted at every step terminal transition.
type Ticket struct {
	ID              string         `json:"id"`
	FromAgent       string         `json:"fromAgent"`
	ToAgent         string         `json:"toAgent"`
	Reason          string         `json:"reason"`
	Payload         map[string]any `json:"payload,omitempty"`
	ExpectedOutcome string         `json:"expectedOutcome"`
	SLAMs           int64          `json:"slaMs"`
	Confidence      float64        `json:"confidence"`
	Status          string         `json:"status"`
	CreatedAt       time.Time      `json:"createdAt"`
	Context         map[string]any `json:"context,omitempty"`
	Annotations     map[string]any `json:"annotations,omitempty"`
}

// New builds a ticket with a fresh id. Reason is the step's terminal status;
// the expected outcome follows from it.
func New(fromAgent, toAgent, reason string, payload map[string]any) *Ticket {
	expected := OutcomeConsumeOutputs
	if reason != "completed" {
		expected = OutcomeHandleFailure
	}
	return &Ticket{
		ID:              uuid.NewString(),
		FromAgent:       fromAgent,
		ToAgent:         toAgent,
		Reason:          reason,
		Payload:         payload,
		ExpectedOutcome: expected,
		Status:          "emitted",
		CreatedAt:       time.Now().UTC(),
	}
}

// PayloadKeys returns the payload's keys in sorted order. The wire format
// exposes only keys, never values.
func (t *Ticket) PayloadKeys() []string {
	keys := make([]string, 0, len(t.Payload))
	for k := range t.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Transition renders the "<from> -> <to>" pair.
func (t *Ticket) Transition() string {
	return fmt.Sprintf("%s -> %s", t.FromAgent, t.ToAgent)
}

// Wire returns the stable wire representation.
func (t *Ticket) Wire() map[string]any {
	return map[string]any{
		"id":              t.ID,
		"transition":      t.Transition(),
		"reason":          t.Reason,
		"expectedOutcome": t.ExpectedOutcome,
		"slaMs":           t.SLAMs,
		"confidence":      t.Confidence,
		"status":          t.Status,
		"createdAt":       t.CreatedAt.UTC().Format(time.RFC3339),
		"context":         t.Context,
		"annotations":     t.Annotations,
		"payloadKeys":     t.PayloadKeys(),
	}
}

// MarshalWire serializes the wire representation to JSON.
func (t *Ticket) MarshalWire() ([]byte, error) {
	return json.Marshal(t.Wire())
}
