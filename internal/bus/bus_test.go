package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/orchestrator/internal/workflow"
)

func fastConfig() Config {
	return Config{
		QueueCapacity:    100,
		ProcessingRate:   1000,
		DeliveryRetries:  3,
		RetryBackoffBase: time.Millisecond,
	}
}

type recorder struct {
	mu       sync.Mutex
	messages []Message
}

func (r *recorder) handle(_ context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

func (r *recorder) all() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.messages))
	copy(out, r.messages)
	return out
}

func TestSendDelivers(t *testing.T) {
	b := New(fastConfig(), nil)
	defer b.Close()

	rec := &recorder{}
	b.Register("agent-b", rec.handle)

	msg := NewMessage("agent-a", "agent-b", MessageRequest, map[string]any{"k": "v"})
	require.NoError(t, b.Send(msg))

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	got := rec.all()[0]
	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, PriorityNormal, got.Priority)
	assert.Equal(t, "v", got.Content["k"])
}

func TestSendValidation(t *testing.T) {
	b := New(fastConfig(), nil)
	defer b.Close()

	err := b.Send(Message{ToAgent: "agent-b", Type: MessageRequest})
	require.Error(t, err)
	assert.Equal(t, workflow.CodeInvalidMessage, workflow.AsError(err).Code)

	err = b.Send(Message{FromAgent: "a", ToAgent: "b", Type: "bogus"})
	require.Error(t, err)
	assert.Equal(t, workflow.CodeInvalidMessage, workflow.AsError(err).Code)
}

func TestSendUnknownRecipient(t *testing.T) {
	b := New(fastConfig(), nil)
	defer b.Close()

	err := b.Send(NewMessage("a", "nobody", MessageRequest, nil))
	require.Error(t, err)
	assert.Equal(t, workflow.CodeQueueNotFound, workflow.AsError(err).Code)
}

func TestDeliveryRetries(t *testing.T) {
	b := New(fastConfig(), nil)
	defer b.Close()

	var mu sync.Mutex
	attempts := 0
	b.Register("agent-b", func(_ context.Context, _ Message) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return assert.AnError
		}
		return nil
	})

	require.NoError(t, b.Send(NewMessage("a", "agent-b", MessageRequest, nil)))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return attempts == 3
	}, time.Second, 5*time.Millisecond)
}

func TestBroadcastClonesPerRecipient(t *testing.T) {
	b := New(fastConfig(), nil)
	defer b.Close()

	recB, recC := &recorder{}, &recorder{}
	b.Register("agent-b", recB.handle)
	b.Register("agent-c", recC.handle)

	msg := NewMessage("agent-a", "", MessageCoordination, map[string]any{"event": "pause"})
	require.NoError(t, b.Broadcast(msg, []string{"agent-a", "agent-b", "agent-c"}))

	require.Eventually(t, func() bool {
		return recB.count() == 1 && recC.count() == 1
	}, time.Second, 5*time.Millisecond)

	gotB, gotC := recB.all()[0], recC.all()[0]
	assert.NotEqual(t, gotB.ID, gotC.ID)
	assert.Equal(t, "agent-b", gotB.ToAgent)
	assert.Equal(t, "agent-c", gotC.ToAgent)
	assert.Equal(t, PriorityHigh, gotB.Priority)
}

func TestQueuePriorityOrder(t *testing.T) {
	q := newQueue("agent-a", 10, nil)

	low := NewMessage("x", "agent-a", MessageNotification, nil)
	normal := NewMessage("x", "agent-a", MessageRequest, nil)
	high := NewMessage("x", "agent-a", MessageCoordination, nil)
	urgent := NewMessage("x", "agent-a", MessageRequest, nil)
	urgent.Priority = PriorityUrgent

	q.push(low)
	q.push(normal)
	q.push(high)
	q.push(urgent)

	var order []Priority
	for {
		msg, ok := q.pop()
		if !ok {
			break
		}
		order = append(order, msg.Priority)
	}
	assert.Equal(t, []Priority{PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow}, order)
}

func TestQueueOverflowDropsOldest(t *testing.T) {
	q := newQueue("agent-a", 2, nil)

	first := NewMessage("x", "agent-a", MessageNotification, nil)
	second := NewMessage("x", "agent-a", MessageNotification, nil)
	third := NewMessage("x", "agent-a", MessageNotification, nil)
	q.push(first)
	q.push(second)
	q.push(third)

	msg, ok := q.pop()
	require.True(t, ok)
	assert.Equal(t, second.ID, msg.ID)
	msg, ok = q.pop()
	require.True(t, ok)
	assert.Equal(t, third.ID, msg.ID)
	_, ok = q.pop()
	assert.False(t, ok)
}

func TestDerivePriority(t *testing.T) {
	assert.Equal(t, PriorityHigh, DerivePriority(MessageCoordination))
	assert.Equal(t, PriorityNormal, DerivePriority(MessageRequest))
	assert.Equal(t, PriorityNormal, DerivePriority(MessageResponse))
	assert.Equal(t, PriorityLow, DerivePriority(MessageNotification))
}
