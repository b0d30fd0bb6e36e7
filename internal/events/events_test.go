package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	m := NewManager(16)
	ch := m.Subscribe("exec-1", 4)
	defer m.Unsubscribe("exec-1", ch)

	m.Publish("exec-1", Event{Type: TypeStepStarted, StepID: "s1"})

	select {
	case evt := <-ch:
		assert.Equal(t, "exec-1", evt.ExecutionID)
		assert.Equal(t, TypeStepStarted, evt.Type)
		assert.Equal(t, "s1", evt.StepID)
		assert.False(t, evt.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	m := NewManager(16)
	ch := m.Subscribe("exec-1", 1)
	defer m.Unsubscribe("exec-1", ch)

	// Second publish overflows the buffer and is dropped, not blocked on.
	m.Publish("exec-1", Event{Type: TypeStepStarted})
	m.Publish("exec-1", Event{Type: TypeStepCompleted})

	evt := <-ch
	assert.Equal(t, TypeStepStarted, evt.Type)
	select {
	case <-ch:
		t.Fatal("expected overflow event to be dropped")
	default:
	}
}

func TestReplaySince(t *testing.T) {
	m := NewManager(4)
	for i := 0; i < 6; i++ {
		m.Publish("exec-1", Event{Type: TypeStepCompleted})
	}

	// Capacity 4, six events published: seqs 2..5 survive.
	all := m.ReplaySince("exec-1", 0)
	require.Len(t, all, 4)
	assert.Equal(t, uint64(2), all[0].Seq)
	assert.Equal(t, uint64(5), all[3].Seq)

	tail := m.ReplaySince("exec-1", 4)
	require.Len(t, tail, 1)
	assert.Equal(t, uint64(5), tail[0].Seq)
}

func TestForget(t *testing.T) {
	m := NewManager(8)
	m.Publish("exec-1", Event{Type: TypeExecutionStarted})
	require.NotEmpty(t, m.ReplaySince("exec-1", 0))
	m.Forget("exec-1")
	assert.Empty(t, m.ReplaySince("exec-1", 0))
}
