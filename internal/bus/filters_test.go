package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentFilterBlocks(t *testing.T) {
	f := &ContentFilter{Blocked: []string{"forbidden"}}
	msg := NewMessage("a", "b", MessageRequest, map[string]any{"text": "this is forbidden content"})

	_, ok := f.Apply(msg)
	assert.False(t, ok)

	clean := NewMessage("a", "b", MessageRequest, map[string]any{"text": "all good"})
	_, ok = f.Apply(clean)
	assert.True(t, ok)
}

func TestContentFilterRewrites(t *testing.T) {
	f := &ContentFilter{Blocked: []string{"secret"}, Replacement: "***"}
	msg := NewMessage("a", "b", MessageRequest, map[string]any{"text": "the secret plan"})

	out, ok := f.Apply(msg)
	require.True(t, ok)
	assert.Equal(t, "the *** plan", out.Content["text"])
}

func TestSizeFilter(t *testing.T) {
	f := &SizeFilter{MaxBytes: 32}

	small := NewMessage("a", "b", MessageRequest, map[string]any{"k": "v"})
	_, ok := f.Apply(small)
	assert.True(t, ok)

	big := NewMessage("a", "b", MessageRequest, map[string]any{
		"k": "a very long payload that certainly exceeds the configured byte budget",
	})
	_, ok = f.Apply(big)
	assert.False(t, ok)
}

func TestFrequencyFilterLimitsPerSender(t *testing.T) {
	f := NewFrequencyFilter(2)

	msg := NewMessage("chatty", "b", MessageRequest, nil)
	_, ok := f.Apply(msg)
	assert.True(t, ok)
	_, ok = f.Apply(msg)
	assert.True(t, ok)
	_, ok = f.Apply(msg)
	assert.False(t, ok)

	// Independent allowance per sender.
	other := NewMessage("quiet", "b", MessageRequest, nil)
	_, ok = f.Apply(other)
	assert.True(t, ok)
}

func TestSecurityFilterRedacts(t *testing.T) {
	f := &SecurityFilter{}
	msg := NewMessage("a", "b", MessageRequest, map[string]any{
		"card":  "pay with 4111 1111 1111 1111 now",
		"email": "contact alice@example.com please",
		"ssn":   "ssn is 123-45-6789",
		"count": 3,
	})

	out, ok := f.Apply(msg)
	require.True(t, ok)
	assert.Equal(t, "pay with [REDACTED] now", out.Content["card"])
	assert.Equal(t, "contact [REDACTED] please", out.Content["email"])
	assert.Equal(t, "ssn is [REDACTED]", out.Content["ssn"])
	assert.Equal(t, 3, out.Content["count"])
}
