package bus

import (
	"encoding/json"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Filter inspects a message before enqueue. It returns the (possibly
// rewritten) message and false when the message must be dropped.
type Filter interface {
	Apply(msg Message) (Message, bool)
	Name() string
}

// ContentFilter blocks or rewrites messages whose serialized content contains
// a listed substring. With Replacement set the match is redacted instead of
// the message being dropped.
type ContentFilter struct {
	Blocked     []string
	Replacement string
}

func (f *ContentFilter) Name() string { return "content" }

func (f *ContentFilter) Apply(msg Message) (Message, bool) {
	if len(f.Blocked) == 0 || msg.Content == nil {
		return msg, true
	}
	raw, err := json.Marshal(msg.Content)
	if err != nil {
		return msg, true
	}
	text := string(raw)
	matched := false
	for _, blocked := range f.Blocked {
		if blocked == "" {
			continue
		}
		if strings.Contains(text, blocked) {
			if f.Replacement == "" {
				return msg, false
			}
			text = strings.ReplaceAll(text, blocked, f.Replacement)
			matched = true
		}
	}
	if matched {
		var rewritten map[string]any
		if err := json.Unmarshal([]byte(text), &rewritten); err == nil {
			msg.Content = rewritten
		}
	}
	return msg, true
}

// SizeFilter drops messages whose serialized content exceeds MaxBytes.
type SizeFilter struct {
	MaxBytes int
}

func (f *SizeFilter) Name() string { return "size" }

func (f *SizeFilter) Apply(msg Message) (Message, bool) {
	if f.MaxBytes <= 0 || msg.Content == nil {
		return msg, true
	}
	raw, err := json.Marshal(msg.Content)
	if err != nil {
		return msg, false
	}
	return msg, len(raw) <= f.MaxBytes
}

// FrequencyFilter rate-limits messages per sending agent.
type FrequencyFilter struct {
	perMinute int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewFrequencyFilter allows perMinute messages per sender, with bursts up to
// the full per-minute allowance.
func NewFrequencyFilter(perMinute int) *FrequencyFilter {
	return &FrequencyFilter{
		perMinute: perMinute,
		limiters:  make(map[string]*rate.Limiter),
	}
}

func (f *FrequencyFilter) Name() string { return "frequency" }

func (f *FrequencyFilter) Apply(msg Message) (Message, bool) {
	if f.perMinute <= 0 {
		return msg, true
	}
	f.mu.Lock()
	limiter, ok := f.limiters[msg.FromAgent]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(float64(f.perMinute)/60.0), f.perMinute)
		f.limiters[msg.FromAgent] = limiter
	}
	f.mu.Unlock()
	return msg, limiter.Allow()
}

// SecurityFilter redacts credit card, email, and SSN patterns from string
// content values. It never drops a message.
type SecurityFilter struct{}

var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`),
	regexp.MustCompile(`\b[\w.+-]+@[\w-]+\.[\w.]+\b`),
	regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
}

func (f *SecurityFilter) Name() string { return "security" }

func (f *SecurityFilter) Apply(msg Message) (Message, bool) {
	if msg.Content == nil {
		return msg, true
	}
	redacted := make(map[string]any, len(msg.Content))
	for k, v := range msg.Content {
		if s, ok := v.(string); ok {
			for _, pattern := range sensitivePatterns {
				s = pattern.ReplaceAllString(s, "[REDACTED]")
			}
			redacted[k] = s
			continue
		}
		redacted[k] = v
	}
	msg.Content = redacted
	return msg, true
}

// retryDelay is the backoff before delivery attempt retryCount+1.
func retryDelay(base time.Duration, retryCount int) time.Duration {
	return base * time.Duration(retryCount)
}
