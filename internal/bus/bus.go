// Package bus routes typed messages between agents through per-agent
// priority queues with pluggable filters.
package bus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/agentmesh/orchestrator/internal/metrics"
	"github.com/agentmesh/orchestrator/internal/workflow"
)

// Handler consumes messages delivered to a registered agent.
type Handler func(ctx context.Context, msg Message) error

// Config tunes queue sizes and delivery behaviour.
type Config struct {
	// QueueCapacity bounds each per-agent queue; oldest messages are dropped
	// on overflow. Default 1000.
	QueueCapacity int
	// ProcessingRate is the per-queue drain rate in messages per second.
	// Default 10.
	ProcessingRate int
	// DeliveryRetries is the number of redelivery attempts after a handler
	// error. Default 3.
	DeliveryRetries int
	// RetryBackoffBase scales the delay between delivery attempts
	// (base * retryCount). Default 5s.
	RetryBackoffBase time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 1000
	}
	if c.ProcessingRate <= 0 {
		c.ProcessingRate = 10
	}
	if c.DeliveryRetries <= 0 {
		c.DeliveryRetries = 3
	}
	if c.RetryBackoffBase <= 0 {
		c.RetryBackoffBase = 5 * time.Second
	}
	return c
}

// Bus is the in-process message router. Producers call Send or Broadcast;
// registered handlers receive messages from a background drain per queue.
type Bus struct {
	cfg     Config
	logger  *zap.Logger
	filters []Filter

	mu     sync.RWMutex
	queues map[string]*queue

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a bus. Filters apply to every message in the order given.
func New(cfg Config, logger *zap.Logger, filters ...Filter) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		cfg:     cfg.withDefaults(),
		logger:  logger,
		filters: filters,
		queues:  make(map[string]*queue),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Register creates the agent's queue and starts its drain loop. Re-registering
// replaces the handler but keeps the queue.
func (b *Bus) Register(agentID string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[agentID]; ok {
		q.mu.Lock()
		q.handler = handler
		q.mu.Unlock()
		return
	}
	q := newQueue(agentID, b.cfg.QueueCapacity, handler)
	b.queues[agentID] = q
	b.wg.Add(1)
	go b.drain(q)
}

// Unregister drops the agent's queue; undelivered messages are discarded.
func (b *Bus) Unregister(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[agentID]
	if !ok {
		return
	}
	delete(b.queues, agentID)
	close(q.closed)
	metrics.QueueDepth.WithLabelValues(agentID).Set(0)
}

// Send validates, filters, and enqueues a message for its recipient.
// Filter drops are silent (logged, not errors).
func (b *Bus) Send(msg Message) error {
	if err := validate(msg); err != nil {
		return err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	for _, f := range b.filters {
		filtered, ok := f.Apply(msg)
		if !ok {
			metrics.MessagesDropped.WithLabelValues(f.Name()).Inc()
			b.logger.Debug("Message dropped by filter",
				zap.String("filter", f.Name()),
				zap.String("from", msg.FromAgent),
				zap.String("to", msg.ToAgent),
			)
			return nil
		}
		msg = filtered
	}

	b.mu.RLock()
	q, ok := b.queues[msg.ToAgent]
	b.mu.RUnlock()
	if !ok {
		return &workflow.Error{
			Code:    workflow.CodeQueueNotFound,
			Type:    workflow.TypeAgentNotAvailable,
			Message: "no queue registered for recipient",
			Ref:     msg.ToAgent,
		}
	}

	q.push(msg)
	metrics.MessagesEnqueued.WithLabelValues(string(msg.Type), msg.Priority.String()).Inc()
	return nil
}

// Broadcast fans a message out to each recipient with a fresh id per clone.
// The sender is excluded.
func (b *Bus) Broadcast(msg Message, agents []string) error {
	var errs []error
	for _, agentID := range agents {
		if agentID == "" || agentID == msg.FromAgent {
			continue
		}
		clone := msg
		clone.ID = uuid.NewString()
		clone.ToAgent = agentID
		clone.Content = copyContent(msg.Content)
		if err := b.Send(clone); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Depth reports the current queue depth for an agent.
func (b *Bus) Depth(agentID string) int {
	b.mu.RLock()
	q, ok := b.queues[agentID]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Close stops all drain loops and waits for them to exit.
func (b *Bus) Close() {
	b.cancel()
	b.wg.Wait()
}

func (b *Bus) drain(q *queue) {
	defer b.wg.Done()
	limiter := rate.NewLimiter(rate.Limit(b.cfg.ProcessingRate), 1)
	for {
		msg, ok := q.pop()
		if !ok {
			select {
			case <-b.ctx.Done():
				return
			case <-q.closed:
				return
			case <-q.notEmpty:
				continue
			}
		}
		if err := limiter.Wait(b.ctx); err != nil {
			return
		}
		b.deliver(q, msg)
	}
}

func (b *Bus) deliver(q *queue, msg Message) {
	q.mu.Lock()
	handler := q.handler
	q.mu.Unlock()
	if handler == nil {
		metrics.MessagesDropped.WithLabelValues("no_handler").Inc()
		return
	}

	var lastErr error
	for attempt := 0; attempt <= b.cfg.DeliveryRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-b.ctx.Done():
				return
			case <-time.After(retryDelay(b.cfg.RetryBackoffBase, attempt)):
			}
		}
		if lastErr = handler(b.ctx, msg); lastErr == nil {
			metrics.MessagesDelivered.Inc()
			return
		}
	}

	metrics.MessagesDropped.WithLabelValues("delivery_failed").Inc()
	b.logger.Warn("Message delivery failed",
		zap.String("message_id", msg.ID),
		zap.String("to", msg.ToAgent),
		zap.Error(lastErr),
	)
}

// queue is a per-agent mailbox: FIFO within each priority class, drained
// highest class first.
type queue struct {
	agentID  string
	capacity int

	mu       sync.Mutex
	classes  [4][]Message
	size     int
	handler  Handler
	notEmpty chan struct{}
	closed   chan struct{}
}

func newQueue(agentID string, capacity int, handler Handler) *queue {
	return &queue{
		agentID:  agentID,
		capacity: capacity,
		handler:  handler,
		notEmpty: make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}
}

func (q *queue) push(msg Message) {
	q.mu.Lock()
	if q.size >= q.capacity {
		q.dropOldestLocked()
	}
	idx := classIndex(msg.Priority)
	q.classes[idx] = append(q.classes[idx], msg)
	q.size++
	metrics.QueueDepth.WithLabelValues(q.agentID).Set(float64(q.size))
	q.mu.Unlock()

	select {
	case q.notEmpty <- struct{}{}:
	default:
	}
}

func (q *queue) pop() (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	// urgent first
	for idx := len(q.classes) - 1; idx >= 0; idx-- {
		if len(q.classes[idx]) == 0 {
			continue
		}
		msg := q.classes[idx][0]
		q.classes[idx] = q.classes[idx][1:]
		q.size--
		metrics.QueueDepth.WithLabelValues(q.agentID).Set(float64(q.size))
		return msg, true
	}
	return Message{}, false
}

// dropOldestLocked evicts the oldest message in the lowest non-empty
// priority class.
func (q *queue) dropOldestLocked() {
	for idx := 0; idx < len(q.classes); idx++ {
		if len(q.classes[idx]) == 0 {
			continue
		}
		q.classes[idx] = q.classes[idx][1:]
		q.size--
		metrics.MessagesDropped.WithLabelValues("overflow").Inc()
		return
	}
}

func classIndex(p Priority) int {
	if p < PriorityLow || p > PriorityUrgent {
		return int(PriorityNormal)
	}
	return int(p)
}

func copyContent(content map[string]any) map[string]any {
	if content == nil {
		return nil
	}
	out := make(map[string]any, len(content))
	for k, v := range content {
		out[k] = v
	}
	return out
}
