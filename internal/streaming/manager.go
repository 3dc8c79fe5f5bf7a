// Package streaming fans out workflow lifecycle events to in-process
// subscribers, keeps a bounded replay history per workflow, and optionally
// mirrors every event to a Redis Stream for consumers in other processes.
package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Event types published by the engine.
const (
	EventWorkflowStarted   = "workflow_started"
	EventWorkflowCompleted = "workflow_completed"
	EventStepStarted       = "step_started"
	EventStepRetry         = "step_retry"
	EventStepCompleted     = "step_completed"
	EventStepFailed        = "step_failed"
	EventStepSkipped       = "step_skipped"
)

// Event is one lifecycle notification.
type Event struct {
	WorkflowID string                 `json:"workflow_id"`
	Type       string                 `json:"type"`
	StepID     string                 `json:"step_id,omitempty"`
	AgentID    string                 `json:"agent_id,omitempty"`
	Message    string                 `json:"message,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Seq        uint64                 `json:"seq"`
}

// Marshal returns the JSON encoding used for logs and the Redis mirror.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// DefaultCapacity is the per-workflow replay history size.
const DefaultCapacity = 256

// Manager is an in-memory pub/sub keyed by workflow id.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	history     map[string]*ring
	capacity    int

	redis     *redis.Client
	streamTTL time.Duration
	maxLen    int64
	logger    *zap.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithRedisMirror mirrors every event with XADD to "orchestra:events:<workflow>".
func WithRedisMirror(client *redis.Client, maxLen int64, ttl time.Duration) Option {
	return func(m *Manager) {
		m.redis = client
		m.maxLen = maxLen
		m.streamTTL = ttl
	}
}

// NewManager creates a manager. capacity <= 0 selects DefaultCapacity.
func NewManager(capacity int, logger *zap.Logger, opts ...Option) *Manager {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
		maxLen:      1000,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StreamKey is the Redis stream a workflow's events are mirrored to.
func StreamKey(workflowID string) string {
	return "orchestra:events:" + workflowID
}

// Subscribe adds a subscriber channel for a workflow; the caller must drain it
// and call Unsubscribe.
func (m *Manager) Subscribe(workflowID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[workflowID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[workflowID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes and closes the subscriber channel.
func (m *Manager) Unsubscribe(workflowID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[workflowID]; ok {
		if _, ok := subs[ch]; !ok {
			return
		}
		delete(subs, ch)
		close(ch)
		if len(subs) == 0 {
			delete(m.subscribers, workflowID)
		}
	}
}

// Publish assigns the next sequence number, records the event for replay
// and delivers it to subscribers without blocking. Slow subscribers miss events.
func (m *Manager) Publish(workflowID string, evt Event) {
	m.mu.Lock()
	rg := m.history[workflowID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[workflowID] = rg
	}
	rg.nextSeq++
	evt.Seq = rg.nextSeq
	evt.WorkflowID = workflowID
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	rg.push(evt)
	subs := make([]chan Event, 0, len(m.subscribers[workflowID]))
	for ch := range m.subscribers[workflowID] {
		subs = append(subs, ch)
	}
	m.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
		}
	}

	if m.redis != nil {
		m.mirror(evt)
	}
}

func (m *Manager) mirror(evt Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := StreamKey(evt.WorkflowID)
	err := m.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: m.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"type":    evt.Type,
			"step_id": evt.StepID,
			"seq":     evt.Seq,
			"event":   string(evt.Marshal()),
		},
	}).Err()
	if err != nil {
		m.logger.Warn("Failed to mirror event to Redis",
			zap.String("workflow_id", evt.WorkflowID),
			zap.String("type", evt.Type),
			zap.Error(err),
		)
		return
	}
	if m.streamTTL > 0 {
		m.redis.Expire(ctx, key, m.streamTTL)
	}
}

// ReplaySince returns buffered events with Seq > since.
func (m *Manager) ReplaySince(workflowID string, since uint64) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rg := m.history[workflowID]
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// ReadMirror reads a workflow's mirrored events from Redis with Seq > since.
func (m *Manager) ReadMirror(ctx context.Context, workflowID string, since uint64) ([]Event, error) {
	if m.redis == nil {
		return nil, fmt.Errorf("redis mirror not configured")
	}
	msgs, err := m.redis.XRange(ctx, StreamKey(workflowID), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("read event stream: %w", err)
	}
	out := make([]Event, 0, len(msgs))
	for _, msg := range msgs {
		if seq, err := strconv.ParseUint(fmt.Sprint(msg.Values["seq"]), 10, 64); err == nil && seq <= since {
			continue
		}
		raw, ok := msg.Values["event"].(string)
		if !ok {
			continue
		}
		var evt Event
		if err := json.Unmarshal([]byte(raw), &evt); err != nil {
			m.logger.Warn("Skipping malformed mirrored event", zap.String("id", msg.ID), zap.Error(err))
			continue
		}
		out = append(out, evt)
	}
	return out, nil
}

// ring is a fixed-capacity buffer that overwrites its oldest entry.
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
