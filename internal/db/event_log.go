package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/orchestra/internal/streaming"
)

// EventLog represents a persisted streaming event row.
type EventLog struct {
	ID         string    `db:"id"`
	WorkflowID string    `db:"workflow_id"`
	Type       string    `db:"type"`
	StepID     string    `db:"step_id"`
	AgentID    string    `db:"agent_id"`
	Message    string    `db:"message"`
	Payload    JSONB     `db:"payload"`
	Timestamp  time.Time `db:"timestamp"`
	Seq        int64     `db:"seq"`
	CreatedAt  time.Time `db:"created_at"`
}

// EventLogFrom converts a lifecycle event into its row.
func EventLogFrom(evt streaming.Event) *EventLog {
	return &EventLog{
		WorkflowID: evt.WorkflowID,
		Type:       evt.Type,
		StepID:     evt.StepID,
		AgentID:    evt.AgentID,
		Message:    evt.Message,
		Payload:    JSONB(evt.Data),
		Timestamp:  evt.Timestamp,
		Seq:        int64(evt.Seq),
	}
}

const insertEventLog = `
	INSERT INTO event_logs (
		id, workflow_id, type, step_id, agent_id, message, payload, timestamp, seq, created_at
	) VALUES (
		:id, :workflow_id, :type, :step_id, :agent_id, :message, :payload, :timestamp, :seq, :created_at
	)`

// SaveEventLog inserts a new event_logs row.
func (c *Client) SaveEventLog(ctx context.Context, e *EventLog) error {
	if e == nil {
		return nil
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	return c.breaker.Execute(ctx, func(ctx context.Context) error {
		if _, err := c.db.NamedExecContext(ctx, insertEventLog, e); err != nil {
			return fmt.Errorf("failed to save event log: %w", err)
		}
		return nil
	})
}

// Publish queues evt for persistence, so a Client can serve as an engine
// event sink without blocking step execution.
func (c *Client) Publish(workflowID string, evt streaming.Event) {
	if evt.WorkflowID == "" {
		evt.WorkflowID = workflowID
	}
	if err := c.QueueWrite(WriteTypeEventLog, EventLogFrom(evt), nil); err != nil {
		c.logger.Debug("Dropped event log", zap.String("workflow_id", workflowID), zap.Error(err))
	}
}
