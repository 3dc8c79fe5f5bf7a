package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// JSONB is a JSON object column: jsonb on PostgreSQL, TEXT on SQLite.
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into JSONB", value)
	}
	return json.Unmarshal(raw, j)
}

// RunRecord is one row of orchestration_runs.
type RunRecord struct {
	ID         string    `db:"id" json:"id"`
	WorkflowID string    `db:"workflow_id" json:"workflow_id"`
	Request    string    `db:"request" json:"request"`
	Pattern    string    `db:"pattern" json:"pattern"`
	Mode       string    `db:"mode" json:"mode"`
	Ambiguous  bool      `db:"ambiguous" json:"ambiguous"`
	Success    bool      `db:"success" json:"success"`
	Summary    string    `db:"summary" json:"summary"`
	Succeeded  int       `db:"succeeded" json:"succeeded"`
	Failed     int       `db:"failed" json:"failed"`
	Skipped    int       `db:"skipped" json:"skipped"`
	DurationMs int64     `db:"duration_ms" json:"duration_ms"`
	Outcome    JSONB     `db:"outcome" json:"outcome"`
	StartedAt  time.Time `db:"started_at" json:"started_at"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// StepRecord is one row of step_executions.
type StepRecord struct {
	RunID           string `db:"run_id" json:"run_id"`
	StepID          string `db:"step_id" json:"step_id"`
	Capability      string `db:"capability" json:"capability"`
	Agent           string `db:"agent" json:"agent"`
	Success         bool   `db:"success" json:"success"`
	Skipped         bool   `db:"skipped" json:"skipped"`
	Failure         string `db:"failure" json:"failure"`
	ErrorMessage    string `db:"error_message" json:"error_message"`
	Attempts        int    `db:"attempts" json:"attempts"`
	ExecutionTimeMs int64  `db:"execution_time_ms" json:"execution_time_ms"`
}
