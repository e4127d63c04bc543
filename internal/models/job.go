package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// JobStatus represents the current state of an outbox job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Job types handled by the worker.
const (
	JobEntitlementChanged = "entitlement_changed"
	JobGraceSweep         = "grace_sweep"
)

// DefaultJobAttempts is used when a job is enqueued without MaxAttempts.
const DefaultJobAttempts = 8

// Job is a unit of deferred work written to the jobs table, usually in the
// same transaction as the state change it announces.
type Job struct {
	ID          int64      `json:"id"`
	JobType     string     `json:"job_type"`
	Payload     JSONB      `json:"payload"`
	Status      JobStatus  `json:"status"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	RunAfter    *time.Time `json:"run_after,omitempty"`
	LastError   *string    `json:"last_error,omitempty"`
	WorkerID    *string    `json:"worker_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Validate fills defaults and rejects jobs the worker could never run.
func (j *Job) Validate() error {
	if j.JobType == "" {
		return fmt.Errorf("job type is required")
	}
	if j.MaxAttempts == 0 {
		j.MaxAttempts = DefaultJobAttempts
	}
	if j.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1")
	}
	return nil
}

// JSONB is a custom type for PostgreSQL JSONB columns
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface for JSONB
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return json.Marshal(map[string]interface{}{})
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface for JSONB
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = JSONB{}
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("cannot scan type %T into JSONB", value)
	}

	return json.Unmarshal(bytes, j)
}

// JobStats holds counts of jobs by status.
type JobStats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// EntitlementChange is the payload announced after a reconciled state change.
type EntitlementChange struct {
	IdentityID string             `json:"identity_id"`
	EventID    string             `json:"event_id"`
	EventType  string             `json:"event_type"`
	Tier       Tier               `json:"tier"`
	Status     SubscriptionStatus `json:"status"`
	Credits    *int64             `json:"credits,omitempty"`
	OccurredAt time.Time          `json:"occurred_at"`
}

// Payload converts the change into a job payload.
func (c EntitlementChange) Payload() JSONB {
	p := JSONB{
		"identity_id": c.IdentityID,
		"event_id":    c.EventID,
		"event_type":  c.EventType,
		"tier":        string(c.Tier),
		"status":      string(c.Status),
		"occurred_at": c.OccurredAt.UTC().Format(time.RFC3339Nano),
	}
	if c.Credits != nil {
		p["credits"] = *c.Credits
	}
	return p
}

// EntitlementChangeFromPayload reverses Payload. JSON numbers arrive as float64.
func EntitlementChangeFromPayload(p JSONB) (EntitlementChange, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return EntitlementChange{}, err
	}
	var c EntitlementChange
	if err := json.Unmarshal(raw, &c); err != nil {
		return EntitlementChange{}, fmt.Errorf("decode entitlement change: %w", err)
	}
	if c.IdentityID == "" {
		return EntitlementChange{}, fmt.Errorf("entitlement change missing identity_id")
	}
	return c, nil
}
