package model

import "time"

type OutcomeKind string

const (
	OutcomeManualRequired   OutcomeKind = "manual_required"
	OutcomeLimitReached     OutcomeKind = "limit_reached"
	OutcomeCooldown         OutcomeKind = "cooldown"
	OutcomeFailed           OutcomeKind = "execution_failed"
	OutcomeSucceeded        OutcomeKind = "execution_succeeded"
	OutcomeManualRegistered OutcomeKind = "manual_registered"
)

type RunStatus string

const (
	RunStatusSubmitted RunStatus = "submitted"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusUnknown   RunStatus = "unknown"
)

type ExecutionEventType string

const (
	EventAttemptBlocked   ExecutionEventType = "attempt_blocked"
	EventAttemptStarted   ExecutionEventType = "attempt_started"
	EventAttemptFailed    ExecutionEventType = "attempt_failed"
	EventAttemptSucceeded ExecutionEventType = "attempt_succeeded"
	EventManualRegistered ExecutionEventType = "manual_registered"
)

// ExecutionSession tracks governed execution attempts for one logical
// assistant session. AttemptCount never exceeds the policy maximum and
// HasManualExecution never reverts to false once set.
type ExecutionSession struct {
	SessionKey         string    `json:"session_key" msgpack:"session_key"`
	AttemptCount       int       `json:"attempt_count" msgpack:"attempt_count"`
	LastAttemptAt      time.Time `json:"last_attempt_at,omitempty" msgpack:"last_attempt_at"`
	HasManualExecution bool      `json:"has_manual_execution" msgpack:"has_manual_execution"`
	LastError          string    `json:"last_error,omitempty" msgpack:"last_error"`
	LastRunID          string    `json:"last_run_id,omitempty" msgpack:"last_run_id"`
	UpdatedAt          time.Time `json:"updated_at" msgpack:"updated_at"`
}

type JobSpec struct {
	Dataplane    string   `json:"dataplane"`
	JobType      string   `json:"job_type,omitempty"`
	Image        string   `json:"image,omitempty"`
	CPU          string   `json:"cpu,omitempty"`
	Memory       string   `json:"memory,omitempty"`
	CodeURL      string   `json:"code_url,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
}

type JobSubmission struct {
	RunID  string    `json:"run_id"`
	Status RunStatus `json:"status"`
}

// ExecutionOutcome is the structured result returned by the Execution
// Governor for every entry-point call. Policy refusals and downstream
// failures are outcomes, not errors.
type ExecutionOutcome struct {
	Kind              OutcomeKind `json:"kind"`
	Message           string      `json:"message"`
	RunID             string      `json:"run_id,omitempty"`
	Status            RunStatus   `json:"status,omitempty"`
	Logs              string      `json:"logs,omitempty"`
	AttemptCount      int         `json:"attempt_count"`
	AttemptsRemaining int         `json:"attempts_remaining"`
	RetryAfterSeconds int         `json:"retry_after_seconds,omitempty"`
	LastError         string      `json:"last_error,omitempty"`
	ManualTrigger     bool        `json:"manual_trigger"`
	IsError           bool        `json:"is_error"`
}

type ExecutionEvent struct {
	EventID    string             `json:"event_id"`
	Type       ExecutionEventType `json:"type"`
	SessionKey string             `json:"session_key"`
	Kind       OutcomeKind        `json:"kind,omitempty"`
	RunID      string             `json:"run_id,omitempty"`
	Detail     string             `json:"detail,omitempty"`
	OccurredAt time.Time          `json:"occurred_at"`
}

type DataStore struct {
	Name        string `json:"name"`
	Catalog     string `json:"catalog,omitempty"`
	Description string `json:"description,omitempty"`
}

type Table struct {
	Datastore string `json:"datastore"`
	Schema    string `json:"schema,omitempty"`
	Name      string `json:"name"`
}

type Column struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
	Comment  string `json:"comment,omitempty"`
}

type TableDetail struct {
	Table
	Columns []Column `json:"columns"`
}

type QueryResult struct {
	Columns   []string   `json:"columns"`
	Rows      [][]string `json:"rows"`
	Truncated bool       `json:"truncated"`
}
