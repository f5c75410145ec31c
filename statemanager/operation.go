package statemanager

import "time"

// Status is the lifecycle state of a tracked operation.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Operation is one tracked long-running request. Handlers that answer 202
// return the operation id; clients poll it until the status is terminal.
type Operation struct {
	ID          string                 `json:"operation_id"`
	Kind        string                 `json:"kind"` // batch.stage, batch.run, batch.reset, recovery.run
	BatchID     *uint                  `json:"batch_id,omitempty"`
	Status      Status                 `json:"status"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	Duration    string                 `json:"duration,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Result      map[string]interface{} `json:"result,omitempty"`
}

// Terminal reports whether the operation has finished.
func (o *Operation) Terminal() bool {
	return o.Status == StatusCompleted || o.Status == StatusFailed
}

// Stats aggregates the tracked operations.
type Stats struct {
	Total           int            `json:"total"`
	ByStatus        map[Status]int `json:"by_status"`
	ByKind          map[string]int `json:"by_kind"`
	AverageDuration string         `json:"average_duration,omitempty"`
}
