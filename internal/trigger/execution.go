package trigger

import (
	"time"

	"github.com/dropwire/dropwire/internal/dropwire"
)

// Status is the lifecycle state of one workflow execution.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Execution is one workflow run: a dispatch accepted by the trigger, the
// batch it carried, and its outcome. Executions are immutable once terminal
// and are retained for audit only.
type Execution struct {
	ID           string
	Status       Status
	InputPayload []dropwire.ChangeEvent
	StartedAt    time.Time
	EndedAt      time.Time
	Detail       string
}
