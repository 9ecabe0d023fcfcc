package task

import (
	"time"

	"fable/pkg/types"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Artifact is one output of a task. Nodes may attach partial artifacts while
// the run is still in flight.
type Artifact = types.Artifact

// Task tracks one workflow run from submission to its terminal state.
type Task struct {
	ID        string     `json:"id"`
	SessionID string     `json:"session_id,omitempty"`
	Goal      string     `json:"goal"`
	Status    Status     `json:"status"`
	Progress  int        `json:"progress"`
	Message   string     `json:"message,omitempty"`
	Artifacts []Artifact `json:"artifacts,omitempty"`
	Error     string     `json:"error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// snapshot returns a copy safe to hand out without holding the task lock.
func (t *Task) snapshot() Task {
	cp := *t
	if t.Artifacts != nil {
		cp.Artifacts = make([]Artifact, len(t.Artifacts))
		copy(cp.Artifacts, t.Artifacts)
	}
	return cp
}

// Event is one observable change of a task. Terminal marks the last event a
// subscriber will ever receive for the task.
type Event struct {
	TaskID    string     `json:"task_id"`
	Status    Status     `json:"status"`
	Progress  int        `json:"progress"`
	Message   string     `json:"message,omitempty"`
	Artifacts []Artifact `json:"artifacts,omitempty"`
	Error     string     `json:"error,omitempty"`
	Terminal  bool       `json:"terminal"`
	Timestamp time.Time  `json:"timestamp"`
}

func eventFrom(t *Task) Event {
	return Event{
		TaskID:    t.ID,
		Status:    t.Status,
		Progress:  t.Progress,
		Message:   t.Message,
		Artifacts: t.Artifacts,
		Error:     t.Error,
		Terminal:  t.Status.Terminal(),
		Timestamp: t.UpdatedAt,
	}
}
