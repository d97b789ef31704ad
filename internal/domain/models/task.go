package models

import "time"

// TaskStatus is the lifecycle state of a scheduled task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// TaskSnapshot is a read-only copy of one task's bookkeeping.
type TaskSnapshot struct {
	Status     TaskStatus    `json:"status"`
	Interval   time.Duration `json:"interval"`
	LastRun    *time.Time    `json:"last_run"`
	NextRun    time.Time     `json:"next_run"`
	ErrorCount int           `json:"error_count"`
	Enabled    bool          `json:"enabled"`
	LastError  string        `json:"last_error,omitempty"`
}

// SchedulerStatus is what the status surface returns.
type SchedulerStatus struct {
	Running       bool                    `json:"running"`
	UptimeSeconds float64                 `json:"uptime_seconds"`
	Health        HealthSnapshot          `json:"health"`
	Tasks         map[string]TaskSnapshot `json:"tasks"`
}

// TaskActionRequest addresses a task by name from the HTTP surface.
type TaskActionRequest struct {
	Name string `param:"name" json:"name" validate:"required,max=128"`
}

// IndicatorRequest addresses an indicator by key from the HTTP surface.
type IndicatorRequest struct {
	Key string `param:"key" json:"key" validate:"required,max=64"`
}
