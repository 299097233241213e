package model

import (
	"encoding/json"
	"time"
)

// TaskID identifies a requested task. It is derived from the requestor's
// public key at creation time and is opaque to providers.
type TaskID string

// SubtaskID identifies one unit of work within a task. Values are chosen by
// the App Client when the subtask is generated.
type SubtaskID string

// AppID identifies the application backend a task belongs to.
type AppID string

// EnvID identifies an execution environment registered with the environment
// manager.
type EnvID string

// TaskStatus represents the lifecycle status of a requested task.
type TaskStatus string

const (
	TaskStatusCreating  TaskStatus = "creating"  // Row exists, App Client not yet asked to create the task
	TaskStatusStarting  TaskStatus = "starting"  // Reserved intermediate between creating and waiting
	TaskStatusSending   TaskStatus = "sending"   // Reserved: resources are being sent to providers
	TaskStatusWaiting   TaskStatus = "waiting"   // Ready for computation, subtasks may be assigned
	TaskStatusComputing TaskStatus = "computing" // Reserved: at least one subtask is being computed
	TaskStatusFinished  TaskStatus = "finished"  // All maxSubtasks subtasks verified successfully
	TaskStatusAborted   TaskStatus = "aborted"   // Aborted by the requestor
	TaskStatusTimeout   TaskStatus = "timeout"   // Task deadline elapsed
	TaskStatusFailed    TaskStatus = "failed"    // Unrecoverable failure
)

// IsPreparing reports whether the task has not yet been released for
// computation.
func (s TaskStatus) IsPreparing() bool {
	return s == TaskStatusCreating || s == TaskStatusStarting
}

// IsActive reports whether the task still needs computation.
func (s TaskStatus) IsActive() bool {
	switch s {
	case TaskStatusSending, TaskStatusWaiting, TaskStatusComputing, TaskStatusStarting:
		return true
	}
	return false
}

// IsCompleted reports whether the task reached a terminal status.
func (s TaskStatus) IsCompleted() bool {
	switch s {
	case TaskStatusFinished, TaskStatusAborted, TaskStatusTimeout, TaskStatusFailed:
		return true
	}
	return false
}

// ActiveTaskStatuses returns the statuses counted as "still needs the App
// Client": tasks in one of these keep the per-app client alive.
func ActiveTaskStatuses() []TaskStatus {
	return []TaskStatus{
		TaskStatusSending,
		TaskStatusWaiting,
		TaskStatusStarting,
		TaskStatusComputing,
	}
}

// RequestedTask is a unit of work owned by this requestor. All fields except
// Status are immutable after creation.
type RequestedTask struct {
	TaskID          TaskID          `gorm:"type:varchar(64);column:task_id;primaryKey" json:"taskId"`
	AppID           AppID           `gorm:"type:varchar(64);column:app_id;index;not null" json:"appId"`
	Name            string          `gorm:"type:varchar(255);column:name" json:"name"`
	Status          TaskStatus      `gorm:"type:varchar(20);column:status;not null" json:"status"`
	Environment     EnvID           `gorm:"type:varchar(64);column:environment;not null" json:"environment"`
	TaskTimeout     int64           `gorm:"column:task_timeout;not null" json:"taskTimeout"`       // milliseconds
	SubtaskTimeout  int64           `gorm:"column:subtask_timeout;not null" json:"subtaskTimeout"` // milliseconds
	StartTime       time.Time       `gorm:"column:start_time;not null" json:"startTime"`
	MaxPricePerHour int64           `gorm:"column:max_price_per_hour;not null" json:"maxPricePerHour"`
	MaxSubtasks     int             `gorm:"column:max_subtasks;not null" json:"maxSubtasks"`
	ConcentEnabled  bool            `gorm:"column:concent_enabled;not null;default:false" json:"concentEnabled"` // reserved
	OutputDirectory string          `gorm:"type:varchar(512);column:output_directory" json:"outputDirectory"`
	Resources       []string        `gorm:"type:json;column:resources;serializer:json" json:"resources"`
	AppParams       json.RawMessage `gorm:"type:json;column:app_params" json:"appParams"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (RequestedTask) TableName() string {
	return "requested_tasks"
}

// SubtaskDeadline returns the advisory deadline for a subtask assigned at the
// given time.
func (t *RequestedTask) SubtaskDeadline(assignedAt time.Time) time.Time {
	return assignedAt.Add(time.Duration(t.SubtaskTimeout) * time.Millisecond)
}
