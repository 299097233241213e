package model

import (
	"encoding/json"
	"time"
)

// SubtaskStatus represents the lifecycle status of a requested subtask.
type SubtaskStatus string

const (
	SubtaskStatusStarting    SubtaskStatus = "starting"    // Assigned to a provider, computation not confirmed
	SubtaskStatusDownloading SubtaskStatus = "downloading" // Reserved: results are being downloaded
	SubtaskStatusVerifying   SubtaskStatus = "verifying"   // Results handed to the App Client for verification
	SubtaskStatusFinished    SubtaskStatus = "finished"    // Verified successfully
	SubtaskStatusFailure     SubtaskStatus = "failure"     // Verification rejected the results
	SubtaskStatusCancelled   SubtaskStatus = "cancelled"   // Parent task was aborted
)

// IsActive reports whether the subtask still occupies its provider.
func (s SubtaskStatus) IsActive() bool {
	switch s {
	case SubtaskStatusStarting, SubtaskStatusDownloading, SubtaskStatusVerifying:
		return true
	}
	return false
}

// IsFinished reports whether the subtask was verified successfully.
func (s SubtaskStatus) IsFinished() bool {
	return s == SubtaskStatusFinished
}

// ActiveSubtaskStatuses returns the statuses in which a subtask counts as
// outstanding work for its provider.
func ActiveSubtaskStatuses() []SubtaskStatus {
	return []SubtaskStatus{
		SubtaskStatusStarting,
		SubtaskStatusDownloading,
		SubtaskStatusVerifying,
	}
}

// RequestedSubtask is a unit of work assigned to one provider. All fields
// except Status are immutable after creation.
type RequestedSubtask struct {
	SubtaskID       SubtaskID       `gorm:"type:varchar(64);column:subtask_id;primaryKey" json:"subtaskId"`
	TaskID          TaskID          `gorm:"type:varchar(64);column:task_id;index;not null" json:"taskId"`
	ComputingNodeID string          `gorm:"type:varchar(128);column:computing_node_id;index;not null" json:"computingNodeId"`
	Status          SubtaskStatus   `gorm:"type:varchar(20);column:status;not null" json:"status"`
	Payload         json.RawMessage `gorm:"type:json;column:payload" json:"payload"`
	Inputs          []string        `gorm:"type:json;column:inputs;serializer:json" json:"inputs"`
	StartTime       time.Time       `gorm:"column:start_time;not null" json:"startTime"`
	Price           int64           `gorm:"column:price;not null" json:"price"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (RequestedSubtask) TableName() string {
	return "requested_subtasks"
}

// ComputingNode is the identity of a remote provider.
type ComputingNode struct {
	NodeID    string    `gorm:"type:varchar(128);column:node_id;primaryKey" json:"nodeId"`
	Name      string    `gorm:"type:varchar(255);column:name" json:"name"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (ComputingNode) TableName() string {
	return "computing_nodes"
}
