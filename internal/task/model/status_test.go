package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTaskStatusPredicates(t *testing.T) {
	cases := []struct {
		status    TaskStatus
		preparing bool
		active    bool
		completed bool
	}{
		{TaskStatusCreating, true, false, false},
		{TaskStatusStarting, true, true, false},
		{TaskStatusSending, false, true, false},
		{TaskStatusWaiting, false, true, false},
		{TaskStatusComputing, false, true, false},
		{TaskStatusFinished, false, false, true},
		{TaskStatusAborted, false, false, true},
		{TaskStatusTimeout, false, false, true},
		{TaskStatusFailed, false, false, true},
	}

	for _, tc := range cases {
		t.Run(string(tc.status), func(t *testing.T) {
			assert.Equal(t, tc.preparing, tc.status.IsPreparing())
			assert.Equal(t, tc.active, tc.status.IsActive())
			assert.Equal(t, tc.completed, tc.status.IsCompleted())
		})
	}
}

func TestTaskStatusPartition(t *testing.T) {
	// Every status except creating is either active or completed, never both.
	all := []TaskStatus{
		TaskStatusCreating, TaskStatusStarting, TaskStatusSending,
		TaskStatusWaiting, TaskStatusComputing, TaskStatusFinished,
		TaskStatusAborted, TaskStatusTimeout, TaskStatusFailed,
	}
	for _, s := range all {
		if s == TaskStatusCreating {
			assert.False(t, s.IsActive())
			assert.False(t, s.IsCompleted())
			continue
		}
		assert.NotEqual(t, s.IsActive(), s.IsCompleted(), "status %s", s)
	}
}

func TestSubtaskStatusPredicates(t *testing.T) {
	cases := []struct {
		status   SubtaskStatus
		active   bool
		finished bool
	}{
		{SubtaskStatusStarting, true, false},
		{SubtaskStatusDownloading, true, false},
		{SubtaskStatusVerifying, true, false},
		{SubtaskStatusFinished, false, true},
		{SubtaskStatusFailure, false, false},
		{SubtaskStatusCancelled, false, false},
	}

	for _, tc := range cases {
		t.Run(string(tc.status), func(t *testing.T) {
			assert.Equal(t, tc.active, tc.status.IsActive())
			assert.Equal(t, tc.finished, tc.status.IsFinished())
		})
	}
}

func TestSubtaskDeadline(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	task := &RequestedTask{SubtaskTimeout: 1500}

	deadline := task.SubtaskDeadline(start)
	assert.Equal(t, start.Add(1500*time.Millisecond), deadline)
}
