package manager

import (
	"context"

	"github.com/opengrid/requestor/internal/task/model"
)

// Notification announces that a task reached a terminal status. Sent on the
// channel passed to WithNotifications, if any.
type Notification struct {
	TaskID model.TaskID
	Status model.TaskStatus
}

// notify sends a terminal-status notification without blocking. If the
// channel is full the notification is dropped with a warning; orchestration
// never waits on listeners.
func (m *Manager) notify(ctx context.Context, taskID model.TaskID, status model.TaskStatus) {
	if m.notifyCh == nil {
		return
	}

	select {
	case m.notifyCh <- Notification{TaskID: taskID, Status: status}:
		m.logger.DebugContext(ctx, "task completion notification sent",
			"taskID", taskID,
			"status", status,
		)
	default:
		m.logger.WarnContext(ctx, "notification channel full, notification dropped",
			"taskID", taskID,
			"status", status,
		)
	}
}
