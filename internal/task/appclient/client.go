// Package appclient connects the requestor to per-application backends. An
// App Client speaks five verbs to its application service: create a task,
// report pending subtasks, hand out the next subtask, verify results, and
// shut down. The application, not the requestor, decides how work is
// partitioned and whether results are acceptable.
package appclient

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/opengrid/requestor/internal/task/model"
	"github.com/opengrid/requestor/internal/task/taskapi"
)

// ErrClientClosed is returned for every verb sent after Shutdown.
var ErrClientClosed = errors.New("appclient: client closed")

// Subtask is one unit of work as described by the application: an opaque
// payload plus the resources the provider needs to compute it.
type Subtask struct {
	SubtaskID model.SubtaskID `json:"subtaskId"`
	Params    json.RawMessage `json:"params"`
	Resources []string        `json:"resources"`
}

// Client is the request/response surface of one application backend.
// Implementations are safe for concurrent use. Shutdown must be called at
// most once; after it returns, every other verb fails with ErrClientClosed.
type Client interface {
	// CreateTask announces a new task to the application so it can prepare
	// its partitioning.
	CreateTask(ctx context.Context, taskID model.TaskID, maxSubtasks int, appParams json.RawMessage) error

	// HasPendingSubtasks reports whether the application currently has
	// subtasks to hand out. The answer may flip in both directions over
	// time; callers must not cache it.
	HasPendingSubtasks(ctx context.Context, taskID model.TaskID) (bool, error)

	// NextSubtask asks the application for a fresh subtask descriptor.
	NextSubtask(ctx context.Context, taskID model.TaskID) (Subtask, error)

	// Verify asks the application to judge the results of a subtask.
	Verify(ctx context.Context, taskID model.TaskID, subtaskID model.SubtaskID) (bool, error)

	// Shutdown tears the client and its application service down.
	Shutdown(ctx context.Context) error
}

// Dialer creates a Client for a prepared task API service. The production
// dialer is Dial; tests inject their own.
type Dialer func(ctx context.Context, svc *taskapi.Service) (Client, error)
