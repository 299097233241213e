package manager

import (
	"errors"
	"fmt"

	"github.com/opengrid/requestor/internal/task/model"
)

var (
	// ErrAlreadyInitialized is returned by InitTask when the task has left
	// the creating status.
	ErrAlreadyInitialized = errors.New("manager: task already initialized")
	// ErrAlreadyStarted is returned by StartTask when the task is no longer
	// preparing.
	ErrAlreadyStarted = errors.New("manager: task already started")
	// ErrTaskNotActive is returned by Verify and AbortTask when the task is
	// not in an active status.
	ErrTaskNotActive = errors.New("manager: task not active")
	// ErrAssignmentRefused is the class of all admission failures. Use
	// errors.As with *RefusedError to learn which rule refused.
	ErrAssignmentRefused = errors.New("manager: assignment refused")
)

// RefusalRule names the admission rule that refused an assignment.
type RefusalRule string

const (
	RuleTaskUnknown       RefusalRule = "task_unknown"        // the task does not exist
	RuleSelfAssignment    RefusalRule = "self_assignment"     // the provider is this requestor
	RuleTaskNotActive     RefusalRule = "task_not_active"     // the task is not accepting work
	RuleProviderBusy      RefusalRule = "provider_busy"       // the provider has an unfinished subtask
	RuleNoPendingSubtasks RefusalRule = "no_pending_subtasks" // the application has nothing to hand out
)

// RefusedError reports an admission failure with the rule that caused it.
type RefusedError struct {
	TaskID model.TaskID
	NodeID string
	Rule   RefusalRule
}

func (e *RefusedError) Error() string {
	return fmt.Sprintf("%v: task %s, node %s: %s", ErrAssignmentRefused, e.TaskID, e.NodeID, e.Rule)
}

func (e *RefusedError) Unwrap() error {
	return ErrAssignmentRefused
}

func refused(taskID model.TaskID, nodeID string, rule RefusalRule) error {
	return &RefusedError{TaskID: taskID, NodeID: nodeID, Rule: rule}
}
