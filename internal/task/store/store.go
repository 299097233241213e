// Package store persists requested tasks, their subtasks and the computing
// nodes they were assigned to.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/opengrid/requestor/internal/task/model"
)

var (
	// ErrTaskNotFound is returned when a task identifier matches no row.
	ErrTaskNotFound = errors.New("store: task not found")
	// ErrSubtaskNotFound is returned when a subtask identifier matches no row.
	ErrSubtaskNotFound = errors.New("store: subtask not found")
)

// Store handles database operations for requested tasks and subtasks.
type Store struct {
	db *gorm.DB
}

// New creates a Store on an existing database connection and migrates the
// schema.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("store: database cannot be nil")
	}
	if err := db.AutoMigrate(
		&model.RequestedTask{},
		&model.RequestedSubtask{},
		&model.ComputingNode{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Store{db: db}, nil
}

// Open creates a Store backed by a SQLite database at the given path.
func Open(dbPath string) (*Store, error) {
	if dbPath == "" {
		dbPath = "requested_tasks.db"
	}

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite allows a single writer, and every pooled connection to a
	// :memory: database would otherwise get its own database.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying database: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	return New(db)
}

// OpenInMemory creates a Store with an in-memory SQLite database (useful for
// testing).
func OpenInMemory() (*Store, error) {
	return Open(":memory:")
}

// Serializable runs fn inside a serializable transaction. fn receives a Store
// bound to the transaction; returning an error rolls the transaction back.
func (s *Store) Serializable(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	}, &sql.TxOptions{Isolation: sql.LevelSerializable})
}

// CreateTask inserts a new task row.
func (s *Store) CreateTask(ctx context.Context, task *model.RequestedTask) error {
	if err := s.db.WithContext(ctx).Create(task).Error; err != nil {
		return fmt.Errorf("failed to create task %s: %w", task.TaskID, err)
	}
	return nil
}

// GetTask retrieves a task by its identifier.
func (s *Store) GetTask(ctx context.Context, id model.TaskID) (*model.RequestedTask, error) {
	var task model.RequestedTask
	if err := s.db.WithContext(ctx).First(&task, "task_id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}
		return nil, fmt.Errorf("failed to load task %s: %w", id, err)
	}
	return &task, nil
}

// TaskExists reports whether a task row with the given identifier exists.
func (s *Store) TaskExists(ctx context.Context, id model.TaskID) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&model.RequestedTask{}).
		Where("task_id = ?", id).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check task %s: %w", id, err)
	}
	return count > 0, nil
}

// UpdateTaskStatus sets the status of a task.
func (s *Store) UpdateTaskStatus(ctx context.Context, id model.TaskID, status model.TaskStatus) error {
	err := s.db.WithContext(ctx).
		Model(&model.RequestedTask{}).
		Where("task_id = ?", id).
		Update("status", status).Error
	if err != nil {
		return fmt.Errorf("failed to update task %s status: %w", id, err)
	}
	return nil
}

// ListTasks returns a page of tasks ordered by creation time, newest first,
// together with the total row count.
func (s *Store) ListTasks(ctx context.Context, offset, limit int) ([]model.RequestedTask, int64, error) {
	var total int64
	if err := s.db.WithContext(ctx).Model(&model.RequestedTask{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count tasks: %w", err)
	}

	var tasks []model.RequestedTask
	err := s.db.WithContext(ctx).
		Order("created_at DESC").
		Offset(offset).
		Limit(limit).
		Find(&tasks).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list tasks: %w", err)
	}
	return tasks, total, nil
}

// CountActiveTasksForApp counts tasks of the given app whose status keeps the
// App Client alive.
func (s *Store) CountActiveTasksForApp(ctx context.Context, appID model.AppID) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&model.RequestedTask{}).
		Where("app_id = ? AND status IN ?", appID, model.ActiveTaskStatuses()).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count active tasks for app %s: %w", appID, err)
	}
	return count, nil
}

// CreateSubtask inserts a new subtask row.
func (s *Store) CreateSubtask(ctx context.Context, subtask *model.RequestedSubtask) error {
	if err := s.db.WithContext(ctx).Create(subtask).Error; err != nil {
		return fmt.Errorf("failed to create subtask %s: %w", subtask.SubtaskID, err)
	}
	return nil
}

// GetSubtask retrieves a subtask by its identifier.
func (s *Store) GetSubtask(ctx context.Context, id model.SubtaskID) (*model.RequestedSubtask, error) {
	var subtask model.RequestedSubtask
	if err := s.db.WithContext(ctx).First(&subtask, "subtask_id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrSubtaskNotFound, id)
		}
		return nil, fmt.Errorf("failed to load subtask %s: %w", id, err)
	}
	return &subtask, nil
}

// UpdateSubtaskStatus sets the status of a subtask.
func (s *Store) UpdateSubtaskStatus(ctx context.Context, id model.SubtaskID, status model.SubtaskStatus) error {
	err := s.db.WithContext(ctx).
		Model(&model.RequestedSubtask{}).
		Where("subtask_id = ?", id).
		Update("status", status).Error
	if err != nil {
		return fmt.Errorf("failed to update subtask %s status: %w", id, err)
	}
	return nil
}

// ListSubtasks returns all subtasks of a task.
func (s *Store) ListSubtasks(ctx context.Context, taskID model.TaskID) ([]model.RequestedSubtask, error) {
	var subtasks []model.RequestedSubtask
	err := s.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Find(&subtasks).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list subtasks of task %s: %w", taskID, err)
	}
	return subtasks, nil
}

// ListActiveSubtasks returns the subtasks of a task that still occupy their
// provider.
func (s *Store) ListActiveSubtasks(ctx context.Context, taskID model.TaskID) ([]model.RequestedSubtask, error) {
	var subtasks []model.RequestedSubtask
	err := s.db.WithContext(ctx).
		Where("task_id = ? AND status IN ?", taskID, model.ActiveSubtaskStatuses()).
		Find(&subtasks).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list active subtasks of task %s: %w", taskID, err)
	}
	return subtasks, nil
}

// CountUnfinishedForProvider counts subtasks of a task assigned to the given
// node that have not reached finished status. The admission policy requires
// this to be zero before a new subtask may be assigned to the node.
func (s *Store) CountUnfinishedForProvider(ctx context.Context, taskID model.TaskID, nodeID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&model.RequestedSubtask{}).
		Where("task_id = ? AND computing_node_id = ? AND status <> ?",
			taskID, nodeID, model.SubtaskStatusFinished).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count unfinished subtasks of task %s for node %s: %w",
			taskID, nodeID, err)
	}
	return count, nil
}

// CountFinishedSubtasks counts the subtasks of a task that were verified
// successfully.
func (s *Store) CountFinishedSubtasks(ctx context.Context, taskID model.TaskID) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&model.RequestedSubtask{}).
		Where("task_id = ? AND status = ?", taskID, model.SubtaskStatusFinished).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count finished subtasks of task %s: %w", taskID, err)
	}
	return count, nil
}

// UpsertComputingNode records a provider identity, creating the row on first
// contact.
func (s *Store) UpsertComputingNode(ctx context.Context, node *model.ComputingNode) error {
	err := s.db.WithContext(ctx).
		Where(model.ComputingNode{NodeID: node.NodeID}).
		Assign(model.ComputingNode{Name: node.Name}).
		FirstOrCreate(node).Error
	if err != nil {
		return fmt.Errorf("failed to upsert computing node %s: %w", node.NodeID, err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
