// Package manager implements the requestor-side orchestration core: the
// authoritative state machine of every requested task and subtask, the
// admission rules gating subtask assignment, and the lifecycle of the
// per-application App Clients that partition and verify the actual work.
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/opengrid/requestor/internal/idgen"
	"github.com/opengrid/requestor/internal/resource"
	"github.com/opengrid/requestor/internal/task/appclient"
	"github.com/opengrid/requestor/internal/task/envs"
	"github.com/opengrid/requestor/internal/task/model"
	"github.com/opengrid/requestor/internal/task/store"
	"github.com/opengrid/requestor/internal/task/taskapi"
	"github.com/opengrid/requestor/internal/task/timers"
)

// CreateTaskParams are the requestor-level parameters of a new task. The
// application-level parameters travel separately as an opaque map.
type CreateTaskParams struct {
	AppID           model.AppID
	Name            string
	Environment     model.EnvID
	TaskTimeout     time.Duration
	SubtaskTimeout  time.Duration
	OutputDirectory string
	Resources       []string
	MaxSubtasks     int
	MaxPricePerHour int64
	ConcentEnabled  bool
}

// SubtaskDefinition is what a provider receives for one unit of work.
type SubtaskDefinition struct {
	SubtaskID model.SubtaskID `json:"subtaskId"`
	Resources []string        `json:"resources"`
	Params    json.RawMessage `json:"params"`
	// Deadline is advisory: the manager does not enforce it.
	Deadline time.Time `json:"deadline"`
}

// Manager coordinates the store, the environment registry and the per-app
// clients on behalf of one requestor identity.
type Manager struct {
	store    *store.Store
	envs     *envs.Manager
	nodeID   string
	dirs     *resource.DirManager
	timers   *timers.ProviderComputeTimers
	dialer   appclient.Dialer
	prereqs  map[model.AppID]map[string]string
	logger   *slog.Logger
	metrics  *metrics
	notifyCh chan<- Notification
	now      func() time.Time

	publicKey []byte

	// clientsMu guards the client map; creation is additionally
	// single-flighted per app so concurrent callers share one dial.
	clientsMu sync.Mutex
	clients   map[model.AppID]appclient.Client
	dialGroup singleflight.Group
}

// Option configures a Manager.
type Option func(*Manager)

// WithClientDialer replaces the production App Client dialer.
func WithClientDialer(dialer appclient.Dialer) Option {
	return func(m *Manager) { m.dialer = dialer }
}

// WithTimers injects a shared provider compute timer set.
func WithTimers(t *timers.ProviderComputeTimers) Option {
	return func(m *Manager) { m.timers = t }
}

// WithLogger sets the logger; the default is slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithRegisterer registers the manager's metrics with the given registerer.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(m *Manager) { m.metrics = newMetrics(reg) }
}

// WithAppPrerequisites sets per-app raw environment prerequisites. Apps
// without an entry default to an image named after the app.
func WithAppPrerequisites(prereqs map[model.AppID]map[string]string) Option {
	return func(m *Manager) { m.prereqs = prereqs }
}

// WithNotifications sends a Notification on ch whenever a task reaches a
// terminal status. Sends never block; size the channel generously.
func WithNotifications(ch chan<- Notification) Option {
	return func(m *Manager) { m.notifyCh = ch }
}

// New creates a Manager for the requestor identified by publicKey, keeping
// task files under rootPath.
func New(s *store.Store, envManager *envs.Manager, publicKey []byte, rootPath string, opts ...Option) (*Manager, error) {
	if len(publicKey) == 0 {
		return nil, fmt.Errorf("manager: public key cannot be empty")
	}

	dirs, err := resource.NewDirManager(rootPath)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		store:     s,
		envs:      envManager,
		publicKey: publicKey,
		nodeID:    idgen.NodeID(publicKey),
		dirs:      dirs,
		timers:    timers.New(),
		dialer:    appclient.Dial,
		logger:    slog.Default(),
		clients:   make(map[model.AppID]appclient.Client),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = newMetrics(nil)
	}
	return m, nil
}

// CreateTask inserts a new task row in creating status and returns its
// identifier. The App Client is not contacted.
func (m *Manager) CreateTask(ctx context.Context, params CreateTaskParams, appParams map[string]any) (model.TaskID, error) {
	if params.AppID == "" {
		return "", fmt.Errorf("manager: app id cannot be empty")
	}
	if params.Environment == "" {
		return "", fmt.Errorf("manager: environment cannot be empty")
	}
	if params.MaxSubtasks < 1 {
		return "", fmt.Errorf("manager: max subtasks must be at least 1, got %d", params.MaxSubtasks)
	}

	encodedAppParams, err := json.Marshal(appParams)
	if err != nil {
		return "", fmt.Errorf("failed to encode app params: %w", err)
	}

	task := &model.RequestedTask{
		TaskID:          model.TaskID(idgen.GenerateID(m.publicKey)),
		AppID:           params.AppID,
		Name:            params.Name,
		Status:          model.TaskStatusCreating,
		Environment:     params.Environment,
		TaskTimeout:     params.TaskTimeout.Milliseconds(),
		SubtaskTimeout:  params.SubtaskTimeout.Milliseconds(),
		StartTime:       m.now().UTC(),
		MaxPricePerHour: params.MaxPricePerHour,
		MaxSubtasks:     params.MaxSubtasks,
		ConcentEnabled:  params.ConcentEnabled,
		OutputDirectory: params.OutputDirectory,
		Resources:       params.Resources,
		AppParams:       encodedAppParams,
	}
	if err := m.store.CreateTask(ctx, task); err != nil {
		return "", err
	}

	m.metrics.tasksCreated.Inc()
	m.logger.InfoContext(ctx, "task created",
		"taskID", task.TaskID,
		"appID", task.AppID,
		"environment", task.Environment,
		"maxSubtasks", task.MaxSubtasks,
	)
	return task.TaskID, nil
}

// InitTask announces the task to its application backend, connecting the App
// Client first if needed. The task stays in creating status, so a failed init
// can be retried; StartTask releases it for computation.
func (m *Manager) InitTask(ctx context.Context, taskID model.TaskID) error {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != model.TaskStatusCreating {
		return fmt.Errorf("%w: task %s is %s", ErrAlreadyInitialized, taskID, task.Status)
	}

	if err := m.dirs.ClearTemporary(taskID); err != nil {
		return err
	}

	client, err := m.appClient(ctx, task.AppID, task.Environment)
	if err != nil {
		return err
	}

	if err := client.CreateTask(ctx, taskID, task.MaxSubtasks, task.AppParams); err != nil {
		// Status stays creating; the caller may retry with the same client.
		return fmt.Errorf("app client failed to create task %s: %w", taskID, err)
	}

	m.logger.InfoContext(ctx, "task initialized", "taskID", taskID, "appID", task.AppID)
	return nil
}

// StartTask releases the task for computation by moving it to waiting.
func (m *Manager) StartTask(ctx context.Context, taskID model.TaskID) error {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !task.Status.IsPreparing() {
		return fmt.Errorf("%w: task %s is %s", ErrAlreadyStarted, taskID, task.Status)
	}

	if err := m.store.UpdateTaskStatus(ctx, taskID, model.TaskStatusWaiting); err != nil {
		return err
	}
	m.logger.InfoContext(ctx, "task started", "taskID", taskID)
	return nil
}

// TaskExists reports whether the task is known to the store.
func (m *Manager) TaskExists(ctx context.Context, taskID model.TaskID) (bool, error) {
	return m.store.TaskExists(ctx, taskID)
}

// IsTaskFinished reports whether the task reached a terminal status, aborted
// and failed included.
func (m *Manager) IsTaskFinished(ctx context.Context, taskID model.TaskID) (bool, error) {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	return task.Status.IsCompleted(), nil
}

// TaskNetworkResourcesDir returns the directory the task's network resources
// are served from.
func (m *Manager) TaskNetworkResourcesDir(taskID model.TaskID) (string, error) {
	return m.dirs.ResourcesDir(taskID)
}

// SubtasksOutputsDir returns the directory subtask outputs are collected in.
func (m *Manager) SubtasksOutputsDir(taskID model.TaskID) (string, error) {
	return m.dirs.OutputsDir(taskID)
}

// HasPendingSubtasks asks the application whether it has subtasks to hand
// out. The answer is not cached: it may flip in both directions as
// verifications fail and the application re-partitions.
func (m *Manager) HasPendingSubtasks(ctx context.Context, taskID model.TaskID) (bool, error) {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}

	client, err := m.appClient(ctx, task.AppID, task.Environment)
	if err != nil {
		return false, err
	}
	return client.HasPendingSubtasks(ctx, taskID)
}

// NextSubtask assigns a fresh subtask to the given provider, subject to the
// admission rules. The returned definition carries the advisory deadline.
func (m *Manager) NextSubtask(ctx context.Context, taskID model.TaskID, node model.ComputingNode) (SubtaskDefinition, error) {
	fail := func(rule RefusalRule) (SubtaskDefinition, error) {
		m.metrics.observeRefusal(rule)
		m.logger.InfoContext(ctx, "subtask assignment refused",
			"taskID", taskID,
			"nodeID", node.NodeID,
			"rule", rule,
		)
		return SubtaskDefinition{}, refused(taskID, node.NodeID, rule)
	}

	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			return fail(RuleTaskUnknown)
		}
		return SubtaskDefinition{}, err
	}
	if node.NodeID == m.nodeID {
		return fail(RuleSelfAssignment)
	}
	if !task.Status.IsActive() {
		return fail(RuleTaskNotActive)
	}

	// Fast pre-check; the serializable transaction below re-checks before
	// inserting, so two racing assignments cannot both pass.
	unfinished, err := m.store.CountUnfinishedForProvider(ctx, taskID, node.NodeID)
	if err != nil {
		return SubtaskDefinition{}, err
	}
	if unfinished > 0 {
		return fail(RuleProviderBusy)
	}

	client, err := m.appClient(ctx, task.AppID, task.Environment)
	if err != nil {
		return SubtaskDefinition{}, err
	}

	pending, err := client.HasPendingSubtasks(ctx, taskID)
	if err != nil {
		return SubtaskDefinition{}, fmt.Errorf("app client failed to report pending subtasks for task %s: %w", taskID, err)
	}
	if !pending {
		return fail(RuleNoPendingSubtasks)
	}

	descriptor, err := client.NextSubtask(ctx, taskID)
	if err != nil {
		return SubtaskDefinition{}, fmt.Errorf("app client failed to produce a subtask for task %s: %w", taskID, err)
	}

	if err := m.store.UpsertComputingNode(ctx, &node); err != nil {
		return SubtaskDefinition{}, err
	}

	startTime := m.now().UTC()
	subtask := &model.RequestedSubtask{
		SubtaskID:       descriptor.SubtaskID,
		TaskID:          taskID,
		ComputingNodeID: node.NodeID,
		Status:          model.SubtaskStatusStarting,
		Payload:         descriptor.Params,
		Inputs:          descriptor.Resources,
		StartTime:       startTime,
		Price:           task.MaxPricePerHour,
	}
	err = m.store.Serializable(ctx, func(tx *store.Store) error {
		count, err := tx.CountUnfinishedForProvider(ctx, taskID, node.NodeID)
		if err != nil {
			return err
		}
		if count > 0 {
			return refused(taskID, node.NodeID, RuleProviderBusy)
		}
		return tx.CreateSubtask(ctx, subtask)
	})
	if err != nil {
		if errors.Is(err, ErrAssignmentRefused) {
			m.metrics.observeRefusal(RuleProviderBusy)
		}
		return SubtaskDefinition{}, err
	}

	m.timers.Start(subtask.SubtaskID)
	m.metrics.subtasksAssigned.Inc()
	m.logger.InfoContext(ctx, "subtask assigned",
		"taskID", taskID,
		"subtaskID", subtask.SubtaskID,
		"nodeID", node.NodeID,
	)

	return SubtaskDefinition{
		SubtaskID: descriptor.SubtaskID,
		Resources: descriptor.Resources,
		Params:    descriptor.Params,
		Deadline:  task.SubtaskDeadline(startTime),
	}, nil
}

// Verify hands the subtask's results to the application for judgement and
// records the outcome. When the accepted subtask is the task's last one the
// task itself finishes and the owning App Client is swept.
func (m *Manager) Verify(ctx context.Context, taskID model.TaskID, subtaskID model.SubtaskID) (bool, error) {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	if !task.Status.IsActive() {
		return false, fmt.Errorf("%w: task %s is %s", ErrTaskNotActive, taskID, task.Status)
	}

	subtask, err := m.store.GetSubtask(ctx, subtaskID)
	if err != nil {
		return false, err
	}
	if subtask.TaskID != taskID {
		return false, fmt.Errorf("manager: subtask %s belongs to task %s, not %s", subtaskID, subtask.TaskID, taskID)
	}

	if err := m.store.UpdateSubtaskStatus(ctx, subtaskID, model.SubtaskStatusVerifying); err != nil {
		return false, err
	}

	client, err := m.appClient(ctx, task.AppID, task.Environment)
	if err != nil {
		return false, err
	}

	ok, verifyErr := client.Verify(ctx, taskID, subtaskID)
	m.timers.Finish(subtaskID)
	if verifyErr != nil {
		// The application never returned a verdict. Record the subtask as
		// failed rather than leaving it stuck in verifying.
		if err := m.store.UpdateSubtaskStatus(ctx, subtaskID, model.SubtaskStatusFailure); err != nil {
			m.logger.ErrorContext(ctx, "failed to record verification failure",
				"taskID", taskID,
				"subtaskID", subtaskID,
				"error", err,
			)
		}
		return false, fmt.Errorf("app client failed to verify subtask %s: %w", subtaskID, verifyErr)
	}

	m.metrics.observeVerification(ok)

	if !ok {
		if err := m.store.UpdateSubtaskStatus(ctx, subtaskID, model.SubtaskStatusFailure); err != nil {
			return false, err
		}
		m.logger.InfoContext(ctx, "subtask rejected", "taskID", taskID, "subtaskID", subtaskID)
		return false, nil
	}

	// The terminal transition and the completion check share a transaction
	// so two racing verifications settle on one finished-count.
	taskDone := false
	err = m.store.Serializable(ctx, func(tx *store.Store) error {
		if err := tx.UpdateSubtaskStatus(ctx, subtaskID, model.SubtaskStatusFinished); err != nil {
			return err
		}
		finished, err := tx.CountFinishedSubtasks(ctx, taskID)
		if err != nil {
			return err
		}
		if finished >= int64(task.MaxSubtasks) {
			taskDone = true
			return tx.UpdateTaskStatus(ctx, taskID, model.TaskStatusFinished)
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	m.logger.InfoContext(ctx, "subtask finished", "taskID", taskID, "subtaskID", subtaskID)

	if taskDone {
		m.logger.InfoContext(ctx, "task finished", "taskID", taskID)
		m.notify(ctx, taskID, model.TaskStatusFinished)
		if err := m.shutdownAppClient(ctx, task.AppID); err != nil {
			m.logger.ErrorContext(ctx, "failed to sweep app client",
				"appID", task.AppID,
				"error", err,
			)
		}
	}
	return true, nil
}

// AbortTask moves an active task to aborted, cancels its outstanding
// subtasks and sweeps the owning App Client.
func (m *Manager) AbortTask(ctx context.Context, taskID model.TaskID) error {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !task.Status.IsActive() {
		return fmt.Errorf("%w: task %s is %s", ErrTaskNotActive, taskID, task.Status)
	}

	var cancelled []model.RequestedSubtask
	err = m.store.Serializable(ctx, func(tx *store.Store) error {
		if err := tx.UpdateTaskStatus(ctx, taskID, model.TaskStatusAborted); err != nil {
			return err
		}
		active, err := tx.ListActiveSubtasks(ctx, taskID)
		if err != nil {
			return err
		}
		for _, subtask := range active {
			if err := tx.UpdateSubtaskStatus(ctx, subtask.SubtaskID, model.SubtaskStatusCancelled); err != nil {
				return err
			}
		}
		cancelled = active
		return nil
	})
	if err != nil {
		return err
	}

	for _, subtask := range cancelled {
		m.timers.Finish(subtask.SubtaskID)
	}

	m.logger.InfoContext(ctx, "task aborted", "taskID", taskID, "cancelledSubtasks", len(cancelled))
	m.notify(ctx, taskID, model.TaskStatusAborted)
	return m.shutdownAppClient(ctx, task.AppID)
}

// Quit shuts all App Clients down concurrently and waits for them to settle.
// It is a terminal call: the client map is not reusable afterwards.
func (m *Manager) Quit(ctx context.Context) error {
	m.clientsMu.Lock()
	clients := make(map[model.AppID]appclient.Client, len(m.clients))
	for appID, client := range m.clients {
		clients[appID] = client
	}
	m.clientsMu.Unlock()

	if len(clients) == 0 {
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	for appID, client := range clients {
		appID, client := appID, client
		g.Go(func() error {
			if err := client.Shutdown(ctx); err != nil {
				return fmt.Errorf("failed to shut down app client %s: %w", appID, err)
			}
			m.logger.InfoContext(ctx, "app client shut down", "appID", appID)
			return nil
		})
	}
	return g.Wait()
}

// appClient returns the App Client for the app, dialing it on first use.
// Concurrent calls for the same app share one dial; the environment must be
// enabled at dial time.
func (m *Manager) appClient(ctx context.Context, appID model.AppID, envID model.EnvID) (appclient.Client, error) {
	m.clientsMu.Lock()
	client, ok := m.clients[appID]
	m.clientsMu.Unlock()
	if ok {
		return client, nil
	}

	v, err, _ := m.dialGroup.Do(string(appID), func() (any, error) {
		m.clientsMu.Lock()
		client, ok := m.clients[appID]
		m.clientsMu.Unlock()
		if ok {
			return client, nil
		}

		svc, err := m.taskAPIService(appID, envID)
		if err != nil {
			return nil, err
		}

		client, err = m.dialer(ctx, svc)
		if err != nil {
			return nil, fmt.Errorf("failed to create app client for %s: %w", appID, err)
		}

		m.clientsMu.Lock()
		m.clients[appID] = client
		m.clientsMu.Unlock()

		m.metrics.appClients.Inc()
		m.logger.InfoContext(ctx, "app client created", "appID", appID, "environment", envID)
		return client, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(appclient.Client), nil
}

// taskAPIService assembles the startable service an App Client connects to.
func (m *Manager) taskAPIService(appID model.AppID, envID model.EnvID) (*taskapi.Service, error) {
	if !m.envs.Enabled(envID) {
		return nil, fmt.Errorf("%w: %s", envs.ErrEnvNotEnabled, envID)
	}
	env, err := m.envs.Environment(envID)
	if err != nil {
		return nil, err
	}
	payloadBuilder, err := m.envs.PayloadBuilder(envID)
	if err != nil {
		return nil, err
	}

	raw := m.prereqs[appID]
	if raw == nil {
		raw = map[string]string{"image": string(appID), "tag": "latest"}
	}
	prereq, err := env.ParsePrerequisites(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid prerequisites for app %s: %w", appID, err)
	}

	return taskapi.NewService(env, payloadBuilder, prereq, m.dirs.Root()), nil
}

// shutdownAppClient shuts the app's client down if no active task references
// the app anymore. Removal happens under the map lock before Shutdown is
// called, so the verb is never sent twice.
func (m *Manager) shutdownAppClient(ctx context.Context, appID model.AppID) error {
	active, err := m.store.CountActiveTasksForApp(ctx, appID)
	if err != nil {
		return err
	}
	if active > 0 {
		m.logger.DebugContext(ctx, "app client kept alive",
			"appID", appID,
			"activeTasks", active,
		)
		return nil
	}

	m.clientsMu.Lock()
	client, ok := m.clients[appID]
	delete(m.clients, appID)
	m.clientsMu.Unlock()
	if !ok {
		return nil
	}

	m.metrics.appClients.Dec()
	if err := client.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down app client %s: %w", appID, err)
	}
	m.logger.InfoContext(ctx, "app client shut down", "appID", appID)
	return nil
}
