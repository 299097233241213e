// Package envs keeps the registry of execution environments applications can
// run in. The task manager consults it when it needs to spin up a task API
// service for an application.
package envs

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/opengrid/requestor/internal/task/model"
)

var (
	// ErrEnvNotRegistered is returned when an environment identifier is
	// unknown.
	ErrEnvNotRegistered = errors.New("envs: environment not registered")
	// ErrEnvNotEnabled is returned when an environment exists but is disabled.
	ErrEnvNotEnabled = errors.New("envs: environment not enabled")
)

// Prerequisites are the environment-specific requirements of an application,
// parsed from a raw key-value description. For container environments the
// conventional keys are "image" and "tag".
type Prerequisites map[string]string

// Payload describes how to launch an application service inside an
// environment.
type Payload struct {
	Prerequisites Prerequisites
	SharedDir     string
}

// Runtime is one launched application service.
type Runtime interface {
	// Start brings the runtime up and returns the address its task API
	// listens on.
	Start(ctx context.Context) (string, error)
	// Stop tears the runtime down.
	Stop(ctx context.Context) error
}

// Environment hosts application runtimes.
type Environment interface {
	ID() model.EnvID
	// ParsePrerequisites validates a raw prerequisites description.
	ParsePrerequisites(raw map[string]string) (Prerequisites, error)
	// Runtime builds a runtime for the given payload without starting it.
	Runtime(payload Payload) (Runtime, error)
}

// PayloadBuilder assembles the launch payload for an application service.
type PayloadBuilder interface {
	BuildPayload(prereq Prerequisites, sharedDir string) Payload
}

type registration struct {
	env            Environment
	payloadBuilder PayloadBuilder
	enabled        bool
}

// Manager is the environment registry.
type Manager struct {
	mu   sync.RWMutex
	envs map[model.EnvID]*registration
}

// NewManager creates an empty registry.
func NewManager() *Manager {
	return &Manager{envs: make(map[model.EnvID]*registration)}
}

// Register adds an environment to the registry in enabled state. Registering
// an already known identifier replaces the previous entry.
func (m *Manager) Register(env Environment, payloadBuilder PayloadBuilder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.envs[env.ID()] = &registration{
		env:            env,
		payloadBuilder: payloadBuilder,
		enabled:        true,
	}
}

// Enabled reports whether the environment is registered and enabled.
func (m *Manager) Enabled(id model.EnvID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	reg, ok := m.envs[id]
	return ok && reg.enabled
}

// SetEnabled flips the enabled flag of a registered environment. Unknown
// identifiers are ignored.
func (m *Manager) SetEnabled(id model.EnvID, enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if reg, ok := m.envs[id]; ok {
		reg.enabled = enabled
	}
}

// Environment returns the registered environment.
func (m *Manager) Environment(id model.EnvID) (Environment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	reg, ok := m.envs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEnvNotRegistered, id)
	}
	return reg.env, nil
}

// PayloadBuilder returns the payload builder registered for the environment.
func (m *Manager) PayloadBuilder(id model.EnvID) (PayloadBuilder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	reg, ok := m.envs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEnvNotRegistered, id)
	}
	return reg.payloadBuilder, nil
}
