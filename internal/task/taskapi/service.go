// Package taskapi binds an environment, a payload builder and application
// prerequisites into a startable task API service: the endpoint an App Client
// connects to.
package taskapi

import (
	"context"
	"fmt"
	"sync"

	"github.com/opengrid/requestor/internal/task/envs"
)

// Service prepares and controls the runtime serving one application's task
// API.
type Service struct {
	env            envs.Environment
	payloadBuilder envs.PayloadBuilder
	prereq         envs.Prerequisites
	sharedDir      string

	mu      sync.Mutex
	runtime envs.Runtime
}

// NewService assembles a service. Nothing is started until Start is called.
func NewService(env envs.Environment, payloadBuilder envs.PayloadBuilder, prereq envs.Prerequisites, sharedDir string) *Service {
	return &Service{
		env:            env,
		payloadBuilder: payloadBuilder,
		prereq:         prereq,
		sharedDir:      sharedDir,
	}
}

// Start builds the launch payload, starts a runtime for it and returns the
// address the task API listens on. A service can be started once.
func (s *Service) Start(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runtime != nil {
		return "", fmt.Errorf("taskapi: service for %s already started", s.env.ID())
	}

	payload := s.payloadBuilder.BuildPayload(s.prereq, s.sharedDir)
	runtime, err := s.env.Runtime(payload)
	if err != nil {
		return "", fmt.Errorf("failed to build runtime for %s: %w", s.env.ID(), err)
	}

	addr, err := runtime.Start(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to start runtime for %s: %w", s.env.ID(), err)
	}
	s.runtime = runtime
	return addr, nil
}

// Stop tears the runtime down. Stopping a never-started service is a no-op.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	runtime := s.runtime
	s.runtime = nil
	s.mu.Unlock()

	if runtime == nil {
		return nil
	}
	if err := runtime.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop runtime for %s: %w", s.env.ID(), err)
	}
	return nil
}
