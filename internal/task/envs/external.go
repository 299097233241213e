package envs

import (
	"context"
	"fmt"

	"github.com/opengrid/requestor/internal/task/model"
)

// DefaultPayloadBuilder produces the plain payload most environments need:
// the parsed prerequisites plus the shared directory.
type DefaultPayloadBuilder struct{}

func (DefaultPayloadBuilder) BuildPayload(prereq Prerequisites, sharedDir string) Payload {
	return Payload{Prerequisites: prereq, SharedDir: sharedDir}
}

// ExternalEnvironment represents an environment whose application services
// are managed outside this process (for example by a container supervisor)
// and reachable at a fixed address. Start hands the address out; Stop is a
// no-op because the lifecycle belongs to the external supervisor.
type ExternalEnvironment struct {
	id   model.EnvID
	addr string
}

// NewExternalEnvironment creates an environment pointing at an externally
// managed app service address.
func NewExternalEnvironment(id model.EnvID, addr string) *ExternalEnvironment {
	return &ExternalEnvironment{id: id, addr: addr}
}

func (e *ExternalEnvironment) ID() model.EnvID {
	return e.id
}

func (e *ExternalEnvironment) ParsePrerequisites(raw map[string]string) (Prerequisites, error) {
	if raw["image"] == "" {
		return nil, fmt.Errorf("envs: prerequisites for %s are missing an image", e.id)
	}
	prereq := make(Prerequisites, len(raw))
	for k, v := range raw {
		prereq[k] = v
	}
	if prereq["tag"] == "" {
		prereq["tag"] = "latest"
	}
	return prereq, nil
}

func (e *ExternalEnvironment) Runtime(payload Payload) (Runtime, error) {
	return &externalRuntime{addr: e.addr}, nil
}

type externalRuntime struct {
	addr string
}

func (r *externalRuntime) Start(ctx context.Context) (string, error) {
	return r.addr, nil
}

func (r *externalRuntime) Stop(ctx context.Context) error {
	return nil
}
