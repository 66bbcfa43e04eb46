package adapters

import (
	"context"
	"fmt"

	"rtm/ports"
)

// EnvironmentTaskAPIServiceFactory builds a ports.TaskAPIService by binding an
// environment's payload builder and prerequisites to a shared directory root.
// It performs no I/O of its own; the environment and builder are supplied by the
// caller, already resolved through the EnvManager.
type EnvironmentTaskAPIServiceFactory struct{}

// NewEnvironmentTaskAPIServiceFactory constructs a stateless factory.
func NewEnvironmentTaskAPIServiceFactory() *EnvironmentTaskAPIServiceFactory {
	return &EnvironmentTaskAPIServiceFactory{}
}

// Build assembles the service descriptor an AppClientFactory consumes to stand up
// a connection to a provider-side Task API.
func (f *EnvironmentTaskAPIServiceFactory) Build(_ context.Context, env ports.Environment, builder ports.PayloadBuilder, sharedDir string) (ports.TaskAPIService, error) {
	if builder == nil {
		return ports.TaskAPIService{}, fmt.Errorf("build task api service for %s: nil payload builder", env.ID)
	}
	if sharedDir == "" {
		sharedDir = env.SharedDir
	}
	return ports.TaskAPIService{
		Environment: env,
		Builder:     builder,
		SharedDir:   sharedDir,
	}, nil
}

var _ ports.TaskAPIServiceFactory = (*EnvironmentTaskAPIServiceFactory)(nil)
