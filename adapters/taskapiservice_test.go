package adapters

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"rtm/domain"
	"rtm/ports"
)

func dummyBuilder(_ context.Context, appParams map[string]any) (json.RawMessage, error) {
	return json.Marshal(appParams)
}

func TestEnvironmentTaskAPIServiceFactoryDefaultsSharedDir(t *testing.T) {
	factory := NewEnvironmentTaskAPIServiceFactory()
	env := ports.Environment{ID: domain.EnvID("blender"), SharedDir: "/srv/blender"}

	service, err := factory.Build(context.Background(), env, dummyBuilder, "")
	require.NoError(t, err)
	require.Equal(t, "/srv/blender", service.SharedDir)
}

func TestEnvironmentTaskAPIServiceFactoryHonorsExplicitSharedDir(t *testing.T) {
	factory := NewEnvironmentTaskAPIServiceFactory()
	env := ports.Environment{ID: domain.EnvID("blender"), SharedDir: "/srv/blender"}

	service, err := factory.Build(context.Background(), env, dummyBuilder, "/scratch/task-1")
	require.NoError(t, err)
	require.Equal(t, "/scratch/task-1", service.SharedDir)
}

func TestEnvironmentTaskAPIServiceFactoryRejectsNilBuilder(t *testing.T) {
	factory := NewEnvironmentTaskAPIServiceFactory()
	env := ports.Environment{ID: domain.EnvID("blender")}

	_, err := factory.Build(context.Background(), env, nil, "/scratch")
	require.Error(t, err)
}

func TestWSClientFactoryRejectsMissingEndpoint(t *testing.T) {
	factory := NewWSClientFactory()
	service := ports.TaskAPIService{Environment: ports.Environment{ID: domain.EnvID("blender")}}

	_, err := factory.Create(context.Background(), service)
	require.Error(t, err)
}
