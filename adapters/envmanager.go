package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"rtm/domain"
	"rtm/ports"
)

// envSpec is the on-disk description of one registered environment.
type envSpec struct {
	ID            string            `yaml:"id"`
	Enabled       bool              `yaml:"enabled"`
	Prerequisites map[string]string `yaml:"prerequisites"`
	SharedDir     string            `yaml:"shared_dir"`
}

type environmentsFile struct {
	Environments []envSpec `yaml:"environments"`
}

// EnvManager is a read-mostly, mutex-guarded registry of execution environments
// loaded from a YAML manifest. Every environment's payload builder round-trips the
// caller's appParams through JSON, which is sufficient for environments whose App
// Client accepts arbitrary task parameters verbatim.
type EnvManager struct {
	mu   sync.RWMutex
	envs map[domain.EnvID]ports.Environment
}

// LoadEnvManager reads a YAML manifest of environments from path.
func LoadEnvManager(path string) (*EnvManager, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read environments manifest: %w", err)
	}
	var file environmentsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse environments manifest: %w", err)
	}

	m := &EnvManager{envs: make(map[domain.EnvID]ports.Environment, len(file.Environments))}
	for _, spec := range file.Environments {
		if !spec.Enabled {
			continue
		}
		m.envs[domain.EnvID(spec.ID)] = ports.Environment{
			ID:            domain.EnvID(spec.ID),
			Prerequisites: spec.Prerequisites,
			SharedDir:     spec.SharedDir,
		}
	}
	return m, nil
}

// Enabled reports whether envID is registered and enabled.
func (m *EnvManager) Enabled(envID domain.EnvID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.envs[envID]
	return ok
}

// Environment loads the registered Environment for envID.
func (m *EnvManager) Environment(envID domain.EnvID) (ports.Environment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	env, ok := m.envs[envID]
	if !ok {
		return ports.Environment{}, domain.ErrEnvironmentDisabled
	}
	return env, nil
}

// PayloadBuilder returns a builder that marshals appParams as-is for envID.
func (m *EnvManager) PayloadBuilder(envID domain.EnvID) (ports.PayloadBuilder, error) {
	if !m.Enabled(envID) {
		return nil, domain.ErrEnvironmentDisabled
	}
	return func(_ context.Context, appParams map[string]any) (json.RawMessage, error) {
		payload, err := json.Marshal(appParams)
		if err != nil {
			return nil, fmt.Errorf("marshal app params for environment %s: %w", envID, err)
		}
		return payload, nil
	}, nil
}

var _ ports.EnvManager = (*EnvManager)(nil)
