// Package registry discovers agent directories, loads their manifests,
// and tracks enabled/disabled state.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/keel-sh/keel/internal/apperrors"
	"github.com/keel-sh/keel/internal/manifest"
)

// AgentInfo is a registered agent: its validated manifest, the
// directory it was loaded from, and whether it may run.
type AgentInfo struct {
	Manifest *manifest.Manifest
	BaseDir  string
	Enabled  bool
}

// Registry is the in-memory agent catalog, keyed by manifest name.
// Registering a name that already exists overwrites the prior entry.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]AgentInfo
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{agents: make(map[string]AgentInfo)}
}

// Register loads the manifest in agentDir and inserts the agent,
// enabled, under its manifest name. Last write wins.
func (r *Registry) Register(agentDir string) error {
	manifestPath := filepath.Join(agentDir, manifest.FileName)
	if _, err := os.Stat(manifestPath); err != nil {
		return fmt.Errorf("no %s found in %s: %w", manifest.FileName, agentDir, err)
	}

	m, err := manifest.Load(manifestPath)
	if err != nil {
		return fmt.Errorf("failed to load agent manifest from %s: %w", agentDir, err)
	}

	r.mu.Lock()
	r.agents[m.Name] = AgentInfo{Manifest: m, BaseDir: agentDir, Enabled: true}
	r.mu.Unlock()

	slog.Info("registered agent", "name", m.Name, "version", m.Version, "sandbox", m.Sandbox)
	return nil
}

// Get returns the agent registered under name.
func (r *Registry) Get(name string) (AgentInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, ok := r.agents[name]
	return info, ok
}

// List returns all registered agents.
func (r *Registry) List() []AgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]AgentInfo, 0, len(r.agents))
	for _, info := range r.agents {
		out = append(out, info)
	}
	return out
}

// SetEnabled flips an agent's enabled flag. Fails with
// apperrors.ErrNotFound for an unknown name.
func (r *Registry) SetEnabled(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.agents[name]
	if !ok {
		return apperrors.Wrapf(apperrors.ErrNotFound, "agent %q", name)
	}
	info.Enabled = enabled
	r.agents[name] = info
	return nil
}

// Remove drops an agent from the registry. Idempotent.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, name)
}

// GetBySandbox returns the registered, enabled agents with the given
// sandbox mode.
func (r *Registry) GetBySandbox(mode manifest.SandboxMode) []AgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []AgentInfo
	for _, info := range r.agents {
		if info.Enabled && info.Manifest.Sandbox == mode {
			out = append(out, info)
		}
	}
	return out
}

// discoverConcurrency bounds parallel manifest loads during discovery.
const discoverConcurrency = 8

// Discover walks the subdirectories of agentsDir and registers each one
// holding a manifest file. Partial-failure tolerant: a bad agent is
// logged and skipped, and Discover itself only fails when agentsDir is
// unreadable.
func (r *Registry) Discover(ctx context.Context, agentsDir string) error {
	entries, err := os.ReadDir(agentsDir)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Warn("agents directory does not exist", "dir", agentsDir)
			return nil
		}
		return fmt.Errorf("failed to read agents directory %s: %w", agentsDir, err)
	}

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(discoverConcurrency)

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(agentsDir, entry.Name())
		if _, err := os.Stat(filepath.Join(dir, manifest.FileName)); err != nil {
			continue
		}

		g.Go(func() error {
			if err := r.Register(dir); err != nil {
				slog.Warn("failed to register agent", "dir", dir, "error", err)
			}
			return nil
		})
	}

	return g.Wait()
}
