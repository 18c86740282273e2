package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keel-sh/keel/internal/apperrors"
	"github.com/keel-sh/keel/internal/manifest"
)

func writeAgent(t *testing.T, agentsDir, name, sandbox string) string {
	t.Helper()
	dir := filepath.Join(agentsDir, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	content := fmt.Sprintf(`
schema_version = "0.1"
name = %q
version = "1.0.0"
entry = "agent.bin"
sandbox = %q
capabilities = ["files.read"]

[resources]
cpu = "500m"
mem = "512Mi"
`, name, sandbox)
	require.NoError(t, os.WriteFile(filepath.Join(dir, manifest.FileName), []byte(content), 0o600))
	return dir
}

func Test_Registry_Register(t *testing.T) {
	agentsDir := t.TempDir()
	dir := writeAgent(t, agentsDir, "alpha", "wasm")

	r := New()
	require.NoError(t, r.Register(dir))

	info, ok := r.Get("alpha")
	require.True(t, ok)
	assert.True(t, info.Enabled)
	assert.Equal(t, dir, info.BaseDir)
	assert.Equal(t, manifest.SandboxWasm, info.Manifest.Sandbox)
}

func Test_Registry_RegisterMissingManifest(t *testing.T) {
	dir := t.TempDir()

	err := New().Register(dir)
	assert.Error(t, err)
}

func Test_Registry_Overwrite(t *testing.T) {
	agentsDir := t.TempDir()
	first := writeAgent(t, agentsDir, "dup-a", "wasm")
	second := filepath.Join(agentsDir, "dup-b")
	require.NoError(t, os.MkdirAll(second, 0o755))

	// Same manifest name from a different directory.
	content, err := os.ReadFile(filepath.Join(first, manifest.FileName))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(second, manifest.FileName), content, 0o600))

	r := New()
	require.NoError(t, r.Register(first))
	require.NoError(t, r.Register(second))

	info, ok := r.Get("dup-a")
	require.True(t, ok)
	assert.Equal(t, second, info.BaseDir, "last registration wins")
	assert.Len(t, r.List(), 1)
}

func Test_Registry_SetEnabled(t *testing.T) {
	agentsDir := t.TempDir()
	r := New()
	require.NoError(t, r.Register(writeAgent(t, agentsDir, "alpha", "wasm")))

	require.NoError(t, r.SetEnabled("alpha", false))
	info, _ := r.Get("alpha")
	assert.False(t, info.Enabled)

	err := r.SetEnabled("ghost", true)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}

func Test_Registry_GetBySandbox(t *testing.T) {
	agentsDir := t.TempDir()
	r := New()
	require.NoError(t, r.Register(writeAgent(t, agentsDir, "w1", "wasm")))
	require.NoError(t, r.Register(writeAgent(t, agentsDir, "w2", "wasm")))
	require.NoError(t, r.Register(writeAgent(t, agentsDir, "n1", "native")))

	assert.Len(t, r.GetBySandbox(manifest.SandboxWasm), 2)
	assert.Len(t, r.GetBySandbox(manifest.SandboxNative), 1)

	// Disabled agents are filtered out.
	require.NoError(t, r.SetEnabled("w1", false))
	assert.Len(t, r.GetBySandbox(manifest.SandboxWasm), 1)
}

func Test_Registry_DiscoverResilience(t *testing.T) {
	agentsDir := t.TempDir()
	writeAgent(t, agentsDir, "good", "wasm")

	// A malformed manifest alongside the valid one.
	badDir := filepath.Join(agentsDir, "bad")
	require.NoError(t, os.MkdirAll(badDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(badDir, manifest.FileName), []byte(`schema_version = "9.9"`), 0o600))

	// A subdirectory without a manifest is ignored entirely.
	require.NoError(t, os.MkdirAll(filepath.Join(agentsDir, "empty"), 0o755))

	r := New()
	require.NoError(t, r.Discover(context.Background(), agentsDir), "discovery never fails as a whole")

	assert.Len(t, r.List(), 1)
	_, ok := r.Get("good")
	assert.True(t, ok)
}

func Test_Registry_DiscoverMissingDir(t *testing.T) {
	r := New()
	err := r.Discover(context.Background(), filepath.Join(t.TempDir(), "nope"))
	assert.NoError(t, err)
	assert.Empty(t, r.List())
}

func Test_Registry_Remove(t *testing.T) {
	agentsDir := t.TempDir()
	r := New()
	require.NoError(t, r.Register(writeAgent(t, agentsDir, "alpha", "wasm")))

	r.Remove("alpha")
	_, ok := r.Get("alpha")
	assert.False(t, ok)

	// Idempotent.
	r.Remove("alpha")
}
