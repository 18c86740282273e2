package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keel-sh/keel/internal/apperrors"
)

const validManifest = `
schema_version = "0.1"
name = "summarizer"
version = "0.1.0"
entry = "agent.wasm"
sandbox = "wasm"
capabilities = ["files.read", "network.connect"]
oauth_scopes = ["github:repo"]

[resources]
cpu = "500m"
mem = "512Mi"

[ui]
hints = ["streaming"]
`

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func Test_Load(t *testing.T) {
	m, err := Load(writeManifest(t, validManifest))
	require.NoError(t, err)

	assert.Equal(t, "summarizer", m.Name)
	assert.Equal(t, "0.1", m.SchemaVersion)
	assert.Equal(t, SandboxWasm, m.Sandbox)
	assert.Equal(t, []string{"files.read", "network.connect"}, m.Capabilities)
	assert.Equal(t, "500m", m.Resources.CPU)
	assert.Equal(t, []string{"streaming"}, m.UI.Hints)
	assert.False(t, m.RequiresNative())
}

func Test_Load_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), FileName))
	assert.Error(t, err)
}

func Test_Load_MalformedTOML(t *testing.T) {
	_, err := Load(writeManifest(t, "schema_version = [[["))
	assert.Error(t, err)
}

func Test_Load_UnknownSandbox(t *testing.T) {
	content := `
schema_version = "0.1"
name = "x"
version = "1.0.0"
entry = "x.bin"
sandbox = "container"
`
	_, err := Load(writeManifest(t, content))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sandbox")
}

func baseManifest() Manifest {
	return Manifest{
		SchemaVersion: "0.1",
		Name:          "test",
		Version:       "1.0.0",
		Entry:         "test.wasm",
		Sandbox:       SandboxWasm,
		Capabilities:  []string{"files.read"},
		Resources:     ResourceLimits{CPU: "500m", Mem: "512Mi"},
	}
}

func Test_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Manifest)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Manifest) {}},
		{
			name:    "unsupported schema version",
			mutate:  func(m *Manifest) { m.SchemaVersion = "0.2" },
			wantErr: true,
		},
		{
			name:    "empty entry",
			mutate:  func(m *Manifest) { m.Entry = "" },
			wantErr: true,
		},
		{
			name:    "empty name",
			mutate:  func(m *Manifest) { m.Name = "" },
			wantErr: true,
		},
		{
			// Lenient by design: only warns.
			name:   "odd capability string",
			mutate: func(m *Manifest) { m.Capabilities = []string{"network"} },
		},
		{
			// Warns, does not fail.
			name:   "non-semver version",
			mutate: func(m *Manifest) { m.Version = "latest" },
		},
		{
			name:   "colon capability spelling accepted",
			mutate: func(m *Manifest) { m.Capabilities = []string{"fs:read"} },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := baseManifest()
			tt.mutate(&m)

			err := m.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, apperrors.ErrValidation))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func Test_EntryPath(t *testing.T) {
	m := baseManifest()
	assert.Equal(t, filepath.Join("/agents/test", "test.wasm"), m.EntryPath("/agents/test"))
}

func Test_RequiresNative(t *testing.T) {
	m := baseManifest()
	assert.False(t, m.RequiresNative())

	m.Sandbox = SandboxNative
	assert.True(t, m.RequiresNative())
}
