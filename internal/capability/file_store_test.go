package capability

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_FileStore_LoadMissingFile(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "grants.yaml"))

	caps, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, caps)
}

func Test_FileStore_SaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keel", "grants.yaml")
	s := NewFileStore(path)

	saved := []Capability{
		{Scope: "files", Action: "read"},
		{Scope: "network", Action: "connect"},
	}
	require.NoError(t, s.Save(saved))

	loaded, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, saved, loaded)
}

func Test_FileStore_LoadSkipsMalformedEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grants.yaml")
	content := "capabilities:\n  - files.read\n  - notacapability\n  - network.connect\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	loaded, err := NewFileStore(path).Load()
	require.NoError(t, err)
	assert.Equal(t, []Capability{
		{Scope: "files", Action: "read"},
		{Scope: "network", Action: "connect"},
	}, loaded)
}

func Test_FileStore_LoadMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grants.yaml")
	require.NoError(t, os.WriteFile(path, []byte("capabilities: {{"), 0o600))

	_, err := NewFileStore(path).Load()
	assert.Error(t, err)
}
