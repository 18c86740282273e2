// Package manifest parses and validates agent manifests (manifest.toml,
// schema v0.1).
package manifest

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"

	"github.com/BurntSushi/toml"
	"github.com/Masterminds/semver/v3"

	"github.com/keel-sh/keel/internal/apperrors"
)

// SchemaVersion is the only manifest schema this host accepts.
const SchemaVersion = "0.1"

// FileName is the manifest file name inside an agent directory.
const FileName = "manifest.toml"

// SandboxMode selects the execution isolation strategy for an agent.
type SandboxMode string

// The closed set of sandbox modes.
const (
	SandboxWasm   SandboxMode = "wasm"
	SandboxNative SandboxMode = "native"
)

// UnmarshalText parses a sandbox mode from its manifest spelling.
func (m *SandboxMode) UnmarshalText(text []byte) error {
	switch s := SandboxMode(text); s {
	case SandboxWasm, SandboxNative:
		*m = s
		return nil
	default:
		return fmt.Errorf("unknown sandbox mode %q (expected wasm or native)", text)
	}
}

// ResourceLimits declares the cpu/memory budget an agent requests.
type ResourceLimits struct {
	CPU string `toml:"cpu" json:"cpu"` // e.g. "500m"
	Mem string `toml:"mem" json:"mem"` // e.g. "512Mi"
}

// UIHints carries rendering hints for the host UI layer.
type UIHints struct {
	Hints []string `toml:"hints" json:"hints,omitempty"` // e.g. "streaming", "diff", "preview"
}

// Manifest is an agent's declarative descriptor. Immutable once loaded
// and validated; Name is the registry key.
type Manifest struct {
	SchemaVersion string         `toml:"schema_version" json:"schema_version"`
	Name          string         `toml:"name" json:"name"`
	Version       string         `toml:"version" json:"version"`
	Entry         string         `toml:"entry" json:"entry"`
	Sandbox       SandboxMode    `toml:"sandbox" json:"sandbox"`
	Capabilities  []string       `toml:"capabilities" json:"capabilities,omitempty"`
	OAuthScopes   []string       `toml:"oauth_scopes" json:"oauth_scopes,omitempty"`
	Resources     ResourceLimits `toml:"resources" json:"resources"`
	UI            UIHints        `toml:"ui" json:"ui"`
}

// Load reads, parses, and validates a manifest file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}

	if err := m.Validate(); err != nil {
		return nil, apperrors.Wrapf(err, "manifest %s", path)
	}
	return &m, nil
}

// capabilityShape matches the two accepted capability spellings,
// "scope.action" and "scope:action". Strings that match neither only
// produce a warning: the manifest format is deliberately lenient here
// and enforcement happens at execution time.
var capabilityShape = regexp.MustCompile(`^[^.:\s]+[.:][^.:\s]+$`)

// Validate checks the manifest against schema v0.1. Schema version
// mismatch and a missing entry point are hard errors; oddly shaped
// capability strings and non-semver versions are warnings.
func (m *Manifest) Validate() error {
	var details []string

	if m.SchemaVersion != SchemaVersion {
		details = append(details, fmt.Sprintf("unsupported schema version %q (expected %s)", m.SchemaVersion, SchemaVersion))
	}
	if m.Entry == "" {
		details = append(details, "entry point cannot be empty")
	}
	if m.Name == "" {
		details = append(details, "name cannot be empty")
	}

	if len(details) > 0 {
		return apperrors.NewValidationError(m.Name, details...)
	}

	if err := validateSchema(m); err != nil {
		return err
	}

	for _, cap := range m.Capabilities {
		if !capabilityShape.MatchString(cap) {
			slog.Warn("capability may not follow scope.action format", "manifest", m.Name, "capability", cap)
		}
	}

	if m.Version != "" {
		if _, err := semver.NewVersion(m.Version); err != nil {
			slog.Warn("manifest version is not valid semver", "manifest", m.Name, "version", m.Version)
		}
	}

	return nil
}

// EntryPath returns the absolute path of the entry point under baseDir.
func (m *Manifest) EntryPath(baseDir string) string {
	return filepath.Join(baseDir, m.Entry)
}

// RequiresNative reports whether the agent needs native execution.
func (m *Manifest) RequiresNative() bool {
	return m.Sandbox == SandboxNative
}
