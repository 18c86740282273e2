package capability

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-yaml"
)

// FileStore persists durable capability grants to a YAML config file,
// typically ~/.keel/grants.yaml. Grants loaded from the file are
// re-granted without expiry at startup.
type FileStore struct {
	configPath string
}

// NewFileStore creates a FileStore for the given path.
func NewFileStore(configPath string) *FileStore {
	return &FileStore{configPath: configPath}
}

// ConfigPath returns the path to the grants file.
func (s *FileStore) ConfigPath() string {
	return s.configPath
}

// grantsFile is the YAML structure of the grants file.
type grantsFile struct {
	Capabilities []string `yaml:"capabilities"`
}

// Load reads the persisted capabilities. A missing file yields an empty
// list without error; malformed capability strings are skipped.
func (s *FileStore) Load() ([]Capability, error) {
	if _, err := os.Stat(s.configPath); os.IsNotExist(err) {
		return nil, nil
	}

	data, err := os.ReadFile(s.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read grants file: %w", err)
	}

	var cfg grantsFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse grants file: %w", err)
	}

	var caps []Capability
	for _, raw := range cfg.Capabilities {
		c, err := Parse(raw)
		if err != nil {
			continue
		}
		caps = append(caps, c)
	}
	return caps, nil
}

// Save writes the capabilities to the grants file, creating the parent
// directory if needed.
func (s *FileStore) Save(caps []Capability) error {
	dir := filepath.Dir(s.configPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create grants directory: %w", err)
	}

	cfg := grantsFile{Capabilities: make([]string, len(caps))}
	for i, c := range caps {
		cfg.Capabilities[i] = c.String()
	}

	data, err := yaml.MarshalWithOptions(cfg, yaml.IndentSequence(true))
	if err != nil {
		return fmt.Errorf("failed to marshal grants to YAML: %w", err)
	}

	return os.WriteFile(s.configPath, data, 0o600)
}
