package consent

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
)

// Redactor scrubs secret-looking material from operator-supplied text
// before it leaves the process in a ledger export. Backed by the
// gitleaks detector and its default ruleset. Read-only after
// construction, safe for concurrent use.
type Redactor struct {
	detector *detect.Detector
}

// NewRedactor builds a Redactor with the gitleaks default config.
func NewRedactor() (*Redactor, error) {
	v := viper.New()
	v.SetConfigType("toml")
	if err := v.ReadConfig(strings.NewReader(config.DefaultConfig)); err != nil {
		return nil, fmt.Errorf("failed to read gitleaks config: %w", err)
	}

	var vc config.ViperConfig
	if err := v.Unmarshal(&vc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal gitleaks config: %w", err)
	}

	cfg, err := vc.Translate()
	if err != nil {
		return nil, fmt.Errorf("failed to translate gitleaks config: %w", err)
	}

	return &Redactor{detector: detect.NewDetector(cfg)}, nil
}

// ScrubString replaces every detected secret in input with [REDACTED].
func (r *Redactor) ScrubString(input string) string {
	if input == "" {
		return ""
	}

	result := input
	findings := r.detector.Detect(detect.Fragment{Raw: result})
	for _, finding := range findings {
		result = strings.ReplaceAll(result, finding.Secret, "[REDACTED]")
	}
	return result
}
