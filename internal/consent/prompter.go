package consent

import (
	"fmt"
	"os"

	"github.com/charmbracelet/huh"

	"github.com/keel-sh/keel/internal/capability"
)

// PromptResult is the user's answer to a consent prompt.
type PromptResult struct {
	Granted bool
	Always  bool // persist the grant beyond this session
}

// Prompter asks the user to resolve a consent request. Implemented by
// the interactive terminal prompter; tests substitute their own.
type Prompter interface {
	IsInteractive() bool
	Prompt(agentID string, c capability.Capability, reason string) (PromptResult, error)
}

// TerminalPrompter resolves consent requests with an interactive
// terminal form.
type TerminalPrompter struct{}

// NewTerminalPrompter creates a TerminalPrompter.
func NewTerminalPrompter() *TerminalPrompter {
	return &TerminalPrompter{}
}

// IsInteractive reports whether stdin is a terminal rather than a pipe
// or file.
func (p *TerminalPrompter) IsInteractive() bool {
	fileInfo, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (fileInfo.Mode() & os.ModeCharDevice) != 0
}

const (
	choiceAllow  = "allow"
	choiceAlways = "always"
	choiceDeny   = "deny"
)

// Prompt asks the user whether to grant c to agentID. Any error or
// unrecognized answer resolves to deny.
func (p *TerminalPrompter) Prompt(agentID string, c capability.Capability, reason string) (PromptResult, error) {
	title := fmt.Sprintf("Agent %q requests: %s", agentID, c.Describe())
	description := fmt.Sprintf("Capability %s", c.String())
	if reason != "" {
		description = fmt.Sprintf("%s: %s", description, reason)
	}

	var choice string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title(title).
				Description(description).
				Options(
					huh.NewOption("Allow for this session", choiceAllow),
					huh.NewOption("Always allow", choiceAlways),
					huh.NewOption("Deny", choiceDeny),
				).
				Value(&choice),
		),
	)

	if err := form.Run(); err != nil {
		return PromptResult{}, err
	}

	switch choice {
	case choiceAllow:
		return PromptResult{Granted: true}, nil
	case choiceAlways:
		return PromptResult{Granted: true, Always: true}, nil
	default:
		return PromptResult{}, nil
	}
}
