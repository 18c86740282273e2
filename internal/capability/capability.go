// Package capability implements the default-deny capability model:
// value-object capability identities, time-bounded revocable grants, and
// the manager that owns them.
package capability

import (
	"strings"

	"github.com/keel-sh/keel/internal/apperrors"
)

// Capability is a permission identity. This is a pure value object;
// equality is by value.
type Capability struct {
	Scope  string // e.g. "files", "network", "oauth"
	Action string // e.g. "read", "write", "connect"
}

// Parse builds a Capability from its "scope.action" string form.
// Fails with apperrors.ErrFormat unless splitting on "." yields exactly
// two non-empty parts.
func Parse(s string) (Capability, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Capability{}, apperrors.Wrapf(apperrors.ErrFormat, "capability %q", s)
	}
	return Capability{Scope: parts[0], Action: parts[1]}, nil
}

// String returns the canonical "scope.action" form.
func (c Capability) String() string {
	return c.Scope + "." + c.Action
}

// Equals checks value equality with another capability.
func (c Capability) Equals(other Capability) bool {
	return c.Scope == other.Scope && c.Action == other.Action
}

// IsZero returns true for the zero-value capability.
func (c Capability) IsZero() bool {
	return c.Scope == "" && c.Action == ""
}

// Describe returns a human-readable explanation of what granting this
// capability allows. Used by the consent prompter.
func (c Capability) Describe() string {
	switch c.Scope {
	case "files":
		switch c.Action {
		case "read":
			return "Read files in the workspace"
		case "write":
			return "Create and modify files in the workspace"
		}
		return "Filesystem access: " + c.Action
	case "network":
		return "Network access: " + c.Action
	case "exec":
		return "Execute commands: " + c.Action
	case "oauth":
		return "Use stored OAuth credentials: " + c.Action
	case "env":
		return "Read environment variables: " + c.Action
	default:
		return "Capability: " + c.String()
	}
}
