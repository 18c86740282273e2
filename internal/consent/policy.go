package consent

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/keel-sh/keel/internal/capability"
)

// Effect is the outcome of a policy decision.
type Effect string

// Policy outcomes. EffectPrompt means no rule matched and the user must
// be asked.
const (
	EffectAllow  Effect = "allow"
	EffectDeny   Effect = "deny"
	EffectPrompt Effect = "prompt"
)

// Rule pairs a boolean expression over a consent request with the
// effect to apply when it matches. Expressions see the variables
// `agent`, `scope`, `action`, and `capability` (the "scope.action"
// string).
type Rule struct {
	When   string `yaml:"when"`
	Effect Effect `yaml:"effect"`
	Reason string `yaml:"reason,omitempty"` // recorded on deny
}

type compiledRule struct {
	program *vm.Program
	effect  Effect
	reason  string
}

// ruleEnv is the expression environment for a single consent request.
type ruleEnv struct {
	Agent      string `expr:"agent"`
	Scope      string `expr:"scope"`
	Action     string `expr:"action"`
	Capability string `expr:"capability"`
}

// Policy auto-resolves consent requests against an ordered rule list.
// The first matching rule wins. An empty policy always prompts.
type Policy struct {
	rules []compiledRule
}

// NewPolicy compiles the rules. Fails if any expression does not
// compile to a boolean or names an unknown effect.
func NewPolicy(rules []Rule) (*Policy, error) {
	p := &Policy{rules: make([]compiledRule, 0, len(rules))}

	for i, r := range rules {
		if r.Effect != EffectAllow && r.Effect != EffectDeny {
			return nil, fmt.Errorf("rule %d: unknown effect %q", i, r.Effect)
		}

		program, err := expr.Compile(r.When, expr.Env(ruleEnv{}), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("rule %d: failed to compile %q: %w", i, r.When, err)
		}

		p.rules = append(p.rules, compiledRule{program: program, effect: r.Effect, reason: r.Reason})
	}
	return p, nil
}

// Decision is the policy verdict for one consent request.
type Decision struct {
	Effect Effect
	Reason string // set on deny
}

// Decide evaluates the rules for agentID requesting c. Evaluation
// errors in a rule skip that rule; they never grant by accident.
func (p *Policy) Decide(agentID string, c capability.Capability) Decision {
	env := ruleEnv{
		Agent:      agentID,
		Scope:      c.Scope,
		Action:     c.Action,
		Capability: c.String(),
	}

	for _, r := range p.rules {
		out, err := expr.Run(r.program, env)
		if err != nil {
			continue
		}
		if matched, ok := out.(bool); ok && matched {
			return Decision{Effect: r.effect, Reason: r.reason}
		}
	}
	return Decision{Effect: EffectPrompt}
}
