// Package runtime executes agents behind the consent gate. Every
// declared capability is checked, resolved through policy or an
// interactive prompt, and converted into a single-use ticket the sandbox
// backend redeems at dispatch.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"github.com/keel-sh/keel/internal/capability"
	"github.com/keel-sh/keel/internal/consent"
	"github.com/keel-sh/keel/internal/event"
	"github.com/keel-sh/keel/internal/manifest"
	"github.com/keel-sh/keel/internal/state"
)

// Error event codes emitted by Execute.
const (
	CodeCapabilityMalformed = "capability.malformed"
	CodeCapabilityDenied    = "capability.denied"
	CodeCapabilityRevoked   = "capability.revoked"
	CodeDispatchFailed      = "dispatch.failed"
)

// Dispatcher runs an agent inside one sandbox flavor. Implementations
// must redeem every ticket before executing anything.
type Dispatcher interface {
	Dispatch(ctx context.Context, m *manifest.Manifest, baseDir, input string, tickets []Ticket) ([]event.Event, error)
}

// Runtime orchestrates consent resolution and sandbox dispatch.
type Runtime struct {
	caps     *capability.Manager
	ledger   *consent.Ledger
	policy   *consent.Policy
	prompter consent.Prompter
	seq      *event.Sequencer
	tickets  *TicketIssuer

	wasm   Dispatcher
	native Dispatcher

	grantStore *capability.FileStore // persists "always allow" answers, optional
	store      *state.Store          // durable event log, optional
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithPolicy attaches an auto-decision policy consulted before prompting.
func WithPolicy(p *consent.Policy) Option {
	return func(r *Runtime) { r.policy = p }
}

// WithGrantStore persists grants the user marks "always allow".
func WithGrantStore(fs *capability.FileStore) Option {
	return func(r *Runtime) { r.grantStore = fs }
}

// WithStateStore appends every emitted event to the durable event log.
func WithStateStore(s *state.Store) Option {
	return func(r *Runtime) { r.store = s }
}

// New wires a runtime. The issuer must be the same one the dispatchers
// redeem against; wasm and native may be nil if that sandbox mode is not
// supported in this build.
func New(caps *capability.Manager, ledger *consent.Ledger, prompter consent.Prompter, issuer *TicketIssuer, wasm, native Dispatcher, opts ...Option) *Runtime {
	r := &Runtime{
		caps:     caps,
		ledger:   ledger,
		prompter: prompter,
		seq:      event.NewSequencer(),
		tickets:  issuer,
		wasm:     wasm,
		native:   native,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Execute runs the agent described by m against input. The returned
// events always begin with the input event; consent denials and sandbox
// failures surface as typed error events, not Go errors.
func (r *Runtime) Execute(ctx context.Context, m *manifest.Manifest, baseDir, input string) ([]event.Event, error) {
	agentID := m.Name
	events := []event.Event{event.New(agentID, event.Input{Prompt: input}, r.seq.Next(agentID))}

	caps, ev := r.parseCapabilities(agentID, m.Capabilities)
	if ev != nil {
		return r.finish(ctx, append(events, *ev)), nil
	}

	tickets := make([]Ticket, 0, len(caps))
	for _, c := range caps {
		granted, consentEvents := r.resolve(agentID, c)
		events = append(events, consentEvents...)
		if !granted {
			return r.finish(ctx, events), nil
		}
		tickets = append(tickets, r.tickets.Issue(agentID, c))
	}

	dispatcher, err := r.dispatcher(m)
	if err != nil {
		return r.finish(ctx, events), err
	}

	agentEvents, err := dispatcher.Dispatch(ctx, m, baseDir, input, tickets)
	if err != nil {
		code := CodeDispatchFailed
		if errors.Is(err, ErrTicketRevoked) {
			code = CodeCapabilityRevoked
		}
		slog.Error("dispatch failed", "agent", agentID, "err", err)
		events = append(events, event.NewError(agentID, code, err.Error(), r.seq.Next(agentID)))
		return r.finish(ctx, events), nil
	}

	for _, ev := range agentEvents {
		ev.AgentID = agentID
		ev.Sequence = r.seq.Next(agentID)
		events = append(events, ev)
	}
	return r.finish(ctx, events), nil
}

func (r *Runtime) parseCapabilities(agentID string, declared []string) ([]capability.Capability, *event.Event) {
	caps := make([]capability.Capability, 0, len(declared))
	for _, raw := range declared {
		c, err := capability.Parse(raw)
		if err != nil {
			ev := event.NewError(agentID, CodeCapabilityMalformed, err.Error(), r.seq.Next(agentID))
			return nil, &ev
		}
		caps = append(caps, c)
	}
	return caps, nil
}

// resolve brings one capability to a granted or denied state, emitting
// the consent events along the way.
func (r *Runtime) resolve(agentID string, c capability.Capability) (bool, []event.Event) {
	if r.caps.Check(c) {
		return true, nil
	}

	events := []event.Event{event.New(agentID, event.ConsentRequest{Capability: c.String()}, r.seq.Next(agentID))}

	if r.policy != nil {
		switch decision := r.policy.Decide(agentID, c); decision.Effect {
		case consent.EffectAllow:
			return true, append(events, r.grant(agentID, c, false)...)
		case consent.EffectDeny:
			return false, append(events, r.deny(agentID, c, decision.Reason))
		}
	}

	if r.prompter == nil || !r.prompter.IsInteractive() {
		return false, append(events, r.deny(agentID, c, "no interactive session to ask for consent"))
	}
	result, err := r.prompter.Prompt(agentID, c, "")
	if err != nil {
		return false, append(events, r.deny(agentID, c, fmt.Sprintf("consent prompt failed: %v", err)))
	}
	if !result.Granted {
		return false, append(events, r.deny(agentID, c, "denied by user"))
	}
	return true, append(events, r.grant(agentID, c, result.Always)...)
}

func (r *Runtime) grant(agentID string, c capability.Capability, persist bool) []event.Event {
	r.caps.Grant(c, nil)
	r.ledger.LogGrant(agentID, c.String(), nil)

	if persist && r.grantStore != nil {
		grants := r.caps.ActiveGrants()
		caps := make([]capability.Capability, 0, len(grants))
		for _, g := range grants {
			caps = append(caps, g.Capability)
		}
		if err := r.grantStore.Save(caps); err != nil {
			slog.Warn("failed to persist grant", "capability", c.String(), "err", err)
		}
	}
	return []event.Event{event.New(agentID, event.ConsentGrant{Capability: c.String()}, r.seq.Next(agentID))}
}

func (r *Runtime) deny(agentID string, c capability.Capability, reason string) event.Event {
	r.ledger.LogDeny(agentID, c.String(), reason)
	return event.New(agentID, event.Error{
		Code:    CodeCapabilityDenied,
		Message: fmt.Sprintf("capability %s denied: %s", c.String(), reason),
	}, r.seq.Next(agentID))
}

func (r *Runtime) dispatcher(m *manifest.Manifest) (Dispatcher, error) {
	if m.RequiresNative() {
		if r.native == nil {
			return nil, fmt.Errorf("native sandbox not available for agent %q", m.Name)
		}
		return r.native, nil
	}
	if r.wasm == nil {
		return nil, fmt.Errorf("wasm sandbox not available for agent %q", m.Name)
	}
	return r.wasm, nil
}

// finish persists the event trail when a store is attached. Artifact
// announcements additionally land in the artifact index.
func (r *Runtime) finish(ctx context.Context, events []event.Event) []event.Event {
	if r.store == nil {
		return events
	}
	for _, ev := range events {
		if err := r.store.AppendEvent(ctx, ev); err != nil {
			slog.Warn("failed to persist event", "agent", ev.AgentID, "type", ev.Type, "err", err)
			break
		}
		if payload, ok := ev.Payload.(event.Artifact); ok {
			r.indexArtifact(ctx, ev, payload)
		}
	}
	return events
}

func (r *Runtime) indexArtifact(ctx context.Context, ev event.Event, payload event.Artifact) {
	id, err := uuid.Parse(payload.ID)
	if err != nil {
		slog.Warn("artifact id is not a uuid, skipping index", "agent", ev.AgentID, "id", payload.ID)
		return
	}
	rec := state.ArtifactRecord{
		ID:        id,
		AgentID:   ev.AgentID,
		Kind:      payload.Kind,
		Path:      payload.Path,
		CreatedAt: ev.Timestamp,
	}
	if info, err := os.Stat(payload.Path); err == nil {
		rec.SizeBytes = info.Size()
	}
	if err := r.store.PutArtifact(ctx, rec); err != nil {
		slog.Warn("failed to index artifact", "agent", ev.AgentID, "id", payload.ID, "err", err)
	}
}
