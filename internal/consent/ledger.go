// Package consent implements the append-only audit trail of capability
// decisions, the policy rules that auto-resolve consent requests, and
// the interactive prompter used when no rule matches.
package consent

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// ActionType discriminates ledger entry actions.
type ActionType string

// The closed set of consent actions.
const (
	ActionGrant  ActionType = "grant"
	ActionRevoke ActionType = "revoke"
	ActionDeny   ActionType = "deny"
)

// Action records what was decided about a capability.
type Action struct {
	Type       ActionType `json:"action"`
	Capability string     `json:"capability"`
	DurationS  *uint64    `json:"duration_s,omitempty"` // grant only
	Reason     string     `json:"reason,omitempty"`     // deny only
}

// Entry is one immutable ledger record. Entries are never mutated or
// deleted; ordering is append order.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	AgentID   string    `json:"agent_id"`
	Action    Action    `json:"action"`
	UserID    *string   `json:"user_id,omitempty"`
}

// Sink receives a copy of every appended entry for durable storage.
// Sink failures are logged, never propagated: the in-memory ledger is
// the system of record for the session.
type Sink interface {
	AppendConsent(e Entry) error
}

// Ledger is the append-only consent audit log. Appends and reads are
// guarded by a reader/writer lock, so append order is also timestamp
// order.
type Ledger struct {
	mu      sync.RWMutex
	entries []Entry
	sink    Sink
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{}
}

// WithSink attaches a durable sink and returns the ledger.
func (l *Ledger) WithSink(s Sink) *Ledger {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sink = s
	return l
}

// LogGrant appends a grant decision.
func (l *Ledger) LogGrant(agentID, capability string, duration *time.Duration) {
	var durationS *uint64
	if duration != nil {
		s := uint64(duration.Seconds())
		durationS = &s
	}
	l.append(Entry{
		AgentID: agentID,
		Action:  Action{Type: ActionGrant, Capability: capability, DurationS: durationS},
	})
	slog.Info("consent granted", "agent", agentID, "capability", capability)
}

// LogRevoke appends a revoke decision.
func (l *Ledger) LogRevoke(agentID, capability string) {
	l.append(Entry{
		AgentID: agentID,
		Action:  Action{Type: ActionRevoke, Capability: capability},
	})
	slog.Info("consent revoked", "agent", agentID, "capability", capability)
}

// LogDeny appends a deny decision with a free-text reason.
func (l *Ledger) LogDeny(agentID, capability, reason string) {
	l.append(Entry{
		AgentID: agentID,
		Action:  Action{Type: ActionDeny, Capability: capability, Reason: reason},
	})
	slog.Info("consent denied", "agent", agentID, "capability", capability, "reason", reason)
}

func (l *Ledger) append(e Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e.Timestamp = time.Now().UTC()
	l.entries = append(l.entries, e)

	if l.sink != nil {
		if err := l.sink.AppendConsent(e); err != nil {
			slog.Warn("consent sink append failed", "error", err)
		}
	}
}

// GetAll returns every entry in insertion order.
func (l *Ledger) GetAll() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// GetForAgent returns the entries for agentID in insertion order.
func (l *Ledger) GetForAgent(agentID string) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Entry
	for _, e := range l.entries {
		if e.AgentID == agentID {
			out = append(out, e)
		}
	}
	return out
}

// Export serializes the full entry list as indented JSON. Entries carry
// only capability identifiers, durations, and free-text reasons; the
// reason fields are additionally scrubbed through the redactor when one
// is configured.
func (l *Ledger) Export(r *Redactor) ([]byte, error) {
	return ExportEntries(l.GetAll(), r)
}

// ExportEntries serializes a slice of entries the way Export does. Used
// when the entries come from durable storage rather than a live ledger.
func ExportEntries(entries []Entry, r *Redactor) ([]byte, error) {
	if r != nil {
		for i := range entries {
			entries[i].Action.Reason = r.ScrubString(entries[i].Action.Reason)
		}
	}
	return json.MarshalIndent(entries, "", "  ")
}
