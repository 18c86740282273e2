package capability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/keel-sh/keel/internal/apperrors"
)

// Manager is the in-memory store of capability grants. Checks are
// default deny: absent a matching valid grant, Check returns false.
//
// The grant collection is guarded by a reader/writer lock; reads
// (Check, ActiveGrants) proceed concurrently, writes (Grant, Revoke,
// CleanupExpired) are exclusive.
type Manager struct {
	mu     sync.RWMutex
	grants []*Grant

	// now is swappable for tests.
	now func() time.Time
}

// NewManager creates a Manager with no grants.
func NewManager() *Manager {
	return &Manager{now: time.Now}
}

// Grant appends a new grant for c, expiring after duration if one is
// given. Grants are not deduplicated: several grants for the same
// capability may coexist and Check needs only one valid one.
func (m *Manager) Grant(c Capability, duration *time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.grants = append(m.grants, newGrant(c, duration, m.now()))
	slog.Info("granted capability", "capability", c.String())
}

// Check reports whether some valid grant covers c.
func (m *Manager) Check(c Capability) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	for _, g := range m.grants {
		if g.Capability.Equals(c) && g.Valid(now) {
			return true
		}
	}
	return false
}

// Revoke marks every non-revoked grant for c as revoked. Strict: fails
// with apperrors.ErrNotFound when there is nothing to revoke, so callers
// can distinguish "nothing happened" from success.
func (m *Manager) Revoke(c Capability) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	revoked := false
	for _, g := range m.grants {
		if g.Capability.Equals(c) && !g.Revoked {
			g.revoke()
			revoked = true
		}
	}

	if !revoked {
		return apperrors.Wrapf(apperrors.ErrNotFound, "no active grant for capability %q", c.String())
	}
	slog.Info("revoked capability", "capability", c.String())
	return nil
}

// ActiveGrants returns a snapshot of all currently valid grants. The
// returned grants are copies; mutating them does not affect the Manager.
func (m *Manager) ActiveGrants() []Grant {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	var active []Grant
	for _, g := range m.grants {
		if g.Valid(now) {
			active = append(active, g.clone())
		}
	}
	return active
}

// CleanupExpired drops every grant that is no longer valid, whether it
// was revoked or merely expired. Audit history belongs to the consent
// ledger, not the live grant list.
func (m *Manager) CleanupExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	kept := m.grants[:0]
	for _, g := range m.grants {
		if g.Valid(now) {
			kept = append(kept, g)
		}
	}
	for i := len(kept); i < len(m.grants); i++ {
		m.grants[i] = nil
	}
	m.grants = kept
}
