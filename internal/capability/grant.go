package capability

import "time"

// Grant is one time-bounded, revocable authorization of a capability.
// Grants are owned exclusively by a Manager; the Manager hands out
// copies, never references to its internal collection.
type Grant struct {
	Capability Capability
	GrantedAt  time.Time
	ExpiresAt  *time.Time // nil means no expiry
	Revoked    bool
}

// newGrant creates a grant starting now, expiring after duration if one
// is given.
func newGrant(c Capability, duration *time.Duration, now time.Time) *Grant {
	g := &Grant{Capability: c, GrantedAt: now}
	if duration != nil {
		expires := now.Add(*duration)
		g.ExpiresAt = &expires
	}
	return g
}

// Valid reports whether the grant authorizes its capability at the
// given instant. A revoked grant is never valid, regardless of expiry.
func (g *Grant) Valid(now time.Time) bool {
	if g.Revoked {
		return false
	}
	if g.ExpiresAt != nil && now.After(*g.ExpiresAt) {
		return false
	}
	return true
}

// revoke marks the grant revoked. Terminal: expiry never clears it.
func (g *Grant) revoke() {
	g.Revoked = true
}

// clone returns a value copy safe to hand outside the Manager.
func (g *Grant) clone() Grant {
	c := *g
	if g.ExpiresAt != nil {
		expires := *g.ExpiresAt
		c.ExpiresAt = &expires
	}
	return c
}
