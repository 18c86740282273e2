package runtime

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/keel-sh/keel/internal/capability"
)

// Ticket redemption failures.
var (
	ErrTicketUnknown = errors.New("unknown ticket")
	ErrTicketUsed    = errors.New("ticket already redeemed")
	ErrTicketExpired = errors.New("ticket expired")
	ErrTicketRevoked = errors.New("capability revoked before dispatch")
)

// DefaultTicketTTL bounds the window between capability check and
// dispatch.
const DefaultTicketTTL = 30 * time.Second

// Ticket is a single-use proof that a capability check passed. The
// backend redeems it at dispatch; a revoke in between invalidates it.
type Ticket struct {
	ID         uuid.UUID
	AgentID    string
	Capability capability.Capability
	ExpiresAt  time.Time
}

type ticketState struct {
	ticket   Ticket
	redeemed bool
}

// TicketIssuer mints and redeems tickets against a capability manager.
// Redemption re-checks the grant, closing the gap between check and use.
type TicketIssuer struct {
	mu      sync.Mutex
	caps    *capability.Manager
	tickets map[uuid.UUID]*ticketState
	ttl     time.Duration
	now     func() time.Time
}

// NewTicketIssuer creates an issuer with the given ticket lifetime;
// ttl <= 0 means DefaultTicketTTL.
func NewTicketIssuer(caps *capability.Manager, ttl time.Duration) *TicketIssuer {
	if ttl <= 0 {
		ttl = DefaultTicketTTL
	}
	return &TicketIssuer{
		caps:    caps,
		tickets: make(map[uuid.UUID]*ticketState),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Issue mints a ticket for a capability the agent currently holds.
// Callers must have verified the grant; Issue records it for re-checking
// at redemption.
func (t *TicketIssuer) Issue(agentID string, c capability.Capability) Ticket {
	t.mu.Lock()
	defer t.mu.Unlock()

	ticket := Ticket{
		ID:         uuid.New(),
		AgentID:    agentID,
		Capability: c,
		ExpiresAt:  t.now().Add(t.ttl),
	}
	t.tickets[ticket.ID] = &ticketState{ticket: ticket}
	return ticket
}

// Redeem consumes the ticket. Exactly one Redeem per ticket can succeed,
// and only while the underlying grant is still valid.
func (t *TicketIssuer) Redeem(id uuid.UUID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.tickets[id]
	if !ok {
		return ErrTicketUnknown
	}
	if st.redeemed {
		return ErrTicketUsed
	}
	st.redeemed = true

	if t.now().After(st.ticket.ExpiresAt) {
		return ErrTicketExpired
	}
	if !t.caps.Check(st.ticket.Capability) {
		return ErrTicketRevoked
	}
	return nil
}
