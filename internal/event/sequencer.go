package event

import "sync"

// Sequencer hands out per-agent monotonically increasing sequence
// numbers. Safe for concurrent use.
type Sequencer struct {
	mu   sync.Mutex
	next map[string]uint64
}

// NewSequencer creates an empty Sequencer.
func NewSequencer() *Sequencer {
	return &Sequencer{next: make(map[string]uint64)}
}

// Next returns the next sequence number for agentID, starting at 0.
func (s *Sequencer) Next(agentID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.next[agentID]
	s.next[agentID] = n + 1
	return n
}
