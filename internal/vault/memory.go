package vault

import (
	"log/slog"
	"sync"

	"github.com/keel-sh/keel/internal/apperrors"
)

// MemoryBackend keeps secrets in process memory. Nothing survives a
// restart; intended for tests and ephemeral sessions.
type MemoryBackend struct {
	mu      sync.RWMutex
	secrets map[string][]byte
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{secrets: make(map[string][]byte)}
}

func (m *MemoryBackend) store(label string, secret []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(secret))
	copy(cp, secret)
	m.secrets[label] = cp
	return nil
}

func (m *MemoryBackend) fetch(label string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	secret, ok := m.secrets[label]
	if !ok {
		return nil, apperrors.Wrapf(apperrors.ErrNotFound, "secret %q", label)
	}
	cp := make([]byte, len(secret))
	copy(cp, secret)
	return cp, nil
}

func (m *MemoryBackend) delete(label string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.secrets, label)
	return nil
}

func (m *MemoryBackend) rotate() error {
	slog.Warn("key rotation is a no-op for the memory backend")
	return nil
}
