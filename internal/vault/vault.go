// Package vault stores secrets behind an explicit lock. Callers hold
// opaque labels; the secret bytes never leave the package except through
// Fetch on an unlocked vault.
package vault

import (
	"sync"

	"github.com/keel-sh/keel/internal/apperrors"
)

// Backend persists secrets for a Vault. Implementations must be safe for
// concurrent use; the vault does not hold its own lock across backend calls.
type Backend interface {
	store(label string, secret []byte) error
	fetch(label string) ([]byte, error)
	delete(label string) error
	rotate() error
}

// Vault gates access to a Backend behind a lock state. A locked vault
// rejects every secret operation with ErrLocked; locking does not purge
// anything from the backend.
type Vault struct {
	mu      sync.RWMutex
	locked  bool
	backend Backend
}

// New returns an unlocked vault over the given backend.
func New(backend Backend) *Vault {
	return &Vault{backend: backend}
}

// Lock puts the vault into the locked state. Idempotent.
func (v *Vault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.locked = true
}

// Unlock returns the vault to the unlocked state. Idempotent.
func (v *Vault) Unlock() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.locked = false
}

// Locked reports the current lock state.
func (v *Vault) Locked() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.locked
}

func (v *Vault) guard() error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.locked {
		return apperrors.ErrLocked
	}
	return nil
}

// Store writes a secret under label, overwriting any previous value.
func (v *Vault) Store(label string, secret []byte) error {
	if err := v.guard(); err != nil {
		return err
	}
	return v.backend.store(label, secret)
}

// Fetch returns the secret stored under label, or ErrNotFound.
func (v *Vault) Fetch(label string) ([]byte, error) {
	if err := v.guard(); err != nil {
		return nil, err
	}
	return v.backend.fetch(label)
}

// Delete removes the secret under label. Deleting an absent label is not
// an error.
func (v *Vault) Delete(label string) error {
	if err := v.guard(); err != nil {
		return err
	}
	return v.backend.delete(label)
}

// RotateKeys re-encrypts the backend's contents under fresh key material.
// Backends without key material treat this as a no-op.
func (v *Vault) RotateKeys() error {
	if err := v.guard(); err != nil {
		return err
	}
	return v.backend.rotate()
}
