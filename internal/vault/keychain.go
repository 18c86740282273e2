package vault

import (
	"encoding/base64"
	"errors"
	"log/slog"

	"github.com/zalando/go-keyring"

	"github.com/keel-sh/keel/internal/apperrors"
)

// DefaultKeychainService is the service name secrets are filed under in
// the OS keychain.
const DefaultKeychainService = "keel"

// KeychainBackend delegates storage to the operating system keychain.
// Secrets are base64-encoded because keychain entries are strings.
type KeychainBackend struct {
	service string
}

// NewKeychainBackend returns a backend using the given keychain service
// name, or DefaultKeychainService when empty.
func NewKeychainBackend(service string) *KeychainBackend {
	if service == "" {
		service = DefaultKeychainService
	}
	return &KeychainBackend{service: service}
}

func (k *KeychainBackend) store(label string, secret []byte) error {
	encoded := base64.StdEncoding.EncodeToString(secret)
	if err := keyring.Set(k.service, label, encoded); err != nil {
		return apperrors.Wrapf(apperrors.ErrBackend, "keychain store %q: %v", label, err)
	}
	return nil
}

func (k *KeychainBackend) fetch(label string) ([]byte, error) {
	encoded, err := keyring.Get(k.service, label)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, apperrors.Wrapf(apperrors.ErrNotFound, "secret %q", label)
		}
		return nil, apperrors.Wrapf(apperrors.ErrBackend, "keychain fetch %q: %v", label, err)
	}
	secret, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrBackend, "keychain entry %q is not base64: %v", label, err)
	}
	return secret, nil
}

func (k *KeychainBackend) delete(label string) error {
	err := keyring.Delete(k.service, label)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return apperrors.Wrapf(apperrors.ErrBackend, "keychain delete %q: %v", label, err)
	}
	return nil
}

func (k *KeychainBackend) rotate() error {
	slog.Warn("key rotation is managed by the OS keychain, skipping", "service", k.service)
	return nil
}
