package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"

	"golang.org/x/crypto/argon2"

	"github.com/keel-sh/keel/internal/apperrors"
)

// argon2id parameters for deriving the sqlite backend key from a
// passphrase. 64 MiB, 3 passes, 4 lanes.
const (
	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 4
	keySize      = 32
	saltSize     = 16
)

func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, keySize)
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrBackend, "cipher init: %v", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrBackend, "gcm init: %v", err)
	}
	return aead, nil
}

// seal encrypts plaintext with a fresh random nonce, binding the label as
// additional authenticated data so rows cannot be swapped between labels.
func seal(aead cipher.AEAD, plaintext []byte, label string) (nonce, ciphertext []byte, err error) {
	nonce = make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, apperrors.Wrapf(apperrors.ErrBackend, "nonce: %v", err)
	}
	return nonce, aead.Seal(nil, nonce, plaintext, []byte(label)), nil
}

func open(aead cipher.AEAD, nonce, ciphertext []byte, label string) ([]byte, error) {
	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(label))
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrBackend, "decrypt %q: %v", label, err)
	}
	return plaintext, nil
}
