package vault

import (
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"errors"
	"sync"

	"github.com/keel-sh/keel/internal/apperrors"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS vault_meta (
	id   INTEGER PRIMARY KEY CHECK (id = 1),
	salt BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS vault_secrets (
	label      TEXT PRIMARY KEY,
	nonce      BLOB NOT NULL,
	ciphertext BLOB NOT NULL
);
`

// SQLiteBackend persists secrets in a sqlite database, each row encrypted
// with AES-256-GCM. The key is derived from the passphrase with argon2id
// over a per-database salt kept in vault_meta.
type SQLiteBackend struct {
	mu         sync.Mutex
	db         *sql.DB
	passphrase string
	aead       cipher.AEAD
}

// NewSQLiteBackend prepares the schema and derives the encryption key.
// A fresh database gets a random salt; an existing one reuses its stored
// salt, so the same passphrase opens it again.
func NewSQLiteBackend(db *sql.DB, passphrase string) (*SQLiteBackend, error) {
	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrBackend, "vault schema: %v", err)
	}

	salt, err := loadOrCreateSalt(db)
	if err != nil {
		return nil, err
	}
	aead, err := newAEAD(deriveKey(passphrase, salt))
	if err != nil {
		return nil, err
	}
	return &SQLiteBackend{db: db, passphrase: passphrase, aead: aead}, nil
}

func loadOrCreateSalt(db *sql.DB) ([]byte, error) {
	var salt []byte
	err := db.QueryRow(`SELECT salt FROM vault_meta WHERE id = 1`).Scan(&salt)
	switch {
	case err == nil:
		return salt, nil
	case errors.Is(err, sql.ErrNoRows):
		salt = make([]byte, saltSize)
		if _, err := rand.Read(salt); err != nil {
			return nil, apperrors.Wrapf(apperrors.ErrBackend, "salt: %v", err)
		}
		if _, err := db.Exec(`INSERT INTO vault_meta (id, salt) VALUES (1, ?)`, salt); err != nil {
			return nil, apperrors.Wrapf(apperrors.ErrBackend, "store salt: %v", err)
		}
		return salt, nil
	default:
		return nil, apperrors.Wrapf(apperrors.ErrBackend, "load salt: %v", err)
	}
}

func (s *SQLiteBackend) store(label string, secret []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	nonce, ciphertext, err := seal(s.aead, secret, label)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO vault_secrets (label, nonce, ciphertext) VALUES (?, ?, ?)
		 ON CONFLICT(label) DO UPDATE SET nonce = excluded.nonce, ciphertext = excluded.ciphertext`,
		label, nonce, ciphertext,
	)
	if err != nil {
		return apperrors.Wrapf(apperrors.ErrBackend, "store %q: %v", label, err)
	}
	return nil
}

func (s *SQLiteBackend) fetch(label string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var nonce, ciphertext []byte
	err := s.db.QueryRow(`SELECT nonce, ciphertext FROM vault_secrets WHERE label = ?`, label).
		Scan(&nonce, &ciphertext)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Wrapf(apperrors.ErrNotFound, "secret %q", label)
	}
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrBackend, "fetch %q: %v", label, err)
	}
	return open(s.aead, nonce, ciphertext, label)
}

func (s *SQLiteBackend) delete(label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM vault_secrets WHERE label = ?`, label); err != nil {
		return apperrors.Wrapf(apperrors.ErrBackend, "delete %q: %v", label, err)
	}
	return nil
}

// rotate derives a new key from a fresh salt and re-encrypts every row in
// a single transaction. The old key stays in effect if anything fails.
func (s *SQLiteBackend) rotate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return apperrors.Wrapf(apperrors.ErrBackend, "salt: %v", err)
	}
	next, err := newAEAD(deriveKey(s.passphrase, salt))
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return apperrors.Wrapf(apperrors.ErrBackend, "rotate: %v", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	rows, err := tx.Query(`SELECT label, nonce, ciphertext FROM vault_secrets`)
	if err != nil {
		return apperrors.Wrapf(apperrors.ErrBackend, "rotate: %v", err)
	}
	type reencrypted struct {
		label      string
		nonce      []byte
		ciphertext []byte
	}
	var pending []reencrypted
	for rows.Next() {
		var label string
		var nonce, ciphertext []byte
		if err := rows.Scan(&label, &nonce, &ciphertext); err != nil {
			rows.Close()
			return apperrors.Wrapf(apperrors.ErrBackend, "rotate: %v", err)
		}
		plaintext, err := open(s.aead, nonce, ciphertext, label)
		if err != nil {
			rows.Close()
			return err
		}
		newNonce, newCiphertext, err := seal(next, plaintext, label)
		if err != nil {
			rows.Close()
			return err
		}
		pending = append(pending, reencrypted{label, newNonce, newCiphertext})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return apperrors.Wrapf(apperrors.ErrBackend, "rotate: %v", err)
	}
	rows.Close()

	for _, row := range pending {
		if _, err := tx.Exec(
			`UPDATE vault_secrets SET nonce = ?, ciphertext = ? WHERE label = ?`,
			row.nonce, row.ciphertext, row.label,
		); err != nil {
			return apperrors.Wrapf(apperrors.ErrBackend, "rotate %q: %v", row.label, err)
		}
	}
	if _, err := tx.Exec(`UPDATE vault_meta SET salt = ? WHERE id = 1`, salt); err != nil {
		return apperrors.Wrapf(apperrors.ErrBackend, "rotate salt: %v", err)
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Wrapf(apperrors.ErrBackend, "rotate commit: %v", err)
	}

	s.aead = next
	return nil
}
