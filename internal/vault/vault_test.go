package vault

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/keel-sh/keel/internal/apperrors"
)

func Test_Vault_RoundTrip(t *testing.T) {
	v := New(NewMemoryBackend())

	require.NoError(t, v.Store("github-token", []byte("ghp_secret")))

	secret, err := v.Fetch("github-token")
	require.NoError(t, err)
	assert.Equal(t, []byte("ghp_secret"), secret)
}

func Test_Vault_FetchUnknown(t *testing.T) {
	v := New(NewMemoryBackend())

	_, err := v.Fetch("missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}

func Test_Vault_LockGating(t *testing.T) {
	v := New(NewMemoryBackend())
	require.NoError(t, v.Store("label", []byte("secret")))

	v.Lock()
	assert.True(t, v.Locked())

	_, err := v.Fetch("label")
	assert.True(t, errors.Is(err, apperrors.ErrLocked))
	assert.True(t, errors.Is(v.Store("other", []byte("x")), apperrors.ErrLocked))
	assert.True(t, errors.Is(v.Delete("label"), apperrors.ErrLocked))
	assert.True(t, errors.Is(v.RotateKeys(), apperrors.ErrLocked))

	// Unlock restores access; locking never purged anything.
	v.Unlock()
	secret, err := v.Fetch("label")
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), secret)
}

func Test_Vault_DeleteIdempotent(t *testing.T) {
	v := New(NewMemoryBackend())
	require.NoError(t, v.Store("label", []byte("secret")))

	require.NoError(t, v.Delete("label"))
	require.NoError(t, v.Delete("label"))

	_, err := v.Fetch("label")
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}

func Test_Vault_Overwrite(t *testing.T) {
	v := New(NewMemoryBackend())
	require.NoError(t, v.Store("label", []byte("first")))
	require.NoError(t, v.Store("label", []byte("second")))

	secret, err := v.Fetch("label")
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), secret)
}

func openTestDB(t *testing.T, path string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func Test_SQLiteBackend_RoundTrip(t *testing.T) {
	db := openTestDB(t, ":memory:")
	backend, err := NewSQLiteBackend(db, "hunter2")
	require.NoError(t, err)

	v := New(backend)
	require.NoError(t, v.Store("api-key", []byte("sk-123")))

	secret, err := v.Fetch("api-key")
	require.NoError(t, err)
	assert.Equal(t, []byte("sk-123"), secret)

	// Ciphertext at rest, not the plaintext.
	var ciphertext []byte
	require.NoError(t, db.QueryRow(`SELECT ciphertext FROM vault_secrets WHERE label = ?`, "api-key").Scan(&ciphertext))
	assert.NotContains(t, string(ciphertext), "sk-123")
}

func Test_SQLiteBackend_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.db")

	first, err := NewSQLiteBackend(openTestDB(t, path), "passphrase")
	require.NoError(t, err)
	require.NoError(t, first.store("label", []byte("persisted")))

	// A new backend over the same file derives the same key from the
	// stored salt.
	second, err := NewSQLiteBackend(openTestDB(t, path), "passphrase")
	require.NoError(t, err)
	secret, err := second.fetch("label")
	require.NoError(t, err)
	assert.Equal(t, []byte("persisted"), secret)
}

func Test_SQLiteBackend_WrongPassphrase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.db")

	first, err := NewSQLiteBackend(openTestDB(t, path), "correct")
	require.NoError(t, err)
	require.NoError(t, first.store("label", []byte("secret")))

	second, err := NewSQLiteBackend(openTestDB(t, path), "wrong")
	require.NoError(t, err)
	_, err = second.fetch("label")
	assert.True(t, errors.Is(err, apperrors.ErrBackend))
}

func Test_SQLiteBackend_Rotate(t *testing.T) {
	db := openTestDB(t, ":memory:")
	backend, err := NewSQLiteBackend(db, "hunter2")
	require.NoError(t, err)

	v := New(backend)
	require.NoError(t, v.Store("a", []byte("alpha")))
	require.NoError(t, v.Store("b", []byte("beta")))

	var before []byte
	require.NoError(t, db.QueryRow(`SELECT ciphertext FROM vault_secrets WHERE label = 'a'`).Scan(&before))

	require.NoError(t, v.RotateKeys())

	// Rows were re-encrypted and remain readable.
	var after []byte
	require.NoError(t, db.QueryRow(`SELECT ciphertext FROM vault_secrets WHERE label = 'a'`).Scan(&after))
	assert.NotEqual(t, before, after)

	secret, err := v.Fetch("a")
	require.NoError(t, err)
	assert.Equal(t, []byte("alpha"), secret)
	secret, err = v.Fetch("b")
	require.NoError(t, err)
	assert.Equal(t, []byte("beta"), secret)
}

func Test_MemoryBackend_RotateNoop(t *testing.T) {
	v := New(NewMemoryBackend())
	require.NoError(t, v.Store("label", []byte("secret")))
	require.NoError(t, v.RotateKeys())

	secret, err := v.Fetch("label")
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), secret)
}
