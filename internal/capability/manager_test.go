package capability

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keel-sh/keel/internal/apperrors"
)

func durationPtr(d time.Duration) *time.Duration { return &d }

func Test_Manager_DefaultDeny(t *testing.T) {
	m := NewManager()

	for _, raw := range []string{"files.read", "network.connect", "oauth.use"} {
		c, err := Parse(raw)
		require.NoError(t, err)
		assert.False(t, m.Check(c), "fresh manager must deny %s", raw)
	}
}

func Test_Manager_GrantAndCheck(t *testing.T) {
	m := NewManager()
	c := Capability{Scope: "files", Action: "read"}

	m.Grant(c, nil)

	assert.True(t, m.Check(c))
	assert.False(t, m.Check(Capability{Scope: "files", Action: "write"}))
}

func Test_Manager_TimeBoundedExpiry(t *testing.T) {
	m := NewManager()
	c := Capability{Scope: "network", Action: "connect"}

	m.Grant(c, durationPtr(time.Millisecond))
	assert.True(t, m.Check(c), "grant must be valid immediately")

	time.Sleep(10 * time.Millisecond)
	assert.False(t, m.Check(c), "grant must expire")
}

func Test_Manager_Revoke(t *testing.T) {
	m := NewManager()
	c := Capability{Scope: "files", Action: "read"}

	t.Run("revoking ungranted capability fails", func(t *testing.T) {
		err := m.Revoke(c)
		require.Error(t, err)
		assert.True(t, errors.Is(err, apperrors.ErrNotFound))
	})

	t.Run("revoking a valid grant denies thereafter", func(t *testing.T) {
		m.Grant(c, nil)
		require.True(t, m.Check(c))

		require.NoError(t, m.Revoke(c))
		assert.False(t, m.Check(c))
	})

	t.Run("revoking an already-revoked capability fails", func(t *testing.T) {
		err := m.Revoke(c)
		require.Error(t, err)
		assert.True(t, errors.Is(err, apperrors.ErrNotFound))
	})
}

func Test_Manager_RevokedGrantNeverValidAgain(t *testing.T) {
	m := NewManager()
	c := Capability{Scope: "files", Action: "read"}

	// A revoked grant with a far-future expiry stays invalid.
	m.Grant(c, durationPtr(24*time.Hour))
	require.NoError(t, m.Revoke(c))

	assert.False(t, m.Check(c))
	assert.Empty(t, m.ActiveGrants())
}

func Test_Manager_MultipleGrantsCoexist(t *testing.T) {
	m := NewManager()
	c := Capability{Scope: "files", Action: "read"}

	// One short-lived and one unbounded grant for the same capability.
	m.Grant(c, durationPtr(time.Millisecond))
	m.Grant(c, nil)

	time.Sleep(10 * time.Millisecond)
	assert.True(t, m.Check(c), "the unbounded grant keeps the capability valid")
	assert.Len(t, m.ActiveGrants(), 1)
}

func Test_Manager_ActiveGrantsSnapshot(t *testing.T) {
	m := NewManager()
	c := Capability{Scope: "files", Action: "read"}
	m.Grant(c, durationPtr(time.Hour))

	active := m.ActiveGrants()
	require.Len(t, active, 1)

	// Mutating the snapshot must not reach the manager's collection.
	active[0].Revoked = true
	*active[0].ExpiresAt = time.Time{}
	assert.True(t, m.Check(c))
}

func Test_Manager_CleanupExpired(t *testing.T) {
	m := NewManager()
	expired := Capability{Scope: "files", Action: "read"}
	revoked := Capability{Scope: "files", Action: "write"}
	valid := Capability{Scope: "network", Action: "connect"}

	m.Grant(expired, durationPtr(time.Millisecond))
	m.Grant(revoked, nil)
	m.Grant(valid, nil)
	require.NoError(t, m.Revoke(revoked))

	time.Sleep(10 * time.Millisecond)
	m.CleanupExpired()

	// Expired and revoked grants are both purged; the valid one remains.
	m.mu.RLock()
	remaining := len(m.grants)
	m.mu.RUnlock()
	assert.Equal(t, 1, remaining)
	assert.True(t, m.Check(valid))
}

func Test_Manager_ConcurrentAccess(t *testing.T) {
	m := NewManager()
	c := Capability{Scope: "files", Action: "read"}
	m.Grant(c, nil)

	done := make(chan struct{})
	for range 8 {
		go func() {
			for range 100 {
				m.Check(c)
				m.ActiveGrants()
			}
			done <- struct{}{}
		}()
	}
	for range 4 {
		go func() {
			for range 100 {
				m.Grant(c, nil)
			}
			done <- struct{}{}
		}()
	}
	for range 12 {
		<-done
	}

	assert.True(t, m.Check(c))
}
