package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keel-sh/keel/internal/apperrors"
	"github.com/keel-sh/keel/internal/consent"
	"github.com/keel-sh/keel/internal/vault"
)

type fakeProvider struct {
	srv *httptest.Server

	mu         sync.Mutex
	tokenForms []url.Values
	revoked    []string
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	fp := &fakeProvider{}

	mux := http.NewServeMux()
	mux.HandleFunc("/device/code", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"device_code":      "dev-123",
			"user_code":        "ABCD-1234",
			"verification_uri": "https://example.com/activate",
			"expires_in":       900,
			"interval":         1,
		})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		fp.mu.Lock()
		fp.tokenForms = append(fp.tokenForms, r.PostForm)
		fp.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at-fresh",
			"token_type":    "bearer",
			"refresh_token": "rt-1",
			"expires_in":    3600,
		})
	})
	mux.HandleFunc("/revoke", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		fp.mu.Lock()
		fp.revoked = append(fp.revoked, r.PostForm.Get("token"))
		fp.mu.Unlock()
	})

	fp.srv = httptest.NewServer(mux)
	t.Cleanup(fp.srv.Close)
	return fp
}

func (fp *fakeProvider) provider() Provider {
	return Provider{
		Name:          "fake",
		ClientID:      "client-1",
		AuthURL:       fp.srv.URL + "/authorize",
		TokenURL:      fp.srv.URL + "/token",
		DeviceAuthURL: fp.srv.URL + "/device/code",
		RevokeURL:     fp.srv.URL + "/revoke",
		Scopes:        []string{"read"},
	}
}

func (fp *fakeProvider) lastTokenForm() url.Values {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	if len(fp.tokenForms) == 0 {
		return nil
	}
	return fp.tokenForms[len(fp.tokenForms)-1]
}

func newTestBroker(t *testing.T, fp *fakeProvider) (*Broker, *vault.Vault, *consent.Ledger) {
	t.Helper()
	v := vault.New(vault.NewMemoryBackend())
	ledger := consent.NewLedger()
	b := NewBroker(v, ledger)
	b.RegisterProvider(fp.provider())
	return b, v, ledger
}

func Test_Broker_UnknownProvider(t *testing.T) {
	b := NewBroker(vault.New(vault.NewMemoryBackend()), consent.NewLedger())

	_, err := b.RequestTokenDeviceCode(context.Background(), "nope", nil, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}

func Test_Broker_RequestTokenDeviceCode(t *testing.T) {
	fp := newFakeProvider(t)
	b, _, _ := newTestBroker(t, fp)

	var notified DeviceAuthorization
	handle, err := b.RequestTokenDeviceCode(context.Background(), "fake", []string{"read"}, func(da DeviceAuthorization) {
		notified = da
	})
	require.NoError(t, err)

	assert.Equal(t, "ABCD-1234", notified.UserCode)
	assert.Equal(t, "https://example.com/activate", notified.VerificationURI)
	assert.Equal(t, "fake", handle.Provider)
	assert.Equal(t, []string{"read"}, handle.Scopes)
	assert.NotEqual(t, "00000000-0000-0000-0000-000000000000", handle.ID.String())

	// The poll exchanged the device code for a token.
	form := fp.lastTokenForm()
	require.NotNil(t, form)
	assert.Equal(t, "dev-123", form.Get("device_code"))

	// The caller gets a handle, never the token itself.
	token, err := b.getToken(handle)
	require.NoError(t, err)
	assert.Equal(t, "at-fresh", token.AccessToken)
}

func Test_Broker_RequestTokenPKCE(t *testing.T) {
	fp := newFakeProvider(t)
	b, _, _ := newTestBroker(t, fp)

	handle, err := b.RequestTokenPKCE(context.Background(), "fake", nil, func(authURL string) (string, error) {
		parsed, err := url.Parse(authURL)
		require.NoError(t, err)
		assert.Equal(t, "S256", parsed.Query().Get("code_challenge_method"))
		assert.NotEmpty(t, parsed.Query().Get("code_challenge"))
		assert.NotEmpty(t, parsed.Query().Get("state"))
		return "auth-code-1", nil
	})
	require.NoError(t, err)

	// Provider default scopes applied when the caller passes none.
	assert.Equal(t, []string{"read"}, handle.Scopes)

	form := fp.lastTokenForm()
	require.NotNil(t, form)
	assert.Equal(t, "auth-code-1", form.Get("code"))
	assert.NotEmpty(t, form.Get("code_verifier"))
}

func Test_Broker_PKCEAuthorizeError(t *testing.T) {
	fp := newFakeProvider(t)
	b, _, _ := newTestBroker(t, fp)

	boom := errors.New("user closed the browser")
	_, err := b.RequestTokenPKCE(context.Background(), "fake", nil, func(string) (string, error) {
		return "", boom
	})
	assert.True(t, errors.Is(err, boom))
	assert.Nil(t, fp.lastTokenForm())
}

func Test_Broker_Refresh(t *testing.T) {
	fp := newFakeProvider(t)
	b, _, _ := newTestBroker(t, fp)

	handle, err := b.RequestTokenPKCE(context.Background(), "fake", nil, func(string) (string, error) {
		return "auth-code-1", nil
	})
	require.NoError(t, err)

	// Expire the stored token so the token source must hit the provider.
	token, err := b.getToken(handle)
	require.NoError(t, err)
	token.Expiry = token.Expiry.AddDate(-1, 0, 0)
	require.NoError(t, b.putToken(handle, token))

	require.NoError(t, b.Refresh(context.Background(), handle))

	form := fp.lastTokenForm()
	require.NotNil(t, form)
	assert.Equal(t, "refresh_token", form.Get("grant_type"))
	assert.Equal(t, "rt-1", form.Get("refresh_token"))

	refreshed, err := b.getToken(handle)
	require.NoError(t, err)
	assert.Equal(t, "at-fresh", refreshed.AccessToken)
}

func Test_Broker_Revoke(t *testing.T) {
	fp := newFakeProvider(t)
	b, v, ledger := newTestBroker(t, fp)

	handle, err := b.RequestTokenPKCE(context.Background(), "fake", nil, func(string) (string, error) {
		return "auth-code-1", nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Revoke(context.Background(), handle))

	// Provider was notified with the access token.
	fp.mu.Lock()
	revoked := append([]string(nil), fp.revoked...)
	fp.mu.Unlock()
	assert.Equal(t, []string{"at-fresh"}, revoked)

	// Token is gone from the vault and the revocation is on the ledger.
	_, err = v.Fetch("oauth/" + handle.ID.String())
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))

	entries := ledger.GetAll()
	require.Len(t, entries, 1)
	assert.Equal(t, consent.ActionRevoke, entries[0].Action.Type)
	assert.Equal(t, "oauth.fake", entries[0].Action.Capability)
}

func Test_Broker_RevokeSurvivesProviderFailure(t *testing.T) {
	fp := newFakeProvider(t)
	b, v, _ := newTestBroker(t, fp)

	handle, err := b.RequestTokenPKCE(context.Background(), "fake", nil, func(string) (string, error) {
		return "auth-code-1", nil
	})
	require.NoError(t, err)

	// Point revocation at a dead endpoint; local cleanup still happens.
	p := fp.provider()
	p.RevokeURL = "http://127.0.0.1:1/revoke"
	b.RegisterProvider(p)

	require.NoError(t, b.Revoke(context.Background(), handle))
	_, err = v.Fetch("oauth/" + handle.ID.String())
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}

func Test_Broker_Providers(t *testing.T) {
	gh := GitHubProvider("client-gh")
	assert.Equal(t, "github", gh.Name)
	assert.NotEmpty(t, gh.DeviceAuthURL)

	google := GoogleProvider("client-g")
	assert.Equal(t, "google", google.Name)
	assert.NotEmpty(t, google.RevokeURL)
}
