// Package oauth brokers tokens on behalf of agents. Agents only ever see
// opaque TokenHandle values; the tokens themselves live in the vault and
// stay inside this package.
package oauth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/keel-sh/keel/internal/apperrors"
	"github.com/keel-sh/keel/internal/consent"
	"github.com/keel-sh/keel/internal/vault"
)

// TokenHandle is the opaque reference returned to callers in place of a
// token.
type TokenHandle struct {
	ID       uuid.UUID `json:"id"`
	Provider string    `json:"provider"`
	Scopes   []string  `json:"scopes"`
}

func (h TokenHandle) label() string {
	return "oauth/" + h.ID.String()
}

// DeviceAuthorization carries the user-facing half of a device code flow:
// the code to type and where to type it.
type DeviceAuthorization struct {
	UserCode                string
	VerificationURI         string
	VerificationURIComplete string
	ExpiresAt               time.Time
}

// Broker runs OAuth flows against registered providers and files the
// resulting tokens in the vault.
type Broker struct {
	mu        sync.RWMutex
	providers map[string]Provider

	vault  *vault.Vault
	ledger *consent.Ledger
	client *http.Client
}

// NewBroker returns a broker with no providers registered.
func NewBroker(v *vault.Vault, ledger *consent.Ledger) *Broker {
	return &Broker{
		providers: make(map[string]Provider),
		vault:     v,
		ledger:    ledger,
		client:    http.DefaultClient,
	}
}

// RegisterProvider adds or replaces a provider under its Name.
func (b *Broker) RegisterProvider(p Provider) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.providers[p.Name] = p
}

func (b *Broker) provider(name string) (Provider, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.providers[name]
	if !ok {
		return Provider{}, apperrors.Wrapf(apperrors.ErrNotFound, "provider %q", name)
	}
	return p, nil
}

// RequestTokenDeviceCode runs the device code flow. notify is called once
// with the user code before polling begins; polling blocks until the user
// approves, the authorization expires, or ctx is cancelled.
func (b *Broker) RequestTokenDeviceCode(ctx context.Context, provider string, scopes []string, notify func(DeviceAuthorization)) (TokenHandle, error) {
	p, err := b.provider(provider)
	if err != nil {
		return TokenHandle{}, err
	}
	cfg := p.config(scopes)

	slog.Info("starting device code flow", "provider", provider)
	da, err := cfg.DeviceAuth(ctx)
	if err != nil {
		return TokenHandle{}, apperrors.Wrapf(apperrors.ErrNetwork, "device authorization: %v", err)
	}
	if notify != nil {
		notify(DeviceAuthorization{
			UserCode:                da.UserCode,
			VerificationURI:         da.VerificationURI,
			VerificationURIComplete: da.VerificationURIComplete,
			ExpiresAt:               da.Expiry,
		})
	}

	token, err := cfg.DeviceAccessToken(ctx, da)
	if err != nil {
		return TokenHandle{}, apperrors.Wrapf(apperrors.ErrNetwork, "device token: %v", err)
	}
	return b.mint(provider, cfg.Scopes, token)
}

// RequestTokenPKCE runs the authorization code flow with PKCE. authorize
// receives the authorization URL and must return the code delivered to
// the redirect target.
func (b *Broker) RequestTokenPKCE(ctx context.Context, provider string, scopes []string, authorize func(authURL string) (code string, err error)) (TokenHandle, error) {
	p, err := b.provider(provider)
	if err != nil {
		return TokenHandle{}, err
	}
	cfg := p.config(scopes)

	slog.Info("starting pkce flow", "provider", provider)
	verifier := oauth2.GenerateVerifier()
	authURL := cfg.AuthCodeURL(uuid.NewString(), oauth2.S256ChallengeOption(verifier))

	code, err := authorize(authURL)
	if err != nil {
		return TokenHandle{}, err
	}
	token, err := cfg.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return TokenHandle{}, apperrors.Wrapf(apperrors.ErrNetwork, "code exchange: %v", err)
	}
	return b.mint(provider, cfg.Scopes, token)
}

func (b *Broker) mint(provider string, scopes []string, token *oauth2.Token) (TokenHandle, error) {
	handle := TokenHandle{ID: uuid.New(), Provider: provider, Scopes: scopes}
	if err := b.putToken(handle, token); err != nil {
		return TokenHandle{}, err
	}
	slog.Info("token stored", "provider", provider, "handle", handle.ID)
	return handle, nil
}

// Refresh exchanges the stored refresh token for a fresh access token and
// replaces the vault entry in place.
func (b *Broker) Refresh(ctx context.Context, handle TokenHandle) error {
	p, err := b.provider(handle.Provider)
	if err != nil {
		return err
	}
	token, err := b.getToken(handle)
	if err != nil {
		return err
	}

	fresh, err := p.config(handle.Scopes).TokenSource(ctx, token).Token()
	if err != nil {
		return apperrors.Wrapf(apperrors.ErrNetwork, "refresh %s: %v", handle.ID, err)
	}
	return b.putToken(handle, fresh)
}

// Revoke notifies the provider, removes the token from the vault, and
// records the revocation in the consent ledger. The provider call is best
// effort; local cleanup happens regardless.
func (b *Broker) Revoke(ctx context.Context, handle TokenHandle) error {
	p, err := b.provider(handle.Provider)
	if err != nil {
		return err
	}

	if token, err := b.getToken(handle); err == nil && p.RevokeURL != "" {
		if err := b.revokeRemote(ctx, p, token); err != nil {
			slog.Warn("provider revocation failed", "provider", handle.Provider, "err", err)
		}
	}

	if err := b.vault.Delete(handle.label()); err != nil {
		return err
	}
	b.ledger.LogRevoke(handle.ID.String(), "oauth."+handle.Provider)
	return nil
}

func (b *Broker) revokeRemote(ctx context.Context, p Provider, token *oauth2.Token) error {
	form := url.Values{"token": {token.AccessToken}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.RevokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return apperrors.Wrapf(apperrors.ErrNetwork, "revoke request: %v", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := b.client.Do(req)
	if err != nil {
		return apperrors.Wrapf(apperrors.ErrNetwork, "revoke: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return apperrors.Wrapf(apperrors.ErrNetwork, "revoke: provider returned %s", resp.Status)
	}
	return nil
}

// getToken is the only path that reads a token back out of the vault. It
// stays unexported so the secret never crosses the package boundary.
func (b *Broker) getToken(handle TokenHandle) (*oauth2.Token, error) {
	raw, err := b.vault.Fetch(handle.label())
	if err != nil {
		return nil, err
	}
	var token oauth2.Token
	if err := json.Unmarshal(raw, &token); err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrFormat, "stored token %s: %v", handle.ID, err)
	}
	return &token, nil
}

func (b *Broker) putToken(handle TokenHandle, token *oauth2.Token) error {
	raw, err := json.Marshal(token)
	if err != nil {
		return apperrors.Wrapf(apperrors.ErrFormat, "token %s: %v", handle.ID, err)
	}
	return b.vault.Store(handle.label(), raw)
}
