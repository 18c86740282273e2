package oauth

import "golang.org/x/oauth2"

// Provider describes an OAuth 2.0 authorization server. RevokeURL and
// DeviceAuthURL may be empty for providers that do not support them.
type Provider struct {
	Name          string
	ClientID      string
	ClientSecret  string
	AuthURL       string
	TokenURL      string
	DeviceAuthURL string
	RevokeURL     string
	Scopes        []string
}

func (p Provider) config(scopes []string) *oauth2.Config {
	if len(scopes) == 0 {
		scopes = p.Scopes
	}
	return &oauth2.Config{
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:       p.AuthURL,
			TokenURL:      p.TokenURL,
			DeviceAuthURL: p.DeviceAuthURL,
		},
	}
}

// GitHubProvider returns the provider configuration for GitHub.
func GitHubProvider(clientID string) Provider {
	return Provider{
		Name:          "github",
		ClientID:      clientID,
		AuthURL:       "https://github.com/login/oauth/authorize",
		TokenURL:      "https://github.com/login/oauth/access_token",
		DeviceAuthURL: "https://github.com/login/device/code",
		Scopes:        []string{"repo", "read:user"},
	}
}

// GoogleProvider returns the provider configuration for Google.
func GoogleProvider(clientID string) Provider {
	return Provider{
		Name:          "google",
		ClientID:      clientID,
		AuthURL:       "https://accounts.google.com/o/oauth2/v2/auth",
		TokenURL:      "https://oauth2.googleapis.com/token",
		DeviceAuthURL: "https://oauth2.googleapis.com/device/code",
		RevokeURL:     "https://oauth2.googleapis.com/revoke",
		Scopes:        []string{"openid", "email"},
	}
}
