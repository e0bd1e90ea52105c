// Package oauth2 plugs tokenkeeper into golang.org/x/oauth2. It provides a
// Refresher that renews credentials against a standard OAuth2 token endpoint
// and an oauth2.TokenSource backed by a tokenkeeper Manager.
package oauth2

import (
	"os"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
	"golang.org/x/oauth2/google"
)

// NewConfig creates an oauth2.Config for endpoint. Empty credentials fall
// back to OAUTH2_CLIENT_ID and OAUTH2_CLIENT_SECRET.
func NewConfig(clientId, clientSecret string, endpoint oauth2.Endpoint, scopes ...string) *oauth2.Config {
	return newConfig("OAUTH2", clientId, clientSecret, endpoint, scopes)
}

// NewGoogleConfig creates a config for Google's token endpoint.
// Empty credentials fall back to OAUTH2_GOOGLE_CLIENT_ID and OAUTH2_GOOGLE_CLIENT_SECRET.
func NewGoogleConfig(clientId, clientSecret string) *oauth2.Config {
	return newConfig("OAUTH2_GOOGLE", clientId, clientSecret, google.Endpoint, []string{
		"https://www.googleapis.com/auth/userinfo.email",
		"https://www.googleapis.com/auth/userinfo.profile",
	})
}

// NewGithubConfig creates a config for GitHub's token endpoint.
// Empty credentials fall back to OAUTH2_GITHUB_CLIENT_ID and OAUTH2_GITHUB_CLIENT_SECRET.
func NewGithubConfig(clientId, clientSecret string) *oauth2.Config {
	return newConfig("OAUTH2_GITHUB", clientId, clientSecret, github.Endpoint, []string{"read:user", "user:email"})
}

func newConfig(envPrefix, clientId, clientSecret string, endpoint oauth2.Endpoint, scopes []string) *oauth2.Config {
	if clientId == "" {
		clientId = strings.TrimSpace(os.Getenv(envPrefix + "_CLIENT_ID"))
	}
	if clientSecret == "" {
		clientSecret = strings.TrimSpace(os.Getenv(envPrefix + "_CLIENT_SECRET"))
	}
	return &oauth2.Config{
		ClientID:     clientId,
		ClientSecret: clientSecret,
		Endpoint:     endpoint,
		Scopes:       scopes,
	}
}
