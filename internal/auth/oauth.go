// Package auth obtains and renews the credentials the uploader presents to the
// photo service.
package auth

import (
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const (
	PhotosScope = "https://www.googleapis.com/auth/photoslibrary"

	DefaultRedirectURL = "http://localhost:42069/auth"
)

// OAuthConfig is what the operator registers with the identity provider.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	// Endpoint overrides the Google endpoint, used by tests.
	Endpoint *oauth2.Endpoint
}

// NewOAuth2Config builds the oauth2 configuration for offline access to the photo library.
func NewOAuth2Config(cfg OAuthConfig) *oauth2.Config {
	endpoint := google.Endpoint
	if cfg.Endpoint != nil {
		endpoint = *cfg.Endpoint
	}

	redirect := cfg.RedirectURL
	if redirect == "" {
		redirect = DefaultRedirectURL
	}

	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  redirect,
		Scopes:       []string{PhotosScope},
		Endpoint:     endpoint,
	}
}
