// Package spotify implements the upstream.Exchanger interface against
// the Spotify Accounts service.
package spotify

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	oauthspotify "golang.org/x/oauth2/spotify"

	"github.com/chordia-dev/chordia/upstream"
)

var _ upstream.Exchanger = (*Provider)(nil)

const providerName = "spotify"

// DefaultRequestTimeout bounds calls to the Spotify token endpoint.
// Failed calls are not retried; the client surface reports a terminal
// error instead.
const DefaultRequestTimeout = 10 * time.Second

// Provider implements upstream.Exchanger for Spotify.
type Provider struct {
	*oauth2.Config
	httpClient     *http.Client
	requestTimeout time.Duration
}

// Config holds Spotify application credentials.
type Config struct {
	// ClientID is the Spotify application client ID.
	ClientID string

	// ClientSecret is the Spotify application client secret. It stays
	// on the broker; downstream clients never see it.
	ClientSecret string

	// RedirectURL is the broker's callback URL registered with Spotify.
	RedirectURL string

	// Scopes is the scope set requested on every upstream leg.
	Scopes []string

	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client

	// RequestTimeout bounds token endpoint calls (default: 10s).
	RequestTimeout time.Duration
}

// New creates a Spotify provider.
func New(cfg *Config) (*Provider, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("client secret is required")
	}
	if cfg.RedirectURL == "" {
		return nil, fmt.Errorf("redirect URL is required")
	}

	requestTimeout := cfg.RequestTimeout
	if requestTimeout == 0 {
		requestTimeout = DefaultRequestTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: requestTimeout}
	}

	scopes := make([]string, len(cfg.Scopes))
	copy(scopes, cfg.Scopes)

	return &Provider{
		Config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint:     oauthspotify.Endpoint,
		},
		httpClient:     httpClient,
		requestTimeout: requestTimeout,
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return providerName
}

// AuthorizationURL builds the Spotify authorization URL carrying the
// broker's PKCE challenge and the correlation state.
func (p *Provider) AuthorizationURL(state, codeChallenge, codeChallengeMethod string) string {
	var opts []oauth2.AuthCodeOption
	if codeChallenge != "" && codeChallengeMethod != "" {
		opts = append(opts,
			oauth2.SetAuthURLParam("code_challenge", codeChallenge),
			oauth2.SetAuthURLParam("code_challenge_method", codeChallengeMethod),
		)
	}
	return p.AuthCodeURL(state, opts...)
}

// Exchange redeems a Spotify authorization code with the broker's PKCE
// verifier.
func (p *Provider) Exchange(ctx context.Context, code, codeVerifier string) (*upstream.Token, error) {
	ctx, cancel := p.callContext(ctx)
	defer cancel()

	var opts []oauth2.AuthCodeOption
	if codeVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(codeVerifier))
	}

	tok, err := p.Config.Exchange(ctx, code, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}
	return fromOAuth2Token(tok, p.now()), nil
}

// Refresh obtains fresh credentials from a Spotify refresh token. Spotify
// does not always rotate the upstream refresh token; when the response
// omits one, the old token is carried forward.
func (p *Provider) Refresh(ctx context.Context, refreshToken string) (*upstream.Token, error) {
	ctx, cancel := p.callContext(ctx)
	defer cancel()

	src := p.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}

	result := fromOAuth2Token(tok, p.now())
	if result.RefreshToken == "" {
		result.RefreshToken = refreshToken
	}
	return result, nil
}

// callContext applies the request timeout and routes the oauth2 client
// through the configured HTTP client.
func (p *Provider) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, p.requestTimeout)
}

func (p *Provider) now() time.Time {
	return time.Now()
}

func fromOAuth2Token(tok *oauth2.Token, now time.Time) *upstream.Token {
	result := &upstream.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		result.Scope = scope
	}
	if !tok.Expiry.IsZero() {
		result.ExpiresIn = int64(tok.Expiry.Sub(now).Seconds())
	}
	return result
}
