// Package upstream defines the interface to the identity provider the
// broker front-ends. The broker runs its own PKCE-protected leg against
// the provider and never exposes provider credentials to clients.
package upstream

import "context"

// Token holds credentials returned by the provider.
type Token struct {
	AccessToken  string
	RefreshToken string
	Scope        string
	ExpiresIn    int64
}

// Exchanger is the provider-facing side of the broker flow.
type Exchanger interface {
	// Name returns the provider name for logging and metrics.
	Name() string

	// AuthorizationURL builds the provider authorization URL. The state
	// parameter correlates the callback with a pending broker request;
	// the challenge belongs to the broker's own PKCE pair.
	AuthorizationURL(state, codeChallenge, codeChallengeMethod string) string

	// Exchange redeems a provider authorization code, presenting the
	// broker's code verifier.
	Exchange(ctx context.Context, code, codeVerifier string) (*Token, error)

	// Refresh obtains fresh credentials from a provider refresh token.
	Refresh(ctx context.Context, refreshToken string) (*Token, error)
}
