// Package chordia implements an OAuth 2.0 authorization-code broker
// between third-party clients and the Spotify accounts service.
//
// The broker registers downstream clients dynamically (RFC 7591), runs a
// PKCE-protected double-hop authorization-code flow (RFC 6749, RFC 7636),
// and hands out signed internal tokens that reference, but never embed,
// the real upstream credentials. Toward Spotify the broker acts as one
// registered application, multiplexing all downstream clients.
package chordia

// ProtectedResourceMetadata is the OAuth 2.0 Protected Resource Metadata
// document (RFC 9728) served at /.well-known/oauth-protected-resource.
type ProtectedResourceMetadata struct {
	// Resource is the identifier for the protected resource
	Resource string `json:"resource"`

	// AuthorizationServers lists the authorization servers that can issue tokens for this resource
	AuthorizationServers []string `json:"authorization_servers"`

	// ScopesSupported lists the scopes understood by this resource
	ScopesSupported []string `json:"scopes_supported,omitempty"`
}

// AuthorizationServerMetadata is the OAuth 2.0 Authorization Server
// Metadata document (RFC 8414) served at
// /.well-known/oauth-authorization-server.
type AuthorizationServerMetadata struct {
	// Issuer is the broker's issuer identifier URL
	Issuer string `json:"issuer"`

	// AuthorizationEndpoint is the URL of the authorization endpoint
	AuthorizationEndpoint string `json:"authorization_endpoint"`

	// TokenEndpoint is the URL of the token endpoint
	TokenEndpoint string `json:"token_endpoint"`

	// RegistrationEndpoint is the URL of the dynamic client registration endpoint (RFC 7591)
	RegistrationEndpoint string `json:"registration_endpoint"`

	// ScopesSupported lists the OAuth scopes supported
	ScopesSupported []string `json:"scopes_supported,omitempty"`

	// ResponseTypesSupported lists the OAuth response types supported
	ResponseTypesSupported []string `json:"response_types_supported"`

	// GrantTypesSupported lists the OAuth grant types supported
	GrantTypesSupported []string `json:"grant_types_supported,omitempty"`

	// TokenEndpointAuthMethodsSupported lists the client authentication methods supported at the token endpoint
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`

	// CodeChallengeMethodsSupported lists the PKCE code challenge methods supported
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`
}

// ClientRegistrationRequest is a dynamic client registration request
// (RFC 7591). The broker only issues public clients, so no secret-related
// fields exist.
type ClientRegistrationRequest struct {
	// ClientName is the human-readable name of the client
	ClientName string `json:"client_name,omitempty"`

	// RedirectURIs is the array of redirection URIs for redirect-based flows (required, non-empty)
	RedirectURIs []string `json:"redirect_uris,omitempty"`

	// GrantTypes is the array of OAuth 2.0 grant types the client will use
	GrantTypes []string `json:"grant_types,omitempty"`

	// ResponseTypes is the array of OAuth 2.0 response types the client will use
	ResponseTypes []string `json:"response_types,omitempty"`

	// TokenEndpointAuthMethod is the requested token endpoint auth method.
	// Only "none" is accepted; empty defaults to "none".
	TokenEndpointAuthMethod string `json:"token_endpoint_auth_method,omitempty"`

	// Scope is the space-separated list of scope values the client may request
	Scope string `json:"scope,omitempty"`
}

// ClientRegistrationResponse echoes the registered client metadata
// (RFC 7591). No secret is ever issued.
type ClientRegistrationResponse struct {
	// ClientID is the unique client identifier
	ClientID string `json:"client_id"`

	// ClientIDIssuedAt is the time the client_id was issued (Unix seconds)
	ClientIDIssuedAt int64 `json:"client_id_issued_at"`

	// ClientName is the human-readable name of the client
	ClientName string `json:"client_name,omitempty"`

	// RedirectURIs is the array of registered redirection URIs
	RedirectURIs []string `json:"redirect_uris"`

	// GrantTypes is the array of registered OAuth 2.0 grant types
	GrantTypes []string `json:"grant_types"`

	// ResponseTypes is the array of registered OAuth 2.0 response types
	ResponseTypes []string `json:"response_types"`

	// TokenEndpointAuthMethod is always "none" (public clients only)
	TokenEndpointAuthMethod string `json:"token_endpoint_auth_method"`

	// Scope is the space-separated list of registered scope values
	Scope string `json:"scope,omitempty"`
}

// TokenResponse is an OAuth 2.0 token response from the broker's /token
// endpoint. Both tokens are broker-internal; upstream credentials never
// appear here.
type TokenResponse struct {
	// AccessToken is the signed internal access token
	AccessToken string `json:"access_token"`

	// TokenType is always "bearer"
	TokenType string `json:"token_type"`

	// ExpiresIn is the access token lifetime in seconds, mirroring the
	// upstream token's lifetime
	ExpiresIn int64 `json:"expires_in"`

	// RefreshToken is the signed internal refresh token (one-time-use)
	RefreshToken string `json:"refresh_token,omitempty"`

	// Scope is the validated scope string requested at authorize time
	Scope string `json:"scope,omitempty"`
}

// ErrorResponse is the JSON error body for every broker error.
type ErrorResponse struct {
	// Error is the OAuth error code
	Error string `json:"error"`

	// ErrorDescription provides additional information
	ErrorDescription string `json:"error_description,omitempty"`
}

// HealthResponse is the body of the /health endpoint.
type HealthResponse struct {
	Status string `json:"status"`
	App    string `json:"app"`
	Env    string `json:"env"`
}
