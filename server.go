package chordia

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/chordia-dev/chordia/pkce"
	"github.com/chordia-dev/chordia/storage"
	"github.com/chordia-dev/chordia/tokens"
	"github.com/chordia-dev/chordia/upstream"
)

// ID sizes in random bytes before base64url encoding.
const (
	clientIDBytes = 16
	authIDBytes   = 16
	tokenIDBytes  = 32
)

var (
	supportedGrantTypes    = []string{"authorization_code", "refresh_token"}
	supportedResponseTypes = []string{"code"}
)

// Server orchestrates the broker protocol: client registration, the
// double-hop authorization flow, token issuance with rotation, and
// bearer verification. Transport concerns live in Handler.
type Server struct {
	upstream upstream.Exchanger
	clients  storage.ClientStore
	requests storage.AuthRequestStore
	records  storage.TokenRecordStore
	issuer   *tokens.Issuer

	config ServerConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewServer creates a broker server. All stores, the upstream adapter,
// and the token issuer are required.
func NewServer(cfg ServerConfig, up upstream.Exchanger, clients storage.ClientStore, requests storage.AuthRequestStore, records storage.TokenRecordStore, issuer *tokens.Issuer) (*Server, error) {
	if up == nil {
		return nil, fmt.Errorf("upstream exchanger is required")
	}
	if clients == nil || requests == nil || records == nil {
		return nil, fmt.Errorf("all stores are required")
	}
	if issuer == nil {
		return nil, fmt.Errorf("token issuer is required")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	cfg.applyDefaults()

	return &Server{
		upstream: up,
		clients:  clients,
		requests: requests,
		records:  records,
		issuer:   issuer,
		config:   cfg,
		logger:   cfg.Logger,
		now:      time.Now,
	}, nil
}

// SetTimeSource overrides the time source (for testing).
func (s *Server) SetTimeSource(now func() time.Time) {
	s.now = now
}

// randomToken returns n bytes of crypto/rand entropy, base64url-encoded
// without padding.
func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// ==================== registration ====================

// RegisterClient registers a public client per RFC 7591. Registration is
// create-only; the response never contains a secret.
func (s *Server) RegisterClient(ctx context.Context, req *ClientRegistrationRequest) (*ClientRegistrationResponse, error) {
	if req == nil {
		return nil, ErrInvalidClientMetadata("registration request body is required")
	}
	if len(req.RedirectURIs) == 0 {
		return nil, ErrInvalidClientMetadata("redirect_uris is required and must be non-empty")
	}
	for _, raw := range req.RedirectURIs {
		u, err := url.Parse(raw)
		if err != nil || !u.IsAbs() || u.Host == "" {
			return nil, ErrInvalidClientMetadata(fmt.Sprintf("redirect URI %q is not an absolute URL", raw))
		}
	}

	grantTypes := req.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = supportedGrantTypes
	}
	for _, gt := range grantTypes {
		if !contains(supportedGrantTypes, gt) {
			return nil, ErrUnsupportedGrantType(fmt.Sprintf("grant type %q is not supported", gt))
		}
	}

	responseTypes := req.ResponseTypes
	if len(responseTypes) == 0 {
		responseTypes = supportedResponseTypes
	}
	for _, rt := range responseTypes {
		if !contains(supportedResponseTypes, rt) {
			return nil, ErrUnsupportedResponseType(fmt.Sprintf("response type %q is not supported", rt))
		}
	}

	authMethod := req.TokenEndpointAuthMethod
	if authMethod == "" {
		authMethod = "none"
	}
	if authMethod != "none" {
		return nil, ErrInvalidClientMetadata("only public clients are supported; token_endpoint_auth_method must be \"none\"")
	}

	scope := strings.TrimSpace(req.Scope)
	if scope != "" {
		if err := s.validateScope(scope); err != nil {
			return nil, err
		}
	} else {
		scope = strings.Join(s.config.SupportedScopes, " ")
	}

	clientID, err := randomToken(clientIDBytes)
	if err != nil {
		return nil, err
	}

	client := &storage.Client{
		ClientID:                clientID,
		Name:                    req.ClientName,
		RedirectURIs:            append([]string(nil), req.RedirectURIs...),
		GrantTypes:              append([]string(nil), grantTypes...),
		ResponseTypes:           append([]string(nil), responseTypes...),
		TokenEndpointAuthMethod: authMethod,
		Scope:                   scope,
		IssuedAt:                s.now(),
	}
	if err := s.clients.SaveClient(ctx, client); err != nil {
		return nil, fmt.Errorf("failed to save client: %w", err)
	}

	s.logger.Info("Client registered", "client_id", clientID, "client_name", client.Name)

	return &ClientRegistrationResponse{
		ClientID:                clientID,
		ClientIDIssuedAt:        client.IssuedAt.Unix(),
		ClientName:              client.Name,
		RedirectURIs:            client.RedirectURIs,
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           client.ResponseTypes,
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
		Scope:                   client.Scope,
	}, nil
}

// ==================== authorization ====================

// AuthorizationParams carries the query parameters of a client's
// /authorize request.
type AuthorizationParams struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Scope               string
}

// StartAuthorization validates an /authorize request, stores the pending
// attempt, and returns the upstream authorization URL the client should
// be redirected to. The attempt's id travels upstream as the state
// parameter and later returns to the client as the authorization code.
func (s *Server) StartAuthorization(ctx context.Context, params AuthorizationParams) (string, error) {
	if params.ResponseType != "code" {
		return "", ErrUnsupportedResponseType(fmt.Sprintf("response type %q is not supported", params.ResponseType))
	}

	client, err := s.clients.GetClient(ctx, params.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return "", ErrInvalidClient("unknown client")
		}
		return "", fmt.Errorf("failed to look up client: %w", err)
	}

	if !contains(client.RedirectURIs, params.RedirectURI) {
		return "", ErrInvalidRedirectURI("redirect_uri is not registered for this client")
	}

	if params.CodeChallenge == "" {
		return "", ErrInvalidRequest("code_challenge is required")
	}
	if params.CodeChallengeMethod != pkce.MethodS256 {
		return "", ErrInvalidRequest("code_challenge_method must be S256")
	}

	scope := strings.TrimSpace(params.Scope)
	if scope == "" {
		return "", ErrInvalidScope("scope is required")
	}
	if err := s.validateScope(scope); err != nil {
		return "", err
	}

	authID, err := randomToken(authIDBytes)
	if err != nil {
		return "", err
	}
	brokerVerifier, brokerChallenge := pkce.GeneratePair()

	now := s.now()
	req := &storage.AuthRequest{
		ID:                    authID,
		ClientID:              params.ClientID,
		RedirectURI:           params.RedirectURI,
		OriginalState:         params.State,
		OriginalCodeChallenge: params.CodeChallenge,
		OriginalScope:         scope,
		BrokerCodeVerifier:    brokerVerifier,
		CreatedAt:             now,
		ExpiresAt:             now.Add(s.config.AuthRequestTTL),
	}
	if err := s.requests.SaveAuthRequest(ctx, req); err != nil {
		return "", fmt.Errorf("failed to save authorization request: %w", err)
	}

	s.logger.Info("Authorization flow started",
		"client_id", params.ClientID,
		"scope", scope,
		"upstream", s.upstream.Name())

	// The upstream leg always asks for the broker's full scope set; the
	// client's validated subset governs the issued token's scope string.
	return s.upstream.AuthorizationURL(authID, brokerChallenge, pkce.MethodS256), nil
}

// HandleUpstreamCallback processes the provider redirect. On success it
// attaches the upstream code to the pending request and returns the URL
// that sends the client its authorization code (the request id) together
// with its original state. The upstream exchange itself is deferred to
// the token endpoint, after the client proves possession of its PKCE
// verifier.
func (s *Server) HandleUpstreamCallback(ctx context.Context, state, code, upstreamErr string) (string, error) {
	if state == "" {
		return "", ErrInvalidRequest("state is required")
	}

	req, err := s.requests.GetAuthRequest(ctx, state)
	if err != nil {
		if errors.Is(err, storage.ErrAuthRequestNotFound) {
			return "", ErrInvalidRequest("unknown or expired authorization request")
		}
		return "", fmt.Errorf("failed to look up authorization request: %w", err)
	}

	if upstreamErr != "" {
		// Provider denied or failed; the attempt is dead. Forward the
		// error to the client's redirect URI with its original state.
		_, _ = s.requests.ConsumeAuthRequest(ctx, state)
		s.logger.Warn("Upstream authorization failed",
			"client_id", req.ClientID,
			"upstream_error", upstreamErr)
		return buildRedirect(req.RedirectURI, url.Values{
			"error": {upstreamErr},
			"state": {req.OriginalState},
		})
	}

	if code == "" {
		return "", ErrInvalidRequest("code is required")
	}

	if err := s.requests.AttachUpstreamCode(ctx, state, code); err != nil {
		if errors.Is(err, storage.ErrAuthRequestNotFound) {
			return "", ErrInvalidRequest("unknown or expired authorization request")
		}
		return "", fmt.Errorf("failed to record upstream code: %w", err)
	}

	s.logger.Info("Upstream callback processed", "client_id", req.ClientID)

	return buildRedirect(req.RedirectURI, url.Values{
		"code":  {req.ID},
		"state": {req.OriginalState},
	})
}

// ==================== token endpoint ====================

// ExchangeAuthorizationCode redeems a broker authorization code. The
// request is consumed atomically up front, so a replayed code fails with
// invalid_grant regardless of how the first submission fared. The
// upstream exchange happens only after the client's PKCE verifier checks
// out.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, clientID, code, redirectURI, codeVerifier string) (*TokenResponse, error) {
	if code == "" {
		return nil, ErrInvalidRequest("code is required")
	}

	req, err := s.requests.ConsumeAuthRequest(ctx, code)
	if err != nil {
		if errors.Is(err, storage.ErrAuthRequestNotFound) {
			return nil, ErrInvalidGrant("authorization code is invalid, expired, or already used")
		}
		return nil, fmt.Errorf("failed to consume authorization request: %w", err)
	}

	if req.ClientID != clientID {
		return nil, ErrInvalidClient("authorization code was issued to a different client")
	}
	if req.RedirectURI != redirectURI {
		return nil, ErrInvalidRequest("redirect_uri does not match the authorization request")
	}
	if !pkce.Verify(codeVerifier, req.OriginalCodeChallenge) {
		s.logger.Warn("PKCE verification failed", "client_id", clientID)
		return nil, ErrPKCEFailed("code verifier does not match the challenge")
	}
	if req.UpstreamCode == "" {
		return nil, ErrInvalidGrant("authorization was not completed upstream")
	}

	upTok, err := s.upstream.Exchange(ctx, req.UpstreamCode, req.BrokerCodeVerifier)
	if err != nil {
		s.logger.Error("Upstream code exchange failed",
			"client_id", clientID,
			"upstream", s.upstream.Name(),
			"error", err)
		return nil, ErrServerError("upstream token exchange failed")
	}

	resp, err := s.mintTokens(ctx, clientID, req.OriginalScope, upTok)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Tokens issued", "client_id", clientID, "scope", req.OriginalScope)
	return resp, nil
}

// RefreshAccessToken rotates a refresh token: the old token record is
// popped, fresh upstream credentials are fetched, and a brand-new
// token_id is minted. The old refresh token can never succeed again
// because nothing resolves its token_id anymore.
func (s *Server) RefreshAccessToken(ctx context.Context, clientID, refreshToken string) (*TokenResponse, error) {
	claims, err := s.issuer.VerifyRefresh(refreshToken)
	if err != nil {
		return nil, ErrInvalidGrant("refresh token is invalid or expired")
	}

	record, err := s.records.GetTokenRecord(ctx, claims.TokenID)
	if err != nil {
		if errors.Is(err, storage.ErrTokenRecordNotFound) {
			return nil, ErrInvalidGrant("refresh token has been rotated or revoked")
		}
		return nil, fmt.Errorf("failed to look up token record: %w", err)
	}
	if record.ClientID != clientID {
		return nil, ErrInvalidClient("refresh token was issued to a different client")
	}

	// The upstream call happens before the pop so a provider outage
	// leaves the old record intact and the client can retry.
	upTok, err := s.upstream.Refresh(ctx, record.UpstreamRefreshToken)
	if err != nil {
		s.logger.Error("Upstream token refresh failed",
			"client_id", clientID,
			"upstream", s.upstream.Name(),
			"error", err)
		return nil, ErrServerError("upstream token refresh failed")
	}

	if _, err := s.records.PopTokenRecord(ctx, claims.TokenID); err != nil {
		if errors.Is(err, storage.ErrTokenRecordNotFound) {
			// A concurrent refresh won the race and rotated first.
			return nil, ErrInvalidGrant("refresh token has been rotated or revoked")
		}
		return nil, fmt.Errorf("failed to rotate token record: %w", err)
	}

	resp, err := s.mintTokens(ctx, clientID, record.Scope, upTok)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Tokens refreshed", "client_id", clientID)
	return resp, nil
}

// mintTokens stores a fresh token record for the upstream credentials
// and signs an internal access/refresh pair referencing it.
func (s *Server) mintTokens(ctx context.Context, clientID, scope string, upTok *upstream.Token) (*TokenResponse, error) {
	tokenID, err := randomToken(tokenIDBytes)
	if err != nil {
		return nil, err
	}

	record := &storage.TokenRecord{
		TokenID:              tokenID,
		ClientID:             clientID,
		UpstreamAccessToken:  upTok.AccessToken,
		UpstreamRefreshToken: upTok.RefreshToken,
		Scope:                scope,
		CreatedAt:            s.now(),
	}
	if err := s.records.SaveTokenRecord(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to save token record: %w", err)
	}

	accessTTL := s.config.AccessTokenTTL
	if upTok.ExpiresIn > 0 {
		accessTTL = time.Duration(upTok.ExpiresIn) * time.Second
	}

	accessToken, err := s.issuer.IssueAccess(tokenID, accessTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to issue access token: %w", err)
	}
	refreshTok, err := s.issuer.IssueRefresh(tokenID)
	if err != nil {
		return nil, fmt.Errorf("failed to issue refresh token: %w", err)
	}

	return &TokenResponse{
		AccessToken:  accessToken,
		TokenType:    "bearer",
		ExpiresIn:    int64(accessTTL.Seconds()),
		RefreshToken: refreshTok,
		Scope:        scope,
	}, nil
}

// ==================== verification ====================

// Principal identifies the caller behind a verified bearer token. The
// upstream access token is resolved through the record store so resource
// handlers can forward calls without ever seeing broker internals.
type Principal struct {
	ClientID            string
	Scopes              []string
	UpstreamAccessToken string
}

// VerifyAccessToken checks a bearer token end-to-end: signature, issuer,
// expiry, type, and a live token record. A structurally valid token
// whose record was rotated away is rejected the same as a forged one.
func (s *Server) VerifyAccessToken(ctx context.Context, token string) (*Principal, error) {
	claims, err := s.issuer.VerifyAccess(token)
	if err != nil {
		return nil, ErrInvalidToken("access token is invalid or expired")
	}

	record, err := s.records.GetTokenRecord(ctx, claims.TokenID)
	if err != nil {
		if errors.Is(err, storage.ErrTokenRecordNotFound) {
			return nil, ErrInvalidToken("access token no longer resolves")
		}
		return nil, fmt.Errorf("failed to look up token record: %w", err)
	}

	return &Principal{
		ClientID:            record.ClientID,
		Scopes:              strings.Fields(record.Scope),
		UpstreamAccessToken: record.UpstreamAccessToken,
	}, nil
}

// ==================== metadata ====================

// ProtectedResourceMetadata builds the RFC 9728 document.
func (s *Server) ProtectedResourceMetadata() *ProtectedResourceMetadata {
	return &ProtectedResourceMetadata{
		Resource:             s.config.BaseURL,
		AuthorizationServers: []string{s.config.BaseURL},
		ScopesSupported:      s.config.SupportedScopes,
	}
}

// AuthorizationServerMetadata builds the RFC 8414 document.
func (s *Server) AuthorizationServerMetadata() *AuthorizationServerMetadata {
	base := strings.TrimRight(s.config.BaseURL, "/")
	return &AuthorizationServerMetadata{
		Issuer:                            s.config.BaseURL,
		AuthorizationEndpoint:             base + "/authorize",
		TokenEndpoint:                     base + "/token",
		RegistrationEndpoint:              base + "/register",
		ScopesSupported:                   s.config.SupportedScopes,
		ResponseTypesSupported:            supportedResponseTypes,
		GrantTypesSupported:               supportedGrantTypes,
		TokenEndpointAuthMethodsSupported: []string{"none"},
		CodeChallengeMethodsSupported:     []string{pkce.MethodS256},
	}
}

// Health builds the /health document.
func (s *Server) Health() *HealthResponse {
	return &HealthResponse{
		Status: "ok",
		App:    s.config.AppName,
		Env:    s.config.Env,
	}
}

// ==================== helpers ====================

// validateScope checks every space-delimited scope value against the
// supported set.
func (s *Server) validateScope(scope string) error {
	for _, sc := range strings.Fields(scope) {
		if !contains(s.config.SupportedScopes, sc) {
			return ErrInvalidScope(fmt.Sprintf("scope %q is not supported", sc))
		}
	}
	return nil
}

func contains(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}

// buildRedirect appends query parameters to a redirect URI, preserving
// any query the client registered.
func buildRedirect(redirectURI string, params url.Values) (string, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return "", fmt.Errorf("failed to parse redirect URI: %w", err)
	}
	q := u.Query()
	for key, values := range params {
		for _, v := range values {
			q.Set(key, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
