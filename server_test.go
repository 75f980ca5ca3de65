package chordia

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/chordia-dev/chordia/internal/testutil"
	"github.com/chordia-dev/chordia/pkce"
	"github.com/chordia-dev/chordia/storage/memory"
	"github.com/chordia-dev/chordia/tokens"
)

const testBaseURL = "https://broker.example.com"

type serverFixture struct {
	server   *Server
	upstream *testutil.FakeUpstream
	store    *memory.Store
	issuer   *tokens.Issuer
	clock    *testutil.Clock
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()

	clock := testutil.NewClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	store := memory.NewWithInterval(0)
	t.Cleanup(store.Stop)
	store.SetTimeSource(clock.Now)

	issuer, err := tokens.NewIssuer(tokens.Config{
		Secret: []byte("test-signing-secret"),
		Issuer: testBaseURL,
		Now:    clock.Now,
	})
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}

	up := &testutil.FakeUpstream{}
	srv, err := NewServer(ServerConfig{BaseURL: testBaseURL}, up, store, store, store, issuer)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	srv.SetTimeSource(clock.Now)

	return &serverFixture{server: srv, upstream: up, store: store, issuer: issuer, clock: clock}
}

func (f *serverFixture) registerClient(t *testing.T) *ClientRegistrationResponse {
	t.Helper()
	resp, err := f.server.RegisterClient(context.Background(), &ClientRegistrationRequest{
		ClientName:   "Test App",
		RedirectURIs: []string{"https://app.example.com/cb"},
		Scope:        "user-read-private user-read-email",
	})
	if err != nil {
		t.Fatalf("RegisterClient: %v", err)
	}
	return resp
}

// runAuthorization walks register → authorize → callback and returns the
// broker authorization code along with the client's PKCE verifier.
func (f *serverFixture) runAuthorization(t *testing.T, clientID string) (code, verifier string) {
	t.Helper()
	ctx := context.Background()

	verifier, challenge := pkce.GeneratePair()
	_, err := f.server.StartAuthorization(ctx, AuthorizationParams{
		ClientID:            clientID,
		RedirectURI:         "https://app.example.com/cb",
		ResponseType:        "code",
		State:               "client-state",
		CodeChallenge:       challenge,
		CodeChallengeMethod: pkce.MethodS256,
		Scope:               "user-read-private user-read-email",
	})
	if err != nil {
		t.Fatalf("StartAuthorization: %v", err)
	}

	authID := f.upstream.AuthStates[len(f.upstream.AuthStates)-1]
	redirect, err := f.server.HandleUpstreamCallback(ctx, authID, "up-code", "")
	if err != nil {
		t.Fatalf("HandleUpstreamCallback: %v", err)
	}

	u, err := url.Parse(redirect)
	if err != nil {
		t.Fatalf("parse redirect: %v", err)
	}
	return u.Query().Get("code"), verifier
}

func TestFullRoundTrip(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()

	reg := f.registerClient(t)
	if reg.TokenEndpointAuthMethod != "none" {
		t.Errorf("auth method = %q, want none", reg.TokenEndpointAuthMethod)
	}

	code, verifier := f.runAuthorization(t, reg.ClientID)
	if code == "" {
		t.Fatal("no authorization code in callback redirect")
	}

	resp, err := f.server.ExchangeAuthorizationCode(ctx, reg.ClientID, code, "https://app.example.com/cb", verifier)
	if err != nil {
		t.Fatalf("ExchangeAuthorizationCode: %v", err)
	}

	if resp.TokenType != "bearer" {
		t.Errorf("token_type = %q", resp.TokenType)
	}
	if resp.ExpiresIn != 3600 {
		t.Errorf("expires_in = %d, want 3600 (mirrors upstream)", resp.ExpiresIn)
	}
	if resp.Scope != "user-read-private user-read-email" {
		t.Errorf("scope = %q", resp.Scope)
	}

	// The upstream exchange used the broker's verifier and the deferred code
	if got := f.upstream.ExchangedCodes[0]; got != "up-code" {
		t.Errorf("upstream code = %q", got)
	}
	if got := f.upstream.ExchangedVerifiers[0]; got == verifier || got == "" {
		t.Errorf("upstream leg must use the broker's own verifier, got %q", got)
	}

	// The issued tokens reference a live record holding the upstream credentials
	claims, err := f.issuer.VerifyAccess(resp.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccess: %v", err)
	}
	record, err := f.store.GetTokenRecord(ctx, claims.TokenID)
	if err != nil {
		t.Fatalf("GetTokenRecord: %v", err)
	}
	if record.UpstreamAccessToken != "up-access" || record.ClientID != reg.ClientID {
		t.Errorf("unexpected record %+v", record)
	}

	// The access token never embeds upstream credentials
	if strings.Contains(resp.AccessToken, "up-access") {
		t.Error("access token embeds the upstream credential")
	}

	// Bearer verification resolves the principal end to end
	principal, err := f.server.VerifyAccessToken(ctx, resp.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccessToken: %v", err)
	}
	if principal.ClientID != reg.ClientID {
		t.Errorf("principal client = %q", principal.ClientID)
	}
	if principal.UpstreamAccessToken != "up-access" {
		t.Errorf("principal upstream token = %q", principal.UpstreamAccessToken)
	}
	if len(principal.Scopes) != 2 {
		t.Errorf("principal scopes = %v", principal.Scopes)
	}
}

func TestExchange_CodeReplay(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()

	reg := f.registerClient(t)
	code, verifier := f.runAuthorization(t, reg.ClientID)

	if _, err := f.server.ExchangeAuthorizationCode(ctx, reg.ClientID, code, "https://app.example.com/cb", verifier); err != nil {
		t.Fatalf("first exchange: %v", err)
	}

	_, err := f.server.ExchangeAuthorizationCode(ctx, reg.ClientID, code, "https://app.example.com/cb", verifier)
	assertErrorCode(t, err, ErrorCodeInvalidGrant)
}

func TestExchange_PKCEMismatch(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()

	reg := f.registerClient(t)
	code, _ := f.runAuthorization(t, reg.ClientID)

	wrongVerifier, _ := pkce.GeneratePair()
	_, err := f.server.ExchangeAuthorizationCode(ctx, reg.ClientID, code, "https://app.example.com/cb", wrongVerifier)
	assertErrorCode(t, err, ErrorCodePKCEFailed)

	// No upstream exchange happened and no record was created
	if len(f.upstream.ExchangedCodes) != 0 {
		t.Error("upstream exchange ran despite PKCE failure")
	}
	_, _, records := f.store.Counts()
	if records != 0 {
		t.Errorf("expected no token records, got %d", records)
	}
}

func TestExchange_RedirectMismatch(t *testing.T) {
	f := newServerFixture(t)
	reg := f.registerClient(t)
	code, verifier := f.runAuthorization(t, reg.ClientID)

	_, err := f.server.ExchangeAuthorizationCode(context.Background(), reg.ClientID, code, "https://evil.example.com/cb", verifier)
	assertErrorCode(t, err, ErrorCodeInvalidRequest)
}

func TestExchange_WrongClient(t *testing.T) {
	f := newServerFixture(t)
	reg := f.registerClient(t)
	code, verifier := f.runAuthorization(t, reg.ClientID)

	_, err := f.server.ExchangeAuthorizationCode(context.Background(), "someone-else", code, "https://app.example.com/cb", verifier)
	assertErrorCode(t, err, ErrorCodeInvalidClient)
}

func TestExchange_CallbackNeverHappened(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()
	reg := f.registerClient(t)

	verifier, challenge := pkce.GeneratePair()
	if _, err := f.server.StartAuthorization(ctx, AuthorizationParams{
		ClientID:            reg.ClientID,
		RedirectURI:         "https://app.example.com/cb",
		ResponseType:        "code",
		CodeChallenge:       challenge,
		CodeChallengeMethod: pkce.MethodS256,
		Scope:               "user-read-private",
	}); err != nil {
		t.Fatalf("StartAuthorization: %v", err)
	}
	authID := f.upstream.AuthStates[0]

	// The auth_id is the code, but no upstream code was ever attached
	_, err := f.server.ExchangeAuthorizationCode(ctx, reg.ClientID, authID, "https://app.example.com/cb", verifier)
	assertErrorCode(t, err, ErrorCodeInvalidGrant)
}

func TestExchange_UpstreamFailureIsTerminal(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()
	reg := f.registerClient(t)
	code, verifier := f.runAuthorization(t, reg.ClientID)

	f.upstream.ExchangeErr = context.DeadlineExceeded
	_, err := f.server.ExchangeAuthorizationCode(ctx, reg.ClientID, code, "https://app.example.com/cb", verifier)
	assertErrorCode(t, err, ErrorCodeServerError)

	// The code was consumed; retrying is invalid_grant, not a second attempt
	_, err = f.server.ExchangeAuthorizationCode(ctx, reg.ClientID, code, "https://app.example.com/cb", verifier)
	assertErrorCode(t, err, ErrorCodeInvalidGrant)
}

func TestAuthRequestExpiry(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()
	reg := f.registerClient(t)

	_, challenge := pkce.GeneratePair()
	if _, err := f.server.StartAuthorization(ctx, AuthorizationParams{
		ClientID:            reg.ClientID,
		RedirectURI:         "https://app.example.com/cb",
		ResponseType:        "code",
		CodeChallenge:       challenge,
		CodeChallengeMethod: pkce.MethodS256,
		Scope:               "user-read-private",
	}); err != nil {
		t.Fatalf("StartAuthorization: %v", err)
	}
	authID := f.upstream.AuthStates[0]

	f.clock.Advance(6 * time.Minute)

	_, err := f.server.HandleUpstreamCallback(ctx, authID, "up-code", "")
	assertErrorCode(t, err, ErrorCodeInvalidRequest)
}

func TestRefreshRotation(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()
	reg := f.registerClient(t)
	code, verifier := f.runAuthorization(t, reg.ClientID)

	first, err := f.server.ExchangeAuthorizationCode(ctx, reg.ClientID, code, "https://app.example.com/cb", verifier)
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}

	second, err := f.server.RefreshAccessToken(ctx, reg.ClientID, first.RefreshToken)
	if err != nil {
		t.Fatalf("RefreshAccessToken: %v", err)
	}
	if second.RefreshToken == first.RefreshToken {
		t.Error("refresh token was not rotated")
	}
	if second.Scope != first.Scope {
		t.Errorf("scope changed across refresh: %q -> %q", first.Scope, second.Scope)
	}

	// The upstream refresh used the stored upstream refresh token
	if got := f.upstream.RefreshedTokens[0]; got != "up-refresh" {
		t.Errorf("upstream refresh token = %q", got)
	}

	// The old refresh token is permanently dead
	_, err = f.server.RefreshAccessToken(ctx, reg.ClientID, first.RefreshToken)
	assertErrorCode(t, err, ErrorCodeInvalidGrant)

	// The old access token no longer resolves either
	_, err = f.server.VerifyAccessToken(ctx, first.AccessToken)
	assertErrorCode(t, err, ErrorCodeInvalidToken)

	// The new pair works
	if _, err := f.server.VerifyAccessToken(ctx, second.AccessToken); err != nil {
		t.Errorf("new access token rejected: %v", err)
	}
}

func TestRefresh_WrongOwner(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()
	reg := f.registerClient(t)
	code, verifier := f.runAuthorization(t, reg.ClientID)

	resp, err := f.server.ExchangeAuthorizationCode(ctx, reg.ClientID, code, "https://app.example.com/cb", verifier)
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}

	_, err = f.server.RefreshAccessToken(ctx, "another-client", resp.RefreshToken)
	assertErrorCode(t, err, ErrorCodeInvalidClient)
}

func TestRefresh_UpstreamFailureKeepsOldToken(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()
	reg := f.registerClient(t)
	code, verifier := f.runAuthorization(t, reg.ClientID)

	resp, err := f.server.ExchangeAuthorizationCode(ctx, reg.ClientID, code, "https://app.example.com/cb", verifier)
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}

	f.upstream.RefreshErr = context.DeadlineExceeded
	_, err = f.server.RefreshAccessToken(ctx, reg.ClientID, resp.RefreshToken)
	assertErrorCode(t, err, ErrorCodeServerError)

	// The record survived; the client can retry once upstream recovers
	f.upstream.RefreshErr = nil
	if _, err := f.server.RefreshAccessToken(ctx, reg.ClientID, resp.RefreshToken); err != nil {
		t.Errorf("retry after upstream recovery failed: %v", err)
	}
}

func TestStartAuthorization_Validation(t *testing.T) {
	f := newServerFixture(t)
	reg := f.registerClient(t)
	_, challenge := pkce.GeneratePair()

	valid := AuthorizationParams{
		ClientID:            reg.ClientID,
		RedirectURI:         "https://app.example.com/cb",
		ResponseType:        "code",
		CodeChallenge:       challenge,
		CodeChallengeMethod: pkce.MethodS256,
		Scope:               "user-read-private",
	}

	tests := []struct {
		name     string
		mutate   func(*AuthorizationParams)
		wantCode string
	}{
		{"bad response type", func(p *AuthorizationParams) { p.ResponseType = "token" }, ErrorCodeUnsupportedResponseType},
		{"unknown client", func(p *AuthorizationParams) { p.ClientID = "missing" }, ErrorCodeInvalidClient},
		{"unregistered redirect", func(p *AuthorizationParams) { p.RedirectURI = "https://evil.example.com/cb" }, ErrorCodeInvalidRedirectURI},
		{"missing challenge", func(p *AuthorizationParams) { p.CodeChallenge = "" }, ErrorCodeInvalidRequest},
		{"plain method", func(p *AuthorizationParams) { p.CodeChallengeMethod = "plain" }, ErrorCodeInvalidRequest},
		{"empty scope", func(p *AuthorizationParams) { p.Scope = "" }, ErrorCodeInvalidScope},
		{"unsupported scope", func(p *AuthorizationParams) { p.Scope = "ugc-image-upload" }, ErrorCodeInvalidScope},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := valid
			tt.mutate(&params)
			_, err := f.server.StartAuthorization(context.Background(), params)
			assertErrorCode(t, err, tt.wantCode)
		})
	}
}

func TestHandleUpstreamCallback_ErrorForwarded(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()
	reg := f.registerClient(t)

	_, challenge := pkce.GeneratePair()
	if _, err := f.server.StartAuthorization(ctx, AuthorizationParams{
		ClientID:            reg.ClientID,
		RedirectURI:         "https://app.example.com/cb",
		ResponseType:        "code",
		State:               "xyz",
		CodeChallenge:       challenge,
		CodeChallengeMethod: pkce.MethodS256,
		Scope:               "user-read-private",
	}); err != nil {
		t.Fatalf("StartAuthorization: %v", err)
	}
	authID := f.upstream.AuthStates[0]

	redirect, err := f.server.HandleUpstreamCallback(ctx, authID, "", "access_denied")
	if err != nil {
		t.Fatalf("HandleUpstreamCallback: %v", err)
	}
	u, _ := url.Parse(redirect)
	if u.Query().Get("error") != "access_denied" {
		t.Errorf("error param = %q", u.Query().Get("error"))
	}
	if u.Query().Get("state") != "xyz" {
		t.Errorf("state param = %q", u.Query().Get("state"))
	}

	// The attempt is dead; its id cannot be exchanged
	_, err = f.server.ExchangeAuthorizationCode(ctx, reg.ClientID, authID, "https://app.example.com/cb", "verifier")
	assertErrorCode(t, err, ErrorCodeInvalidGrant)
}

func TestRegisterClient_Validation(t *testing.T) {
	f := newServerFixture(t)

	tests := []struct {
		name     string
		req      ClientRegistrationRequest
		wantCode string
	}{
		{"no redirect URIs", ClientRegistrationRequest{}, ErrorCodeInvalidClientMetadata},
		{"relative redirect URI", ClientRegistrationRequest{RedirectURIs: []string{"/cb"}}, ErrorCodeInvalidClientMetadata},
		{"bad grant type", ClientRegistrationRequest{
			RedirectURIs: []string{"https://a/cb"},
			GrantTypes:   []string{"client_credentials"},
		}, ErrorCodeUnsupportedGrantType},
		{"bad response type", ClientRegistrationRequest{
			RedirectURIs:  []string{"https://a/cb"},
			ResponseTypes: []string{"token"},
		}, ErrorCodeUnsupportedResponseType},
		{"secret auth method", ClientRegistrationRequest{
			RedirectURIs:            []string{"https://a/cb"},
			TokenEndpointAuthMethod: "client_secret_basic",
		}, ErrorCodeInvalidClientMetadata},
		{"unsupported scope", ClientRegistrationRequest{
			RedirectURIs: []string{"https://a/cb"},
			Scope:        "streaming",
		}, ErrorCodeInvalidScope},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.server.RegisterClient(context.Background(), &tt.req)
			assertErrorCode(t, err, tt.wantCode)
		})
	}
}

func TestRegisterClient_Defaults(t *testing.T) {
	f := newServerFixture(t)

	resp, err := f.server.RegisterClient(context.Background(), &ClientRegistrationRequest{
		RedirectURIs: []string{"https://app.example.com/cb"},
	})
	if err != nil {
		t.Fatalf("RegisterClient: %v", err)
	}
	if len(resp.GrantTypes) != 2 {
		t.Errorf("default grant types = %v", resp.GrantTypes)
	}
	if len(resp.ResponseTypes) != 1 || resp.ResponseTypes[0] != "code" {
		t.Errorf("default response types = %v", resp.ResponseTypes)
	}
	if resp.Scope != strings.Join(DefaultSupportedScopes, " ") {
		t.Errorf("default scope = %q", resp.Scope)
	}
	if resp.ClientID == "" {
		t.Error("no client_id issued")
	}
}

func TestMetadata(t *testing.T) {
	f := newServerFixture(t)

	asm := f.server.AuthorizationServerMetadata()
	if asm.Issuer != testBaseURL {
		t.Errorf("issuer = %q", asm.Issuer)
	}
	if asm.AuthorizationEndpoint != testBaseURL+"/authorize" {
		t.Errorf("authorization endpoint = %q", asm.AuthorizationEndpoint)
	}
	if len(asm.CodeChallengeMethodsSupported) != 1 || asm.CodeChallengeMethodsSupported[0] != "S256" {
		t.Errorf("challenge methods = %v", asm.CodeChallengeMethodsSupported)
	}
	if len(asm.TokenEndpointAuthMethodsSupported) != 1 || asm.TokenEndpointAuthMethodsSupported[0] != "none" {
		t.Errorf("auth methods = %v", asm.TokenEndpointAuthMethodsSupported)
	}

	prm := f.server.ProtectedResourceMetadata()
	if prm.Resource != testBaseURL {
		t.Errorf("resource = %q", prm.Resource)
	}
	if len(prm.AuthorizationServers) != 1 || prm.AuthorizationServers[0] != testBaseURL {
		t.Errorf("authorization servers = %v", prm.AuthorizationServers)
	}
}

func assertErrorCode(t *testing.T, err error, wantCode string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", wantCode)
	}
	oauthErr := AsError(err)
	if oauthErr.Code != wantCode {
		t.Fatalf("error code = %q, want %q (err: %v)", oauthErr.Code, wantCode, err)
	}
}
