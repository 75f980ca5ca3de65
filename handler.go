package chordia

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/chordia-dev/chordia/instrumentation"
	"github.com/chordia-dev/chordia/security"
	"github.com/chordia-dev/chordia/storage/memory"
	"github.com/chordia-dev/chordia/tokens"
	"github.com/chordia-dev/chordia/upstream"
)

type principalContextKey struct{}

// Handler exposes the broker over HTTP. All endpoints apply security
// headers; /register and /token additionally pass the rate limiter.
type Handler struct {
	server  *Server
	logger  *slog.Logger
	limiter *security.RateLimiter
	auditor *security.Auditor
	inst    *instrumentation.Instrumentation
	tracer  trace.Tracer
	config  Config

	// ownedStore is the memory store NewHandler created itself, if any.
	ownedStore *memory.Store
}

// NewHandler wires a complete broker: defaults are an in-memory store
// for everything, a token issuer from SigningSecret, and disabled
// instrumentation.
func NewHandler(cfg Config) (*Handler, error) {
	cfg.ServerConfig.applyDefaults()

	if cfg.Upstream == nil {
		return nil, fmt.Errorf("upstream exchanger is required")
	}

	var ownedStore *memory.Store
	if cfg.Clients == nil || cfg.AuthRequests == nil || cfg.TokenRecords == nil {
		store := memory.New()
		ownedStore = store
		store.SetLogger(cfg.Logger)
		store.SetTokenRecordTTL(cfg.RefreshTokenTTL)
		if cfg.EncryptTokensAtRest {
			enc, err := security.NewEncryptorFromSecret(cfg.SigningSecret)
			if err != nil {
				return nil, fmt.Errorf("failed to create encryptor: %w", err)
			}
			store.SetEncryptor(enc)
		}
		if cfg.Clients == nil {
			cfg.Clients = store
		}
		if cfg.AuthRequests == nil {
			cfg.AuthRequests = store
		}
		if cfg.TokenRecords == nil {
			cfg.TokenRecords = store
		}
	}

	issuer := cfg.Issuer
	if issuer == nil {
		var err error
		issuer, err = tokens.NewIssuer(tokens.Config{
			Secret:     cfg.SigningSecret,
			Issuer:     cfg.BaseURL,
			AccessTTL:  cfg.AccessTokenTTL,
			RefreshTTL: cfg.RefreshTokenTTL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create token issuer: %w", err)
		}
	}

	inst := cfg.Instrumentation
	if inst == nil {
		var err error
		inst, err = instrumentation.New(instrumentation.Config{Enabled: false})
		if err != nil {
			return nil, fmt.Errorf("failed to create instrumentation: %w", err)
		}
	}
	if ownedStore != nil {
		err := inst.RegisterStoreSizeCallbacks(
			func() int64 { c, _, _ := ownedStore.Counts(); return c },
			func() int64 { _, a, _ := ownedStore.Counts(); return a },
			func() int64 { _, _, t := ownedStore.Counts(); return t },
		)
		if err != nil {
			return nil, fmt.Errorf("failed to register store gauges: %w", err)
		}
	}

	up := &instrumentedUpstream{Exchanger: cfg.Upstream, inst: inst}
	server, err := NewServer(cfg.ServerConfig, up, cfg.Clients, cfg.AuthRequests, cfg.TokenRecords, issuer)
	if err != nil {
		return nil, err
	}

	var limiter *security.RateLimiter
	if cfg.RateLimitPerSecond > 0 {
		burst := cfg.RateLimitBurst
		if burst <= 0 {
			burst = int(cfg.RateLimitPerSecond)
			if burst < 1 {
				burst = 1
			}
		}
		limiter = security.NewRateLimiter(cfg.RateLimitPerSecond, burst, cfg.Logger)
	}

	auditor := cfg.Auditor
	if auditor == nil {
		auditor = security.NewAuditor(cfg.Logger, cfg.AuditEnabled)
	}

	return &Handler{
		server:     server,
		logger:     cfg.Logger,
		limiter:    limiter,
		auditor:    auditor,
		inst:       inst,
		tracer:     inst.Tracer("http"),
		config:     cfg,
		ownedStore: ownedStore,
	}, nil
}

// Server returns the underlying protocol server.
func (h *Handler) Server() *Server {
	return h.server
}

// Close releases handler-owned background resources.
func (h *Handler) Close() {
	if h.limiter != nil {
		h.limiter.Stop()
	}
	if h.ownedStore != nil {
		h.ownedStore.Stop()
	}
}

// Routes returns a mux with all broker endpoints mounted, wrapped in the
// request ID middleware.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/oauth-protected-resource", h.ServeProtectedResourceMetadata)
	mux.HandleFunc("/.well-known/oauth-authorization-server", h.ServeAuthorizationServerMetadata)
	mux.HandleFunc("/register", h.ServeClientRegistration)
	mux.HandleFunc("/authorize", h.ServeAuthorization)
	mux.HandleFunc("/callback/spotify", h.ServeCallback)
	mux.HandleFunc("/token", h.ServeToken)
	mux.HandleFunc("/health", h.ServeHealth)
	return security.RequestIDMiddleware(mux)
}

// ==================== endpoints ====================

// ServeHealth handles GET /health.
func (h *Handler) ServeHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, r, ErrInvalidRequest("method not allowed"))
		return
	}
	h.writeJSON(w, r, http.StatusOK, h.server.Health())
}

// ServeProtectedResourceMetadata handles the RFC 9728 well-known endpoint.
func (h *Handler) ServeProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	h.setCORSHeaders(w, r)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodGet {
		h.writeError(w, r, ErrInvalidRequest("method not allowed"))
		return
	}
	h.writeJSON(w, r, http.StatusOK, h.server.ProtectedResourceMetadata())
	h.recordHTTP(r, "/.well-known/oauth-protected-resource", http.StatusOK, start)
}

// ServeAuthorizationServerMetadata handles the RFC 8414 well-known endpoint.
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	h.setCORSHeaders(w, r)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodGet {
		h.writeError(w, r, ErrInvalidRequest("method not allowed"))
		return
	}
	h.writeJSON(w, r, http.StatusOK, h.server.AuthorizationServerMetadata())
	h.recordHTTP(r, "/.well-known/oauth-authorization-server", http.StatusOK, start)
}

// ServeClientRegistration handles POST /register (RFC 7591).
func (h *Handler) ServeClientRegistration(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := h.tracer.Start(r.Context(), "oauth.register")
	defer span.End()

	h.setCORSHeaders(w, r)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		h.writeError(w, r, ErrInvalidRequest("method not allowed"))
		return
	}

	clientIP := security.GetClientIP(r, h.config.TrustProxyHeaders)
	if !h.allow(ctx, clientIP, "/register") {
		h.writeError(w, r, ErrRateLimitExceeded("too many registration requests"))
		h.recordHTTP(r, "/register", http.StatusTooManyRequests, start)
		return
	}

	var req ClientRegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, ErrInvalidClientMetadata("request body is not valid JSON"))
		h.recordHTTP(r, "/register", http.StatusBadRequest, start)
		return
	}

	resp, err := h.server.RegisterClient(ctx, &req)
	if err != nil {
		oauthErr := AsError(err)
		instrumentation.SetSpanError(span, oauthErr.Code)
		h.auditor.LogAuthFailure("", clientIP, oauthErr.Code)
		h.writeError(w, r, err)
		h.recordHTTP(r, "/register", oauthErr.Status, start)
		return
	}

	instrumentation.SetSpanSuccess(span)
	instrumentation.AddFlowAttributes(span, resp.ClientID, resp.Scope)
	h.inst.Metrics().RecordClientRegistration(ctx)
	h.auditor.LogClientRegistered(resp.ClientID, resp.ClientName, clientIP)
	h.writeJSON(w, r, http.StatusCreated, resp)
	h.recordHTTP(r, "/register", http.StatusCreated, start)
}

// ServeAuthorization handles GET /authorize and redirects the client's
// user agent to Spotify.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := h.tracer.Start(r.Context(), "oauth.authorize")
	defer span.End()

	if r.Method != http.MethodGet {
		h.writeError(w, r, ErrInvalidRequest("method not allowed"))
		return
	}

	q := r.URL.Query()
	params := AuthorizationParams{
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		ResponseType:        q.Get("response_type"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		Scope:               q.Get("scope"),
	}

	clientIP := security.GetClientIP(r, h.config.TrustProxyHeaders)
	redirectURL, err := h.server.StartAuthorization(ctx, params)
	if err != nil {
		oauthErr := AsError(err)
		instrumentation.SetSpanError(span, oauthErr.Code)
		h.auditor.LogAuthFailure(params.ClientID, clientIP, oauthErr.Code)
		h.writeError(w, r, err)
		h.recordHTTP(r, "/authorize", oauthErr.Status, start)
		return
	}

	instrumentation.SetSpanSuccess(span)
	instrumentation.AddFlowAttributes(span, params.ClientID, params.Scope)
	h.inst.Metrics().RecordAuthorizationStarted(ctx, params.ClientID)
	h.auditor.LogAuthorizationStarted(params.ClientID, clientIP, params.Scope)

	security.SetSecurityHeaders(w, h.config.BaseURL)
	http.Redirect(w, r, redirectURL, http.StatusFound)
	h.recordHTTP(r, "/authorize", http.StatusFound, start)
}

// ServeCallback handles GET /callback/spotify, the upstream redirect.
func (h *Handler) ServeCallback(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := h.tracer.Start(r.Context(), "oauth.callback")
	defer span.End()

	if r.Method != http.MethodGet {
		h.writeError(w, r, ErrInvalidRequest("method not allowed"))
		return
	}

	q := r.URL.Query()
	redirectURL, err := h.server.HandleUpstreamCallback(ctx, q.Get("state"), q.Get("code"), q.Get("error"))
	if err != nil {
		oauthErr := AsError(err)
		instrumentation.SetSpanError(span, oauthErr.Code)
		h.inst.Metrics().RecordCallbackProcessed(ctx, false)
		h.writeError(w, r, err)
		h.recordHTTP(r, "/callback/spotify", oauthErr.Status, start)
		return
	}

	instrumentation.SetSpanSuccess(span)
	h.inst.Metrics().RecordCallbackProcessed(ctx, true)

	security.SetSecurityHeaders(w, h.config.BaseURL)
	http.Redirect(w, r, redirectURL, http.StatusFound)
	h.recordHTTP(r, "/callback/spotify", http.StatusFound, start)
}

// ServeToken handles POST /token for both supported grants.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := h.tracer.Start(r.Context(), "oauth.token")
	defer span.End()

	h.setCORSHeaders(w, r)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		h.writeError(w, r, ErrInvalidRequest("method not allowed"))
		return
	}

	clientIP := security.GetClientIP(r, h.config.TrustProxyHeaders)
	if !h.allow(ctx, clientIP, "/token") {
		h.writeError(w, r, ErrRateLimitExceeded("too many token requests"))
		h.recordHTTP(r, "/token", http.StatusTooManyRequests, start)
		return
	}

	if err := r.ParseForm(); err != nil {
		h.writeError(w, r, ErrInvalidRequest("request body is not a valid form"))
		h.recordHTTP(r, "/token", http.StatusBadRequest, start)
		return
	}

	grantType := r.PostFormValue("grant_type")
	clientID := r.PostFormValue("client_id")
	if clientID == "" {
		h.writeError(w, r, ErrInvalidClient("client_id is required"))
		h.recordHTTP(r, "/token", http.StatusUnauthorized, start)
		return
	}

	var (
		resp *TokenResponse
		err  error
	)
	switch grantType {
	case "authorization_code":
		resp, err = h.server.ExchangeAuthorizationCode(ctx,
			clientID,
			r.PostFormValue("code"),
			r.PostFormValue("redirect_uri"),
			r.PostFormValue("code_verifier"),
		)
		if err == nil {
			h.inst.Metrics().RecordCodeExchange(ctx, clientID)
			h.auditor.LogTokenIssued(clientID, resp.AccessToken, clientIP, resp.Scope)
		}
	case "refresh_token":
		oldToken := r.PostFormValue("refresh_token")
		resp, err = h.server.RefreshAccessToken(ctx, clientID, oldToken)
		if err == nil {
			h.inst.Metrics().RecordTokenRefresh(ctx, clientID)
			h.auditor.LogTokenRefreshed(clientID, oldToken, resp.AccessToken, clientIP)
		}
	default:
		err = ErrUnsupportedGrantType(fmt.Sprintf("grant type %q is not supported", grantType))
	}

	if err != nil {
		oauthErr := AsError(err)
		instrumentation.SetSpanError(span, oauthErr.Code)
		switch oauthErr.Code {
		case ErrorCodePKCEFailed:
			h.inst.Metrics().RecordPKCEValidationFailed(ctx)
			h.auditor.LogPKCEFailure(clientID, clientIP)
		case ErrorCodeInvalidGrant:
			h.inst.Metrics().RecordCodeReplayDetected(ctx)
			h.auditor.LogAuthFailure(clientID, clientIP, oauthErr.Code)
		default:
			h.auditor.LogAuthFailure(clientID, clientIP, oauthErr.Code)
		}
		h.writeError(w, r, err)
		h.recordHTTP(r, "/token", oauthErr.Status, start)
		return
	}

	instrumentation.SetSpanSuccess(span)
	instrumentation.AddFlowAttributes(span, clientID, resp.Scope)
	h.writeJSON(w, r, http.StatusOK, resp)
	h.recordHTTP(r, "/token", http.StatusOK, start)
}

// ==================== upstream instrumentation ====================

// instrumentedUpstream decorates an Exchanger with call metrics. The
// authorization URL leg involves no broker-side network call and is not
// measured.
type instrumentedUpstream struct {
	upstream.Exchanger
	inst *instrumentation.Instrumentation
}

func (u *instrumentedUpstream) Exchange(ctx context.Context, code, codeVerifier string) (*upstream.Token, error) {
	start := time.Now()
	tok, err := u.Exchanger.Exchange(ctx, code, codeVerifier)
	u.inst.Metrics().RecordUpstreamCall(ctx, "exchange", float64(time.Since(start).Milliseconds()), err)
	return tok, err
}

func (u *instrumentedUpstream) Refresh(ctx context.Context, refreshToken string) (*upstream.Token, error) {
	start := time.Now()
	tok, err := u.Exchanger.Refresh(ctx, refreshToken)
	u.inst.Metrics().RecordUpstreamCall(ctx, "refresh", float64(time.Since(start).Milliseconds()), err)
	return tok, err
}

// ==================== bearer middleware ====================

// Authenticate wraps a resource handler with bearer verification. On
// success the request context carries a Principal retrievable via
// PrincipalFromContext; on failure the response is a 401 with a
// WWW-Authenticate challenge.
func (h *Handler) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			w.Header().Set("WWW-Authenticate", `Bearer resource_metadata="`+h.config.BaseURL+`/.well-known/oauth-protected-resource"`)
			h.writeError(w, r, ErrInvalidToken("missing bearer token"))
			return
		}

		principal, err := h.server.VerifyAccessToken(r.Context(), token)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
			h.writeError(w, r, err)
			return
		}

		ctx := context.WithValue(r.Context(), principalContextKey{}, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// PrincipalFromContext returns the Principal set by Authenticate.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalContextKey{}).(*Principal)
	return p, ok
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return "", false
	}
	return auth[len(prefix):], true
}

// ==================== plumbing ====================

func (h *Handler) allow(ctx context.Context, clientIP, endpoint string) bool {
	if h.limiter == nil {
		return true
	}
	if h.limiter.Allow(clientIP) {
		return true
	}
	h.inst.Metrics().RecordRateLimitExceeded(ctx, endpoint)
	h.auditor.LogRateLimitExceeded(clientIP, endpoint)
	return false
}

func (h *Handler) recordHTTP(r *http.Request, endpoint string, status int, start time.Time) {
	h.inst.Metrics().RecordHTTPRequest(r.Context(), r.Method, endpoint, status, float64(time.Since(start).Milliseconds()))
}

func (h *Handler) setCORSHeaders(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	if len(h.config.AllowedOrigins) == 0 {
		w.Header().Set("Access-Control-Allow-Origin", "*")
	} else if contains(h.config.AllowedOrigins, origin) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Vary", "Origin")
	} else {
		return
	}
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
}

func (h *Handler) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	security.SetSecurityHeaders(w, h.config.BaseURL)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response",
			"error", err,
			"request_id", security.GetRequestID(r.Context()))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	oauthErr := AsError(err)
	h.logger.Warn("Request failed",
		"error_code", oauthErr.Code,
		"status", oauthErr.Status,
		"path", r.URL.Path,
		"request_id", security.GetRequestID(r.Context()))

	security.SetSecurityHeaders(w, h.config.BaseURL)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(oauthErr.Status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            oauthErr.Code,
		ErrorDescription: oauthErr.Description,
	})
}
