package chordia

import (
	"log/slog"
	"time"

	"github.com/chordia-dev/chordia/instrumentation"
	"github.com/chordia-dev/chordia/security"
	"github.com/chordia-dev/chordia/storage"
	"github.com/chordia-dev/chordia/tokens"
	"github.com/chordia-dev/chordia/upstream"
)

// DefaultSupportedScopes is the full Spotify scope set the broker
// requests upstream. Clients may only request subsets of it.
var DefaultSupportedScopes = []string{
	"user-read-private",
	"user-read-email",
	"user-read-playback-state",
	"user-modify-playback-state",
	"playlist-read-private",
	"playlist-read-collaborative",
	"playlist-modify-public",
	"playlist-modify-private",
	"user-library-read",
	"user-library-modify",
	"user-read-currently-playing",
	"user-read-playback-position",
}

// Flow defaults.
const (
	// DefaultAuthRequestTTL bounds how long an authorization attempt may
	// sit between /authorize and /token.
	DefaultAuthRequestTTL = 5 * time.Minute

	// DefaultAccessTokenTTL applies when the upstream response carries no
	// expiry. Issued access tokens otherwise mirror the upstream lifetime.
	DefaultAccessTokenTTL = time.Hour

	// DefaultRefreshTokenTTL is the internal refresh token lifetime.
	DefaultRefreshTokenTTL = 365 * 24 * time.Hour
)

// ServerConfig configures the protocol orchestrator.
type ServerConfig struct {
	// BaseURL is the broker's externally visible URL. It doubles as the
	// metadata issuer and the "iss" claim of internal tokens.
	BaseURL string

	// AppName and Env identify the deployment in the health endpoint.
	AppName string
	Env     string

	// SupportedScopes is the scope universe. Defaults to
	// DefaultSupportedScopes.
	SupportedScopes []string

	// SigningSecret signs internal tokens and, when encryption is
	// enabled, derives the at-rest encryption key.
	SigningSecret []byte

	// TTLs. Zero values take the defaults above.
	AuthRequestTTL  time.Duration
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (c *ServerConfig) applyDefaults() {
	if len(c.SupportedScopes) == 0 {
		c.SupportedScopes = DefaultSupportedScopes
	}
	if c.AuthRequestTTL == 0 {
		c.AuthRequestTTL = DefaultAuthRequestTTL
	}
	if c.AccessTokenTTL == 0 {
		c.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if c.RefreshTokenTTL == 0 {
		c.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.AppName == "" {
		c.AppName = "chordia"
	}
}

// Config configures a fully wired Handler.
type Config struct {
	ServerConfig

	// Upstream is the identity provider adapter (required).
	Upstream upstream.Exchanger

	// Stores. Nil stores default to a shared in-memory implementation.
	Clients      storage.ClientStore
	AuthRequests storage.AuthRequestStore
	TokenRecords storage.TokenRecordStore

	// Issuer overrides the token issuer built from SigningSecret.
	Issuer *tokens.Issuer

	// EncryptTokensAtRest derives an AES-256-GCM key from SigningSecret
	// and encrypts stored upstream credentials. Only honored by stores
	// wired up by NewHandler.
	EncryptTokensAtRest bool

	// Rate limiting for /register and /token. Zero values disable it.
	RateLimitPerSecond float64
	RateLimitBurst     int

	// TrustProxyHeaders enables X-Forwarded-For / X-Real-IP handling.
	TrustProxyHeaders bool

	// AuditEnabled turns on security audit logging.
	AuditEnabled bool

	// AllowedOrigins configures CORS. Empty allows any origin, matching
	// a public registration endpoint.
	AllowedOrigins []string

	// Instrumentation provides metrics and tracing. Nil means disabled
	// (no-op providers).
	Instrumentation *instrumentation.Instrumentation

	// Auditor overrides the auditor built from Logger and AuditEnabled.
	Auditor *security.Auditor
}
