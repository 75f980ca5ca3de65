package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared by all backends.
var (
	// ErrClientNotFound is returned when no client exists for an id.
	ErrClientNotFound = errors.New("client not found")

	// ErrAuthRequestNotFound is returned for unknown, expired-and-purged,
	// or already-consumed authorization requests.
	ErrAuthRequestNotFound = errors.New("authorization request not found")

	// ErrTokenRecordNotFound is returned for unknown or rotated-away
	// token records.
	ErrTokenRecordNotFound = errors.New("token record not found")
)

// Client is a registered OAuth client. Clients are created once at
// registration and never updated or deleted.
type Client struct {
	ClientID                string
	Name                    string
	RedirectURIs            []string
	GrantTypes              []string
	ResponseTypes           []string
	TokenEndpointAuthMethod string // always "none": public clients only
	Scope                   string // space-delimited, validated at registration
	IssuedAt                time.Time
}

// AuthRequest is the ephemeral state of one in-flight authorize attempt,
// keyed by an unguessable broker-generated id. The same id doubles as the
// state parameter sent upstream and as the authorization code handed back
// to the client, so no second mapping table is needed.
type AuthRequest struct {
	ID                    string
	ClientID              string
	RedirectURI           string
	OriginalState         string
	OriginalCodeChallenge string // the client's PKCE challenge (S256)
	OriginalScope         string // validated subset of supported scopes
	BrokerCodeVerifier    string // broker-side PKCE verifier for the upstream leg only
	UpstreamCode          string // set by the upstream callback; empty until then
	CreatedAt             time.Time
	ExpiresAt             time.Time
}

// Expired reports whether the request's TTL has elapsed at now.
func (r *AuthRequest) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// TokenRecord maps an internal reference id to the real upstream
// credentials. Records are replaced wholesale on every refresh: the old
// entry is deleted and a new token_id minted, which permanently
// invalidates the previous reference.
type TokenRecord struct {
	TokenID              string
	ClientID             string // owner
	UpstreamAccessToken  string
	UpstreamRefreshToken string
	Scope                string
	CreatedAt            time.Time
}

// ClientStore is the durable client registry. Registration is
// create-only; there is no update or delete.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// SaveClient persists a newly registered client
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by id, or ErrClientNotFound
	GetClient(ctx context.Context, clientID string) (*Client, error)
}

// AuthRequestStore holds in-flight authorization requests. Expiry is
// enforced lazily: Get and Consume must treat a past-TTL entry as absent
// and purge it.
type AuthRequestStore interface {
	// SaveAuthRequest stores a new authorization request
	SaveAuthRequest(ctx context.Context, req *AuthRequest) error

	// GetAuthRequest retrieves a live request by id, or
	// ErrAuthRequestNotFound (expired entries are purged on read)
	GetAuthRequest(ctx context.Context, id string) (*AuthRequest, error)

	// AttachUpstreamCode records the upstream authorization code on a
	// live request. The actual exchange is deferred to the token
	// endpoint.
	AttachUpstreamCode(ctx context.Context, id, code string) error

	// ConsumeAuthRequest atomically removes and returns a live request.
	// This is the sole replay defense for authorization codes: under
	// concurrent duplicate submissions exactly one caller succeeds and
	// every other caller gets ErrAuthRequestNotFound.
	ConsumeAuthRequest(ctx context.Context, id string) (*AuthRequest, error)
}

// TokenRecordStore is the indirection table for upstream credentials.
type TokenRecordStore interface {
	// SaveTokenRecord stores a new token record
	SaveTokenRecord(ctx context.Context, record *TokenRecord) error

	// GetTokenRecord retrieves a record by token id, or
	// ErrTokenRecordNotFound
	GetTokenRecord(ctx context.Context, tokenID string) (*TokenRecord, error)

	// PopTokenRecord atomically removes and returns a record. Refresh
	// rotation pops the old record so that two concurrent refreshes of
	// the same token race safely and exactly one succeeds.
	PopTokenRecord(ctx context.Context, tokenID string) (*TokenRecord, error)
}
