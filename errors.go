package chordia

import (
	"errors"
	"fmt"
	"net/http"
)

// OAuth error codes returned by the broker. The RFC 6749/7591 codes are
// joined by pkce_failed, which the broker reports when the client's code
// verifier does not match the challenge recorded at authorize time.
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeInvalidScope            = "invalid_scope"
	ErrorCodeInvalidToken            = "invalid_token"
	ErrorCodeInvalidRedirectURI      = "invalid_redirect_uri"
	ErrorCodeInvalidClientMetadata   = "invalid_client_metadata"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodePKCEFailed              = "pkce_failed"
	ErrorCodeServerError             = "server_error"
	ErrorCodeRateLimitExceeded       = "rate_limit_exceeded"
)

// Error is a structured OAuth 2.0 error response.
type Error struct {
	Code        string // OAuth error code (e.g., "invalid_grant", "pkce_failed")
	Description string // Short human-readable description, safe to return to clients
	Status      int    // HTTP status code
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewError creates a new OAuth error.
func NewError(code, description string, status int) *Error {
	return &Error{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// AsError extracts an *Error from err, or wraps err into a sanitized
// server_error so internal detail never reaches a client.
func AsError(err error) *Error {
	var oauthErr *Error
	if errors.As(err, &oauthErr) {
		return oauthErr
	}
	return ErrServerError("internal server error")
}

// Constructors for the broker's error taxonomy. All errors are terminal
// for the current call; the broker never retries on behalf of the caller.
var (
	// ErrInvalidRequest indicates malformed or missing parameters, or a
	// redirect URI that does not match the one used at authorize time.
	ErrInvalidRequest = func(desc string) *Error {
		return NewError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	// ErrInvalidClient indicates an unknown client or an ownership mismatch.
	ErrInvalidClient = func(desc string) *Error {
		return NewError(ErrorCodeInvalidClient, desc, http.StatusUnauthorized)
	}

	// ErrInvalidGrant indicates an expired, consumed, or unknown
	// authorization code or refresh token.
	ErrInvalidGrant = func(desc string) *Error {
		return NewError(ErrorCodeInvalidGrant, desc, http.StatusBadRequest)
	}

	// ErrInvalidScope indicates a scope outside the supported set.
	ErrInvalidScope = func(desc string) *Error {
		return NewError(ErrorCodeInvalidScope, desc, http.StatusBadRequest)
	}

	// ErrInvalidToken indicates an invalid or expired bearer token.
	ErrInvalidToken = func(desc string) *Error {
		return NewError(ErrorCodeInvalidToken, desc, http.StatusUnauthorized)
	}

	// ErrInvalidRedirectURI indicates a redirect URI not registered for
	// the client.
	ErrInvalidRedirectURI = func(desc string) *Error {
		return NewError(ErrorCodeInvalidRedirectURI, desc, http.StatusBadRequest)
	}

	// ErrInvalidClientMetadata indicates a malformed registration request.
	ErrInvalidClientMetadata = func(desc string) *Error {
		return NewError(ErrorCodeInvalidClientMetadata, desc, http.StatusBadRequest)
	}

	// ErrUnsupportedGrantType indicates a grant type outside
	// {authorization_code, refresh_token}.
	ErrUnsupportedGrantType = func(desc string) *Error {
		return NewError(ErrorCodeUnsupportedGrantType, desc, http.StatusBadRequest)
	}

	// ErrUnsupportedResponseType indicates a response type other than "code".
	ErrUnsupportedResponseType = func(desc string) *Error {
		return NewError(ErrorCodeUnsupportedResponseType, desc, http.StatusBadRequest)
	}

	// ErrPKCEFailed indicates the code verifier did not match the
	// challenge presented at authorize time. No tokens are issued.
	ErrPKCEFailed = func(desc string) *Error {
		return NewError(ErrorCodePKCEFailed, desc, http.StatusBadRequest)
	}

	// ErrServerError indicates an upstream provider failure.
	ErrServerError = func(desc string) *Error {
		return NewError(ErrorCodeServerError, desc, http.StatusBadGateway)
	}

	// ErrRateLimitExceeded indicates the caller exceeded a rate limit.
	ErrRateLimitExceeded = func(desc string) *Error {
		return NewError(ErrorCodeRateLimitExceeded, desc, http.StatusTooManyRequests)
	}
)
