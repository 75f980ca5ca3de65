// Package pkce implements the Proof Key for Code Exchange primitives from
// RFC 7636. Only the S256 challenge method is supported.
package pkce

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"

	"golang.org/x/oauth2"
)

// MethodS256 is the only code_challenge_method this package supports.
// The 'plain' method is deprecated in OAuth 2.1 and never accepted.
const MethodS256 = "S256"

// Verifier length bounds per RFC 7636 Section 4.1.
const (
	MinVerifierLength = 43
	MaxVerifierLength = 128
)

// GeneratePair returns a fresh high-entropy code verifier and its S256
// challenge. The verifier is a 43-character URL-safe string.
func GeneratePair() (verifier, challenge string) {
	verifier = oauth2.GenerateVerifier()
	return verifier, oauth2.S256ChallengeFromVerifier(verifier)
}

// Challenge computes the unpadded base64url S256 challenge for a verifier.
func Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Verify reports whether verifier matches the stored S256 challenge.
// Malformed input (wrong length or characters outside the RFC 7636
// unreserved set) returns false; the comparison is constant-time.
func Verify(verifier, challenge string) bool {
	if !validVerifier(verifier) || challenge == "" {
		return false
	}
	computed := Challenge(verifier)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

// validVerifier checks the RFC 7636 charset [A-Za-z0-9-._~] and length bounds.
func validVerifier(verifier string) bool {
	if len(verifier) < MinVerifierLength || len(verifier) > MaxVerifierLength {
		return false
	}
	for _, ch := range verifier {
		if (ch < 'A' || ch > 'Z') && (ch < 'a' || ch > 'z') && (ch < '0' || ch > '9') &&
			ch != '-' && ch != '.' && ch != '_' && ch != '~' {
			return false
		}
	}
	return true
}
