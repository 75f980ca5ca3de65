// Package security provides the broker's cross-cutting protections:
// at-rest encryption of upstream credentials, per-IP rate limiting,
// security audit logging, response security headers, client IP
// extraction, and request ID propagation.
package security
