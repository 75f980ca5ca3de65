package security

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestAuditor_HashesTokenID(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	auditor := NewAuditor(logger, true)

	auditor.LogTokenIssued("client-1", "secret-token-id", "1.2.3.4", "user-read-private")

	out := buf.String()
	if strings.Contains(out, "secret-token-id") {
		t.Error("audit log contains raw token ID")
	}
	if !strings.Contains(out, "token_issued") {
		t.Error("audit log missing event type")
	}
	if !strings.Contains(out, "client-1") {
		t.Error("audit log missing client ID")
	}
}

func TestAuditor_DisabledIsSilent(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	auditor := NewAuditor(logger, false)

	auditor.LogAuthFailure("client-1", "1.2.3.4", "invalid_grant")
	if buf.Len() != 0 {
		t.Errorf("disabled auditor produced output: %s", buf.String())
	}
}

func TestHashForLogging(t *testing.T) {
	if got := hashForLogging(""); got != "<empty>" {
		t.Errorf("expected <empty>, got %q", got)
	}
	a := hashForLogging("value-a")
	b := hashForLogging("value-b")
	if a == b {
		t.Error("distinct values hashed identically")
	}
	if len(a) != 16 {
		t.Errorf("expected 16-char hash, got %d", len(a))
	}
}

func TestSetSecurityHeaders(t *testing.T) {
	tests := []struct {
		name      string
		serverURL string
		wantHSTS  bool
	}{
		{"https sets HSTS", "https://broker.example.com", true},
		{"http omits HSTS", "http://localhost:8080", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			SetSecurityHeaders(rec, tt.serverURL)

			if got := rec.Header().Get("X-Frame-Options"); got != "DENY" {
				t.Errorf("X-Frame-Options = %q", got)
			}
			if got := rec.Header().Get("Cache-Control"); !strings.Contains(got, "no-store") {
				t.Errorf("Cache-Control = %q", got)
			}
			hsts := rec.Header().Get("Strict-Transport-Security")
			if tt.wantHSTS && hsts == "" {
				t.Error("expected HSTS header")
			}
			if !tt.wantHSTS && hsts != "" {
				t.Error("unexpected HSTS header on plain HTTP")
			}
		})
	}
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		xRealIP    string
		trustProxy bool
		want       string
	}{
		{"direct connection", "203.0.113.5:4321", "", "", false, "203.0.113.5"},
		{"spoofed XFF ignored when untrusted", "203.0.113.5:4321", "10.0.0.1", "", false, "203.0.113.5"},
		{"XFF honored when trusted", "10.0.0.1:80", "198.51.100.7, 10.0.0.1", "", true, "198.51.100.7"},
		{"X-Real-IP fallback", "10.0.0.1:80", "", "198.51.100.9", true, "198.51.100.9"},
		{"invalid XFF falls through", "10.0.0.1:80", "not-an-ip", "", true, "10.0.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xRealIP != "" {
				r.Header.Set("X-Real-IP", tt.xRealIP)
			}
			if got := GetClientIP(r, tt.trustProxy); got != tt.want {
				t.Errorf("GetClientIP = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	var captured string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = GetRequestID(r.Context())
	}))

	t.Run("generates when absent", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		if captured == "" {
			t.Fatal("no request ID in context")
		}
		if rec.Header().Get(RequestIDHeader) != captured {
			t.Error("response header does not match context request ID")
		}
	})

	t.Run("preserves valid upstream ID", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set(RequestIDHeader, "upstream-id-123")
		handler.ServeHTTP(httptest.NewRecorder(), r)
		if captured != "upstream-id-123" {
			t.Errorf("expected upstream ID preserved, got %q", captured)
		}
	})

	t.Run("replaces invalid upstream ID", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set(RequestIDHeader, "bad\r\nid")
		handler.ServeHTTP(httptest.NewRecorder(), r)
		if captured == "bad\r\nid" {
			t.Error("invalid upstream ID was preserved")
		}
	})
}
