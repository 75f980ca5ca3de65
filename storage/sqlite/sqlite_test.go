package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/chordia-dev/chordia/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "clients.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndGetClient(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	client := &storage.Client{
		ClientID:                "client-1",
		Name:                    "Test App",
		RedirectURIs:            []string{"https://app.example.com/cb", "http://localhost:3000/cb"},
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		TokenEndpointAuthMethod: "none",
		Scope:                   "user-read-private user-read-email",
		IssuedAt:                time.Now().Truncate(time.Second),
	}
	if err := s.SaveClient(ctx, client); err != nil {
		t.Fatalf("SaveClient: %v", err)
	}

	got, err := s.GetClient(ctx, "client-1")
	if err != nil {
		t.Fatalf("GetClient: %v", err)
	}
	if got.Name != client.Name {
		t.Errorf("name = %q, want %q", got.Name, client.Name)
	}
	if len(got.RedirectURIs) != 2 || got.RedirectURIs[0] != client.RedirectURIs[0] {
		t.Errorf("redirect URIs = %v", got.RedirectURIs)
	}
	if got.TokenEndpointAuthMethod != "none" {
		t.Errorf("auth method = %q", got.TokenEndpointAuthMethod)
	}
	if !got.IssuedAt.Equal(client.IssuedAt) {
		t.Errorf("issued at = %v, want %v", got.IssuedAt, client.IssuedAt)
	}
}

func TestGetClient_NotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetClient(context.Background(), "missing"); !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("expected ErrClientNotFound, got %v", err)
	}
}

func TestSaveClient_Upsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	client := &storage.Client{
		ClientID:      "client-1",
		Name:          "Before",
		RedirectURIs:  []string{"https://a/cb"},
		GrantTypes:    []string{"authorization_code"},
		ResponseTypes: []string{"code"},
		IssuedAt:      time.Now(),
	}
	if err := s.SaveClient(ctx, client); err != nil {
		t.Fatalf("SaveClient: %v", err)
	}
	client.Name = "After"
	if err := s.SaveClient(ctx, client); err != nil {
		t.Fatalf("SaveClient (update): %v", err)
	}

	got, err := s.GetClient(ctx, "client-1")
	if err != nil {
		t.Fatalf("GetClient: %v", err)
	}
	if got.Name != "After" {
		t.Errorf("name = %q, want After", got.Name)
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clients.db")
	ctx := context.Background()

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.SaveClient(ctx, &storage.Client{
		ClientID:      "client-1",
		Name:          "Durable",
		RedirectURIs:  []string{"https://a/cb"},
		GrantTypes:    []string{"authorization_code"},
		ResponseTypes: []string{"code"},
		IssuedAt:      time.Now(),
	}); err != nil {
		t.Fatalf("SaveClient: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	got, err := s2.GetClient(ctx, "client-1")
	if err != nil {
		t.Fatalf("GetClient after reopen: %v", err)
	}
	if got.Name != "Durable" {
		t.Errorf("name = %q, want Durable", got.Name)
	}
}
