// Package sqlite provides a durable ClientStore backed by SQLite.
// Registered clients survive broker restarts; short-lived authorization
// requests and token records stay in memory.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/chordia-dev/chordia/storage"
)

var _ storage.ClientStore = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS clients (
	client_id                  TEXT PRIMARY KEY,
	name                       TEXT NOT NULL,
	redirect_uris              TEXT NOT NULL,
	grant_types                TEXT NOT NULL,
	response_types             TEXT NOT NULL,
	token_endpoint_auth_method TEXT NOT NULL,
	scope                      TEXT NOT NULL,
	issued_at                  INTEGER NOT NULL
);
`

// Store is a SQLite-backed client registry.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and ensures the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite handles a single writer; serialize through one connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveClient persists a registered client.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("client must have an ID")
	}

	redirectURIs, err := json.Marshal(client.RedirectURIs)
	if err != nil {
		return fmt.Errorf("failed to encode redirect URIs: %w", err)
	}
	grantTypes, err := json.Marshal(client.GrantTypes)
	if err != nil {
		return fmt.Errorf("failed to encode grant types: %w", err)
	}
	responseTypes, err := json.Marshal(client.ResponseTypes)
	if err != nil {
		return fmt.Errorf("failed to encode response types: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO clients
			(client_id, name, redirect_uris, grant_types, response_types, token_endpoint_auth_method, scope, issued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		client.ClientID,
		client.Name,
		string(redirectURIs),
		string(grantTypes),
		string(responseTypes),
		client.TokenEndpointAuthMethod,
		client.Scope,
		client.IssuedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}
	return nil
}

// GetClient retrieves a registered client by ID.
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT client_id, name, redirect_uris, grant_types, response_types, token_endpoint_auth_method, scope, issued_at
		FROM clients WHERE client_id = ?`, clientID)

	var (
		client        storage.Client
		redirectURIs  string
		grantTypes    string
		responseTypes string
		issuedAt      int64
	)
	err := row.Scan(
		&client.ClientID,
		&client.Name,
		&redirectURIs,
		&grantTypes,
		&responseTypes,
		&client.TokenEndpointAuthMethod,
		&client.Scope,
		&issuedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrClientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load client: %w", err)
	}

	if err := json.Unmarshal([]byte(redirectURIs), &client.RedirectURIs); err != nil {
		return nil, fmt.Errorf("failed to decode redirect URIs: %w", err)
	}
	if err := json.Unmarshal([]byte(grantTypes), &client.GrantTypes); err != nil {
		return nil, fmt.Errorf("failed to decode grant types: %w", err)
	}
	if err := json.Unmarshal([]byte(responseTypes), &client.ResponseTypes); err != nil {
		return nil, fmt.Errorf("failed to decode response types: %w", err)
	}
	client.IssuedAt = time.Unix(issuedAt, 0)
	return &client, nil
}
