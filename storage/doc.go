// Package storage defines interfaces for persisting registered clients,
// in-flight authorization requests, and token records. Backends must
// provide per-key atomicity; the atomic pop operations are what make
// single-use codes and refresh rotation race-safe.
package storage
