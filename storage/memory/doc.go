// Package memory provides an in-memory implementation of the broker's
// storage interfaces, suitable for development and single-instance
// deployments. Expired authorization requests are purged lazily on
// access and reclaimed periodically by a background goroutine.
package memory
