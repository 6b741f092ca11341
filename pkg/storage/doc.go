// Package storage persists container records and image manifests in an
// embedded BoltDB database. Values are JSON-encoded per bucket.
package storage
