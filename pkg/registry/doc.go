// Package registry is the authoritative catalog of container records. It
// enforces the container lifecycle state machine, persists every change
// through the storage layer and publishes lifecycle and health events.
package registry
