// Package events provides an in-memory pub/sub broker for container
// lifecycle and health transition events.
package events
