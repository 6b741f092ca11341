// Package errdefs centralizes the error taxonomy: sentinel errors for
// classification with errors.Is, and stable failure reason codes recorded
// on containers for diagnostics.
package errdefs
