// Package supervisor drives container process lifecycles: root filesystem
// assembly, isolation, launch, resource enforcement, health monitoring,
// exit handling and policy-driven restarts with exponential backoff. Every
// state change passes through the registry's transition table.
package supervisor
