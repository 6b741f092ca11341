/*
Package types defines the core data structures used throughout Hutch.

This package is the foundation of the domain model: layers, images,
containers, resource budgets, isolation specs, restart policies and health
probes. Every other package consumes these types; none of them carry
behavior beyond validation and the lifecycle transition table.

# Lifecycle

Containers move through a fixed state machine:

	created -> running -> (paused <-> running) -> stopping -> stopped

with a terminal failed state reachable from created (setup failure) or
running (crash). stopped and failed containers may be removed, or restarted
back to created when the restart policy permits. ContainerState.CanTransition
is the single source of truth for legal edges; the registry enforces it on
every transition.

# Ownership

A Container's state and exit code are mutated exclusively by the supervisor,
its health exclusively by the health monitor, both through the registry's
serialized API. Layers are owned by the layer store and shared read-only
across containers; the writable layer belongs to exactly one container.
*/
package types
