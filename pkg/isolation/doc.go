/*
Package isolation constructs the boundary set a container process runs
inside: process-id, mount, network and hostname views, expressed with the
OCI runtime-spec namespace vocabulary.

Prepare allocates boundaries all-or-nothing before the process starts;
Scope.SysProcAttr turns them into clone flags the supervisor applies at
fork time. The process-id boundary is always present so the container
process is PID 1 in its own view. Network interfaces come from an external
Provisioner; the scope only wires the descriptor in and releases it on
Close.
*/
package isolation
