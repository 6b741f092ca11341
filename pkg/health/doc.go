/*
Package health implements container health probing.

Three probe variants share the Checker interface: ExecChecker runs a command
and treats exit code 0 as healthy, HTTPChecker expects a 2xx/3xx response,
TCPChecker expects a successful connection. NewChecker dispatches on the
probe definition once, at monitor construction.

Tracker drives the per-container health state machine:

	unknown -> starting -> healthy <-> unhealthy

The starting phase covers the configured grace period. A container flips to
unhealthy only after Retries consecutive failures while healthy; a single
success always flips it back. The tracker only reports transitions; policy
(restart on unhealthy, etc.) belongs to the supervisor.
*/
package health
