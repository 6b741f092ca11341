package health

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/hutch-run/hutch/pkg/types"
)

// TCPChecker probes by opening a TCP connection.
type TCPChecker struct {
	// Address is the host:port to connect to (e.g. "10.0.0.5:6379").
	Address string
}

// NewTCPChecker creates a new TCP probe.
func NewTCPChecker(address string) *TCPChecker {
	return &TCPChecker{Address: address}
}

// Check attempts a connection under the probe context's deadline.
func (t *TCPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", t.Address)
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("connection to %s failed: %v", t.Address, err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	defer conn.Close()

	return Result{
		Healthy:   true,
		Message:   fmt.Sprintf("tcp connection to %s succeeded", t.Address),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Type returns the probe mechanism.
func (t *TCPChecker) Type() types.ProbeType {
	return types.ProbeTCPConnect
}
