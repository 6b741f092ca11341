package health

import (
	"fmt"

	"github.com/hutch-run/hutch/pkg/types"
)

// NewChecker builds the concrete checker for a probe definition. Called
// once when monitoring starts; the variant is never re-resolved per probe.
func NewChecker(p types.HealthProbe) (Checker, error) {
	switch p.Type {
	case types.ProbeExec:
		if len(p.Command) == 0 {
			return nil, fmt.Errorf("exec probe requires a command")
		}
		return NewExecChecker(p.Command), nil
	case types.ProbeHTTPGet:
		if p.URL == "" {
			return nil, fmt.Errorf("http probe requires a url")
		}
		return NewHTTPChecker(p.URL), nil
	case types.ProbeTCPConnect:
		if p.Address == "" {
			return nil, fmt.Errorf("tcp probe requires an address")
		}
		return NewTCPChecker(p.Address), nil
	default:
		return nil, fmt.Errorf("unsupported probe type: %q", p.Type)
	}
}
