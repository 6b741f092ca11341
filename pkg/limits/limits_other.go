//go:build !linux

package limits

import (
	"github.com/hutch-run/hutch/pkg/types"
)

// NoopLimiter validates budgets but enforces nothing. It stands in on
// platforms without a cgroup hierarchy so the rest of the lifecycle can be
// exercised.
type NoopLimiter struct{}

func NewLimiter() *NoopLimiter { return &NoopLimiter{} }

func (NoopLimiter) Apply(_ string, _ int, budget types.ResourceBudget) error {
	if _, err := renderFiles(budget); err != nil {
		return err
	}
	return nil
}

func (NoopLimiter) OOMKilled(string) (bool, error) { return false, nil }

func (NoopLimiter) Remove(string) error { return nil }
