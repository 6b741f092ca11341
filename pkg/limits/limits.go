package limits

import (
	"fmt"
	"strconv"

	"github.com/hutch-run/hutch/pkg/types"
)

const (
	// cpuPeriod is the scheduling period used when translating fractional
	// cores into a cpu.max quota. 100ms matches the kernel default.
	cpuPeriod = 100000

	minWeight = 1
	maxWeight = 10000
)

// Limiter applies resource ceilings to a running container process and
// reports whether the kernel enforced the memory ceiling by killing it.
type Limiter interface {
	// Apply creates the control group for the container (if missing),
	// writes the budget's ceilings and places pid under them. Calling it
	// again with the same arguments is a no-op.
	Apply(containerID string, pid int, budget types.ResourceBudget) error

	// OOMKilled reports whether the container's group recorded an
	// out-of-memory kill since Apply.
	OOMKilled(containerID string) (bool, error)

	// Remove tears the container's control group down. The group must
	// have no live processes left.
	Remove(containerID string) error
}

// controlFile is one rendered cgroup interface file.
type controlFile struct {
	Name  string
	Value string
}

// renderFiles translates a validated budget into the cgroup v2 interface
// files that express it. Zero-valued fields render nothing, leaving the
// corresponding ceiling unlimited.
func renderFiles(budget types.ResourceBudget) ([]controlFile, error) {
	if err := budget.Validate(); err != nil {
		return nil, err
	}

	var files []controlFile
	if budget.CPUCores > 0 {
		quota := int64(budget.CPUCores * cpuPeriod)
		if quota < 1 {
			quota = 1
		}
		files = append(files, controlFile{
			Name:  "cpu.max",
			Value: fmt.Sprintf("%d %d", quota, cpuPeriod),
		})
	}
	if budget.CPUShares > 0 {
		files = append(files, controlFile{
			Name:  "cpu.weight",
			Value: strconv.FormatUint(sharesToWeight(uint64(budget.CPUShares)), 10),
		})
	}
	if budget.MemoryBytes > 0 {
		files = append(files, controlFile{
			Name:  "memory.max",
			Value: strconv.FormatInt(budget.MemoryBytes, 10),
		})
	}
	if budget.PidsLimit > 0 {
		files = append(files, controlFile{
			Name:  "pids.max",
			Value: strconv.FormatInt(budget.PidsLimit, 10),
		})
	}
	return files, nil
}

// sharesToWeight converts cgroup v1 style cpu shares (2..262144) to a v2
// cpu.weight (1..10000) using the same mapping the wider ecosystem settled
// on, so relative priorities carry over unchanged.
func sharesToWeight(shares uint64) uint64 {
	if shares == 0 {
		return 100
	}
	if shares < 2 {
		shares = 2
	}
	if shares > 262144 {
		shares = 262144
	}
	weight := 1 + ((shares-2)*9999)/262142
	if weight < minWeight {
		weight = minWeight
	}
	if weight > maxWeight {
		weight = maxWeight
	}
	return weight
}
