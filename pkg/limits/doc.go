// Package limits translates container resource budgets into kernel
// enforcement. On Linux it manages one cgroup v2 group per container under
// /sys/fs/cgroup/hutch and reads back out-of-memory kill events; elsewhere
// it degrades to validation only.
package limits
