package types

import (
	"fmt"
	"time"

	"github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// MinMemoryBytes is the smallest memory ceiling a container may request.
// Budgets below this are rejected at creation, never clamped.
const MinMemoryBytes = 4 * 1024 * 1024

// Layer is an immutable, content-addressed filesystem fragment. Many
// containers may reference the same layer; sharing is tracked by the
// layer store's reference counts.
type Layer struct {
	Digest    digest.Digest
	SizeBytes int64
	CreatedAt time.Time
}

// ImageConfig holds the default runtime metadata carried by an image.
type ImageConfig struct {
	Entrypoint   []string          `yaml:"entrypoint"`
	Cmd          []string          `yaml:"cmd"`
	Env          []string          `yaml:"env"`
	WorkingDir   string            `yaml:"workingDir"`
	ExposedPorts []string          `yaml:"exposedPorts"`
	Labels       map[string]string `yaml:"labels"`
}

// Image is an ordered sequence of layer references plus default runtime
// metadata. Immutable once built; layer order is significant and fixed.
type Image struct {
	Name      string
	Layers    []digest.Digest
	Config    ImageConfig
	CreatedAt time.Time
}

// ContainerState represents the lifecycle state of a container.
type ContainerState string

const (
	StateCreated  ContainerState = "created"
	StateRunning  ContainerState = "running"
	StatePaused   ContainerState = "paused"
	StateStopping ContainerState = "stopping"
	StateStopped  ContainerState = "stopped"
	StateFailed   ContainerState = "failed"
)

// lifecycleEdges is the legal transition table. Restart (stopped/failed ->
// created) and setup/crash failures (created/running -> failed) are included.
var lifecycleEdges = map[ContainerState][]ContainerState{
	StateCreated:  {StateRunning, StateFailed},
	StateRunning:  {StatePaused, StateStopping, StateStopped, StateFailed},
	StatePaused:   {StateRunning, StateStopping},
	StateStopping: {StateStopped, StateFailed},
	StateStopped:  {StateCreated},
	StateFailed:   {StateCreated},
}

// CanTransition reports whether moving from s to next is a legal
// lifecycle edge.
func (s ContainerState) CanTransition(next ContainerState) bool {
	for _, t := range lifecycleEdges[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Terminal reports whether s is a state from which the container may be
// removed.
func (s ContainerState) Terminal() bool {
	return s == StateStopped || s == StateFailed
}

// HealthState represents the probe-driven health of a container. Only the
// health monitor transitions it; external callers never set it directly.
type HealthState string

const (
	HealthUnknown   HealthState = "unknown"
	HealthStarting  HealthState = "starting"
	HealthHealthy   HealthState = "healthy"
	HealthUnhealthy HealthState = "unhealthy"
)

// ProbeType selects the health probe mechanism. Dispatch happens once at
// monitor construction, not per probe.
type ProbeType string

const (
	ProbeExec       ProbeType = "exec"
	ProbeHTTPGet    ProbeType = "http"
	ProbeTCPConnect ProbeType = "tcp"
)

// HealthProbe defines the probe and its schedule for one container.
type HealthProbe struct {
	Type ProbeType `yaml:"type"`

	// Command is the argv for exec probes; success is exit code 0.
	Command []string `yaml:"command"`
	// URL is the target for HTTP probes.
	URL string `yaml:"url"`
	// Address is the host:port target for TCP probes.
	Address string `yaml:"address"`

	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
	// Retries is the consecutive-failure threshold before a healthy
	// container is marked unhealthy.
	Retries int `yaml:"retries"`
	// StartPeriod is the grace window before the first probe runs.
	StartPeriod time.Duration `yaml:"startPeriod"`
}

// RestartCondition defines when the supervisor restarts an exited container.
type RestartCondition string

const (
	RestartNever     RestartCondition = "never"
	RestartOnFailure RestartCondition = "on-failure"
	RestartAlways    RestartCondition = "always"
)

// RestartPolicy is consumed by the supervisor's retry decision; it stays out
// of the lifecycle state machine itself.
type RestartPolicy struct {
	Condition RestartCondition `yaml:"condition"`
	// MaxAttempts bounds on-failure retries; 0 means unbounded.
	MaxAttempts int `yaml:"maxAttempts"`
}

// ResourceBudget is the declarative resource ceiling enforced on a
// container's process tree.
type ResourceBudget struct {
	// CPUCores is the CPU quota expressed in cores (0.5 = half a core
	// per accounting period). Zero means unthrottled.
	CPUCores float64 `yaml:"cpu"`
	// CPUShares is the relative scheduling weight under contention.
	// Zero uses the kernel default.
	CPUShares int64 `yaml:"cpuShares"`
	// MemoryBytes is the hard memory ceiling. Zero means unlimited;
	// otherwise it must be at least MinMemoryBytes.
	MemoryBytes int64 `yaml:"memory"`
	// PidsLimit caps the number of processes. Zero means unlimited.
	PidsLimit int64 `yaml:"pids"`
}

// Validate rejects violated budgets outright rather than clamping them.
func (b ResourceBudget) Validate() error {
	if b.CPUCores < 0 {
		return fmt.Errorf("cpu quota must be >= 0, got %v", b.CPUCores)
	}
	if b.CPUShares < 0 {
		return fmt.Errorf("cpu shares must be >= 0, got %d", b.CPUShares)
	}
	if b.MemoryBytes != 0 && b.MemoryBytes < MinMemoryBytes {
		return fmt.Errorf("memory ceiling %d below minimum %d bytes", b.MemoryBytes, MinMemoryBytes)
	}
	if b.PidsLimit < 0 {
		return fmt.Errorf("pids limit must be >= 0, got %d", b.PidsLimit)
	}
	return nil
}

// IsolationSpec declares the isolation boundaries for a container process.
// Namespace kinds reuse the OCI runtime-spec vocabulary.
type IsolationSpec struct {
	Namespaces []specs.LinuxNamespaceType `yaml:"namespaces"`
	// Network requests a virtual interface from the external network
	// provisioner and wires it into the new network namespace.
	Network bool `yaml:"network"`
}

// DefaultNamespaces is the boundary set used when a spec names none:
// the container becomes PID 1 in its own PID view with private mount,
// UTS and IPC views.
func DefaultNamespaces() []specs.LinuxNamespaceType {
	return []specs.LinuxNamespaceType{
		specs.PIDNamespace,
		specs.MountNamespace,
		specs.UTSNamespace,
		specs.IPCNamespace,
	}
}

// InterfaceDescriptor is the virtual interface handle returned by the
// external network provisioner.
type InterfaceDescriptor struct {
	Name    string
	Address string
	Gateway string
}

// ContainerSpec is the fully-resolved creation request handed to the
// registry. Parsing and validation of YAML/CLI input happens in the
// config layer before a spec reaches the core.
type ContainerSpec struct {
	Name       string         `yaml:"name"`
	Image      string         `yaml:"image"`
	Command    []string       `yaml:"command"`
	Env        []string       `yaml:"env"`
	WorkingDir string         `yaml:"workingDir"`
	Hostname   string         `yaml:"hostname"`
	Budget     ResourceBudget `yaml:"resources"`
	Isolation  IsolationSpec  `yaml:"isolation"`
	Restart    RestartPolicy  `yaml:"restart"`
	Probe      *HealthProbe   `yaml:"healthCheck"`

	// CommitImage, when set, persists the container's writable layer on
	// exit as the top layer of a new image with this name. Otherwise the
	// writable layer is discarded at teardown.
	CommitImage string `yaml:"commitImage"`

	// StopSignal is the graceful-termination signal name (e.g. "SIGTERM").
	// Left configurable rather than hardcoded.
	StopSignal string `yaml:"stopSignal"`
	// StopTimeout is how long Stop waits after the graceful signal before
	// a forceful kill.
	StopTimeout time.Duration `yaml:"stopTimeout"`
}

// Container is a runtime instance bound to exactly one image plus one
// writable layer. State and exit code are mutated only by the supervisor,
// health only by the health monitor, through the registry.
type Container struct {
	ID   string
	Spec ContainerSpec

	State  ContainerState
	Health HealthState
	Reason string // stable failure reason code, empty unless failed

	Pid          int
	ExitCode     int
	RestartCount int
	Error        string

	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time
}
