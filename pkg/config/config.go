package config

import (
	"fmt"
	"os"
	"time"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"

	"github.com/hutch-run/hutch/pkg/errdefs"
	"github.com/hutch-run/hutch/pkg/types"
)

const (
	defaultStopSignal  = "SIGTERM"
	defaultStopTimeout = 10 * time.Second
)

// containerFile is the on-disk shape of a container definition. It mirrors
// types.ContainerSpec but takes human-readable resource units ("512m",
// "2g") which are normalized during parsing.
type containerFile struct {
	Name       string   `yaml:"name"`
	Image      string   `yaml:"image"`
	Command    []string `yaml:"command"`
	Env        []string `yaml:"env"`
	WorkingDir string   `yaml:"workingDir"`
	Hostname   string   `yaml:"hostname"`

	Resources struct {
		CPU       float64 `yaml:"cpu"`
		CPUShares int64   `yaml:"cpuShares"`
		Memory    string  `yaml:"memory"`
		Pids      int64   `yaml:"pids"`
	} `yaml:"resources"`

	Isolation   types.IsolationSpec `yaml:"isolation"`
	Restart     types.RestartPolicy `yaml:"restart"`
	HealthCheck *probeFile          `yaml:"healthCheck"`

	CommitImage string `yaml:"commitImage"`
	StopSignal  string `yaml:"stopSignal"`
	StopTimeout string `yaml:"stopTimeout"`
}

// probeFile carries durations as strings ("5s") since plain YAML decoding
// has no notion of time.Duration.
type probeFile struct {
	Type    types.ProbeType `yaml:"type"`
	Command []string        `yaml:"command"`
	URL     string          `yaml:"url"`
	Address string          `yaml:"address"`

	Interval    string `yaml:"interval"`
	Timeout     string `yaml:"timeout"`
	Retries     int    `yaml:"retries"`
	StartPeriod string `yaml:"startPeriod"`
}

// LoadContainerSpec reads and validates a container definition file.
func LoadContainerSpec(path string) (types.ContainerSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return types.ContainerSpec{}, fmt.Errorf("failed to read container spec: %w", err)
	}
	return ParseContainerSpec(data)
}

// ParseContainerSpec decodes a YAML container definition, fills defaults
// and validates the result.
func ParseContainerSpec(data []byte) (types.ContainerSpec, error) {
	var f containerFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return types.ContainerSpec{}, fmt.Errorf("failed to parse container spec: %w", err)
	}

	spec := types.ContainerSpec{
		Name:        f.Name,
		Image:       f.Image,
		Command:     f.Command,
		Env:         f.Env,
		WorkingDir:  f.WorkingDir,
		Hostname:    f.Hostname,
		Isolation:   f.Isolation,
		Restart:     f.Restart,
		CommitImage: f.CommitImage,
		StopSignal:  f.StopSignal,
	}

	var err error
	if spec.StopTimeout, err = parseDuration(f.StopTimeout); err != nil {
		return types.ContainerSpec{}, fmt.Errorf("%w: bad stopTimeout: %v", errdefs.ErrInvalidArgument, err)
	}
	if f.HealthCheck != nil {
		probe, err := f.HealthCheck.resolve()
		if err != nil {
			return types.ContainerSpec{}, err
		}
		spec.Probe = &probe
	}

	spec.Budget = types.ResourceBudget{
		CPUCores:  f.Resources.CPU,
		CPUShares: f.Resources.CPUShares,
		PidsLimit: f.Resources.Pids,
	}
	if f.Resources.Memory != "" {
		mem, err := units.RAMInBytes(f.Resources.Memory)
		if err != nil {
			return types.ContainerSpec{}, fmt.Errorf("%w: bad memory limit %q: %v",
				errdefs.ErrInvalidArgument, f.Resources.Memory, err)
		}
		spec.Budget.MemoryBytes = mem
	}

	applyDefaults(&spec)
	if err := validate(spec); err != nil {
		return types.ContainerSpec{}, err
	}
	return spec, nil
}

func (p *probeFile) resolve() (types.HealthProbe, error) {
	probe := types.HealthProbe{
		Type:    p.Type,
		Command: p.Command,
		URL:     p.URL,
		Address: p.Address,
		Retries: p.Retries,
	}
	var err error
	if probe.Interval, err = parseDuration(p.Interval); err != nil {
		return types.HealthProbe{}, fmt.Errorf("%w: bad probe interval: %v", errdefs.ErrInvalidArgument, err)
	}
	if probe.Timeout, err = parseDuration(p.Timeout); err != nil {
		return types.HealthProbe{}, fmt.Errorf("%w: bad probe timeout: %v", errdefs.ErrInvalidArgument, err)
	}
	if probe.StartPeriod, err = parseDuration(p.StartPeriod); err != nil {
		return types.HealthProbe{}, fmt.Errorf("%w: bad probe startPeriod: %v", errdefs.ErrInvalidArgument, err)
	}
	return probe, nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

func applyDefaults(spec *types.ContainerSpec) {
	if spec.StopSignal == "" {
		spec.StopSignal = defaultStopSignal
	}
	if spec.StopTimeout <= 0 {
		spec.StopTimeout = defaultStopTimeout
	}
	if spec.Restart.Condition == "" {
		spec.Restart.Condition = types.RestartNever
	}
}

func validate(spec types.ContainerSpec) error {
	if spec.Image == "" {
		return fmt.Errorf("%w: container spec needs an image", errdefs.ErrInvalidArgument)
	}
	if err := spec.Budget.Validate(); err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrInvalidArgument, err)
	}
	switch spec.Restart.Condition {
	case types.RestartNever, types.RestartOnFailure, types.RestartAlways:
	default:
		return fmt.Errorf("%w: unknown restart condition %q", errdefs.ErrInvalidArgument, spec.Restart.Condition)
	}
	if spec.Probe != nil {
		switch spec.Probe.Type {
		case types.ProbeExec, types.ProbeHTTPGet, types.ProbeTCPConnect:
		default:
			return fmt.Errorf("%w: unknown probe type %q", errdefs.ErrInvalidArgument, spec.Probe.Type)
		}
	}
	return nil
}
