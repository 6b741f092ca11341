package supervisor

import (
	"encoding/json"
	"fmt"
	"io"
)

// InitSpec is the payload handed to the re-executed init stage over a
// pipe. It carries everything the child needs to finish setting up its
// view of the world before exec'ing the container command.
type InitSpec struct {
	ContainerID string   `json:"containerId"`
	Rootfs      string   `json:"rootfs"`
	Hostname    string   `json:"hostname"`
	Command     []string `json:"command"`
	Env         []string `json:"env"`
	WorkingDir  string   `json:"workingDir"`
}

// WriteInitSpec serializes the payload for the init pipe.
func WriteInitSpec(w io.Writer, spec InitSpec) error {
	if err := json.NewEncoder(w).Encode(spec); err != nil {
		return fmt.Errorf("failed to write init spec: %w", err)
	}
	return nil
}

// ReadInitSpec deserializes the payload on the child side.
func ReadInitSpec(r io.Reader) (InitSpec, error) {
	var spec InitSpec
	if err := json.NewDecoder(r).Decode(&spec); err != nil {
		return InitSpec{}, fmt.Errorf("failed to read init spec: %w", err)
	}
	if len(spec.Command) == 0 {
		return InitSpec{}, fmt.Errorf("init spec has no command")
	}
	return spec, nil
}
