package main

import (
	"fmt"
	"os"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hutch-run/hutch/pkg/events"
	"github.com/hutch-run/hutch/pkg/registry"
	"github.com/hutch-run/hutch/pkg/storage"
	"github.com/hutch-run/hutch/pkg/types"
)

var psCmd = &cobra.Command{
	Use:   "ps",
	Short: "List containers",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		store, err := storage.NewBoltStore(dataDir)
		if err != nil {
			return err
		}
		defer store.Close()

		containers, err := store.ListContainers()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "CONTAINER ID\tNAME\tIMAGE\tSTATE\tHEALTH\tPID\tRESTARTS\tCREATED")
		for _, c := range containers {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s ago\n",
				shortID(c.ID), c.Spec.Name, c.Spec.Image, c.State, c.Health,
				c.Pid, c.RestartCount,
				units.HumanDuration(time.Since(c.CreatedAt)))
		}
		return w.Flush()
	},
}

var inspectCmd = &cobra.Command{
	Use:   "inspect CONTAINER",
	Short: "Show a container's full record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		store, err := storage.NewBoltStore(dataDir)
		if err != nil {
			return err
		}
		defer store.Close()

		c, err := findContainer(store, args[0])
		if err != nil {
			return err
		}
		out, err := yaml.Marshal(c)
		if err != nil {
			return err
		}
		fmt.Print(string(out))
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop CONTAINER",
	Short: "Signal a running container's process group",
	Long: `Stop sends SIGTERM to the container's process group. The supervising
"hutch run" process observes the exit and settles the container's state.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		store, err := storage.NewBoltStore(dataDir)
		if err != nil {
			return err
		}
		defer store.Close()

		c, err := findContainer(store, args[0])
		if err != nil {
			return err
		}
		if c.Pid == 0 || (c.State != types.StateRunning && c.State != types.StatePaused) {
			return fmt.Errorf("container %s has no live process (state %s)", shortID(c.ID), c.State)
		}
		if c.State == types.StatePaused {
			syscall.Kill(-c.Pid, syscall.SIGCONT)
		}
		if err := syscall.Kill(-c.Pid, syscall.SIGTERM); err != nil {
			return fmt.Errorf("failed to signal container: %w", err)
		}
		fmt.Println(shortID(c.ID))
		return nil
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm CONTAINER",
	Short: "Remove a stopped or failed container",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		store, err := storage.NewBoltStore(dataDir)
		if err != nil {
			return err
		}
		defer store.Close()

		c, err := findContainer(store, args[0])
		if err != nil {
			return err
		}

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()
		reg, err := registry.New(store, broker)
		if err != nil {
			return err
		}
		if err := reg.Remove(c.ID); err != nil {
			return err
		}
		fmt.Println(shortID(c.ID))
		return nil
	},
}

// findContainer resolves a full or prefix container ID.
func findContainer(store storage.Store, ref string) (*types.Container, error) {
	if c, err := store.GetContainer(ref); err == nil {
		return c, nil
	}
	containers, err := store.ListContainers()
	if err != nil {
		return nil, err
	}
	var match *types.Container
	for _, c := range containers {
		if len(ref) > 0 && len(c.ID) >= len(ref) && c.ID[:len(ref)] == ref {
			if match != nil {
				return nil, fmt.Errorf("container ID prefix %q is ambiguous", ref)
			}
			match = c
		}
	}
	if match == nil {
		return nil, fmt.Errorf("no container matches %q", ref)
	}
	return match, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
