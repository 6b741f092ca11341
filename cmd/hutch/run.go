package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hutch-run/hutch/pkg/config"
	"github.com/hutch-run/hutch/pkg/events"
	"github.com/hutch-run/hutch/pkg/isolation"
	"github.com/hutch-run/hutch/pkg/layer"
	"github.com/hutch-run/hutch/pkg/limits"
	"github.com/hutch-run/hutch/pkg/log"
	"github.com/hutch-run/hutch/pkg/metrics"
	"github.com/hutch-run/hutch/pkg/registry"
	"github.com/hutch-run/hutch/pkg/storage"
	"github.com/hutch-run/hutch/pkg/supervisor"
	"github.com/hutch-run/hutch/pkg/types"
)

var runCmd = &cobra.Command{
	Use:   "run -f SPEC",
	Short: "Create a container and supervise it until it exits",
	Long: `Run creates a container from a YAML spec and supervises it in the
foreground: restarts per policy, health monitoring, graceful stop on
SIGINT/SIGTERM. The command exits with the container's exit code.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		specPath, _ := cmd.Flags().GetString("file")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		spec, err := config.LoadContainerSpec(specPath)
		if err != nil {
			return err
		}

		code, err := runContainer(spec, dataDir, metricsAddr)
		if err != nil {
			return err
		}
		if code != 0 {
			os.Exit(code)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().StringP("file", "f", "", "Container spec file (YAML)")
	runCmd.Flags().String("metrics-addr", "", "Expose Prometheus metrics on this address")
	runCmd.MarkFlagRequired("file")
}

func runContainer(spec types.ContainerSpec, dataDir, metricsAddr string) (int, error) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	store, err := storage.NewBoltStore(dataDir)
	if err != nil {
		return 0, err
	}
	defer store.Close()

	reg, err := registry.New(store, broker)
	if err != nil {
		return 0, err
	}

	layers, err := layer.Open(filepath.Join(dataDir, "layers"))
	if err != nil {
		return 0, err
	}

	sup := supervisor.New(reg, layers, store, limits.NewLimiter(),
		supervisor.NewExecRuntime(filepath.Join(dataDir, "logs")),
		isolation.NewStaticProvisioner())

	// Echo lifecycle and health events to the log.
	evCh, evCancel := broker.Subscribe()
	defer evCancel()
	go func() {
		for ev := range evCh {
			lg := log.WithComponent("events")
			lg.Info().
				Str("type", string(ev.Type)).
				Str("container_id", ev.ContainerID).
				Str("reason", ev.Reason).
				Msg("event")
		}
	}()

	if metricsAddr != "" {
		go func() {
			if err := http.ListenAndServe(metricsAddr, metrics.Handler()); err != nil {
				lg := log.WithComponent("metrics")
				lg.Error().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	if err := resolveFromImage(store, &spec); err != nil {
		return 0, err
	}

	c, err := reg.Create(spec)
	if err != nil {
		return 0, err
	}
	fmt.Println(c.ID)

	if err := sup.Start(context.Background(), c.ID); err != nil {
		return 0, err
	}

	waitCh := make(chan int, 1)
	go func() {
		code, err := sup.Wait(context.Background(), c.ID)
		if err != nil {
			lg := log.WithContainerID(c.ID)
			lg.Error().Err(err).Msg("wait failed")
		}
		waitCh <- code
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	var code int
	select {
	case code = <-waitCh:
	case <-sigCh:
		log.Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := sup.Stop(ctx, c.ID); err != nil {
			lg := log.WithContainerID(c.ID)
			lg.Warn().Err(err).Msg("stop failed")
		}
		cancel()
		code = <-waitCh
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := sup.Shutdown(ctx); err != nil {
		lg := log.WithComponent("supervisor")
		lg.Warn().Err(err).Msg("shutdown incomplete")
	}
	return code, nil
}

// resolveFromImage fills spec fields the image provides defaults for:
// command, environment and working directory. Restarts reuse the resolved
// spec, so this happens once, before the record is created.
func resolveFromImage(store storage.Store, spec *types.ContainerSpec) error {
	img, err := store.GetImage(spec.Image)
	if err != nil {
		return fmt.Errorf("failed to resolve image %q: %w", spec.Image, err)
	}
	if len(spec.Command) == 0 {
		spec.Command = append(append([]string{}, img.Config.Entrypoint...), img.Config.Cmd...)
	}
	if len(spec.Command) == 0 {
		return fmt.Errorf("no command given and image %q declares none", spec.Image)
	}
	spec.Env = append(append([]string{}, img.Config.Env...), spec.Env...)
	if spec.WorkingDir == "" {
		spec.WorkingDir = img.Config.WorkingDir
	}
	return nil
}
