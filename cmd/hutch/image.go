package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/docker/go-units"
	"github.com/opencontainers/go-digest"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hutch-run/hutch/pkg/layer"
	"github.com/hutch-run/hutch/pkg/storage"
	"github.com/hutch-run/hutch/pkg/types"
)

var imageCmd = &cobra.Command{
	Use:   "image",
	Short: "Manage images",
}

var imageImportCmd = &cobra.Command{
	Use:   "import NAME TARBALL...",
	Short: "Import layer tarballs as an image",
	Long: `Import reads one or more layer tarballs (tar or tar.gz, ordered
bottom to top), stores them content-addressed and records an image
referencing them. Runtime defaults (entrypoint, env) can be supplied with
--config.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		configPath, _ := cmd.Flags().GetString("config")

		store, err := storage.NewBoltStore(dataDir)
		if err != nil {
			return err
		}
		defer store.Close()

		layers, err := layer.Open(filepath.Join(dataDir, "layers"))
		if err != nil {
			return err
		}

		img := &types.Image{Name: args[0], CreatedAt: time.Now()}
		if configPath != "" {
			data, err := os.ReadFile(configPath)
			if err != nil {
				return fmt.Errorf("failed to read image config: %w", err)
			}
			if err := yaml.Unmarshal(data, &img.Config); err != nil {
				return fmt.Errorf("failed to parse image config: %w", err)
			}
		}

		for _, path := range args[1:] {
			f, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("failed to open layer tarball: %w", err)
			}
			l, err := layers.ImportLayer(f)
			f.Close()
			if err != nil {
				return fmt.Errorf("failed to import %s: %w", path, err)
			}
			if err := store.SaveLayer(&l); err != nil {
				return err
			}
			img.Layers = append(img.Layers, l.Digest)
			fmt.Printf("%s  %s\n", l.Digest, units.HumanSize(float64(l.SizeBytes)))
		}

		if err := store.SaveImage(img); err != nil {
			return err
		}
		fmt.Printf("imported %s (%d layers)\n", img.Name, len(img.Layers))
		return nil
	},
}

var imageListCmd = &cobra.Command{
	Use:   "list",
	Short: "List images",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		store, err := storage.NewBoltStore(dataDir)
		if err != nil {
			return err
		}
		defer store.Close()

		images, err := store.ListImages()
		if err != nil {
			return err
		}
		sizes, err := layerSizes(store)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tLAYERS\tSIZE\tCREATED")
		for _, img := range images {
			var total int64
			for _, d := range img.Layers {
				total += sizes[d]
			}
			fmt.Fprintf(w, "%s\t%d\t%s\t%s ago\n",
				img.Name, len(img.Layers),
				units.HumanSize(float64(total)),
				units.HumanDuration(time.Since(img.CreatedAt)))
		}
		return w.Flush()
	},
}

func layerSizes(store storage.Store) (map[digest.Digest]int64, error) {
	layers, err := store.ListLayers()
	if err != nil {
		return nil, err
	}
	sizes := make(map[digest.Digest]int64, len(layers))
	for _, l := range layers {
		sizes[l.Digest] = l.SizeBytes
	}
	return sizes, nil
}

func init() {
	imageCmd.AddCommand(imageImportCmd)
	imageCmd.AddCommand(imageListCmd)

	imageImportCmd.Flags().String("config", "", "YAML file with image runtime defaults")
}
