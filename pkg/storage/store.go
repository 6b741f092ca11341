package storage

import (
	"github.com/hutch-run/hutch/pkg/types"
)

// Store persists container records, image manifests and layer metadata so
// state survives supervisor restarts. The registry writes through to it;
// nothing else touches it directly.
type Store interface {
	// Containers
	SaveContainer(c *types.Container) error
	GetContainer(id string) (*types.Container, error)
	ListContainers() ([]*types.Container, error)
	DeleteContainer(id string) error

	// Images
	SaveImage(img *types.Image) error
	GetImage(name string) (*types.Image, error)
	ListImages() ([]*types.Image, error)
	DeleteImage(name string) error

	// Layers
	SaveLayer(l *types.Layer) error
	ListLayers() ([]*types.Layer, error)

	Close() error
}
