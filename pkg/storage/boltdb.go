package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/hutch-run/hutch/pkg/errdefs"
	"github.com/hutch-run/hutch/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketContainers = []byte("containers")
	bucketImages     = []byte("images")
	bucketLayers     = []byte("layers")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "hutch.db")

	// Fail fast when another process holds the database lock instead of
	// blocking forever.
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketContainers, bucketImages, bucketLayers} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) put(bucket []byte, key string, v any) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

func (s *BoltStore) get(bucket []byte, key string, v any) error {
	return s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(key))
		if data == nil {
			return fmt.Errorf("%s %q: %w", bucket, key, errdefs.ErrNotFound)
		}
		return json.Unmarshal(data, v)
	})
}

func (s *BoltStore) delete(bucket []byte, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
}

// Container operations

func (s *BoltStore) SaveContainer(c *types.Container) error {
	return s.put(bucketContainers, c.ID, c)
}

func (s *BoltStore) GetContainer(id string) (*types.Container, error) {
	var c types.Container
	if err := s.get(bucketContainers, id, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *BoltStore) ListContainers() ([]*types.Container, error) {
	var containers []*types.Container
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketContainers).ForEach(func(k, v []byte) error {
			var c types.Container
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			containers = append(containers, &c)
			return nil
		})
	})
	return containers, err
}

func (s *BoltStore) DeleteContainer(id string) error {
	return s.delete(bucketContainers, id)
}

// Image operations

func (s *BoltStore) SaveImage(img *types.Image) error {
	return s.put(bucketImages, img.Name, img)
}

func (s *BoltStore) GetImage(name string) (*types.Image, error) {
	var img types.Image
	if err := s.get(bucketImages, name, &img); err != nil {
		return nil, err
	}
	return &img, nil
}

func (s *BoltStore) ListImages() ([]*types.Image, error) {
	var images []*types.Image
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketImages).ForEach(func(k, v []byte) error {
			var img types.Image
			if err := json.Unmarshal(v, &img); err != nil {
				return err
			}
			images = append(images, &img)
			return nil
		})
	})
	return images, err
}

func (s *BoltStore) DeleteImage(name string) error {
	return s.delete(bucketImages, name)
}

// Layer operations

func (s *BoltStore) SaveLayer(l *types.Layer) error {
	return s.put(bucketLayers, l.Digest.String(), l)
}

func (s *BoltStore) ListLayers() ([]*types.Layer, error) {
	var layers []*types.Layer
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLayers).ForEach(func(k, v []byte) error {
			var l types.Layer
			if err := json.Unmarshal(v, &l); err != nil {
				return err
			}
			layers = append(layers, &l)
			return nil
		})
	})
	return layers, err
}
