// Package snapstore indexes named VM snapshots in a bolt database so
// snapshot metadata survives host process restarts.
package snapstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/containerd/errdefs"
	bolt "go.etcd.io/bbolt"
)

var bucketName = []byte("snapshots")

// ErrNotFound is returned when no snapshot carries the requested name.
var ErrNotFound = errdefs.ErrNotFound

// Snapshot is the stored metadata for one named snapshot. The disk state
// itself lives at Path.
type Snapshot struct {
	Name       string    `json:"name"`
	InstanceID string    `json:"instance_id"`
	Path       string    `json:"path"`
	CreatedAt  time.Time `json:"created_at"`

	// Config captured at save time so a load can validate compatibility.
	MemoryMB     int `json:"memory_mb"`
	ScreenWidth  int `json:"screen_width"`
	ScreenHeight int `json:"screen_height"`
}

// Store is a bolt-backed snapshot index.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if needed) the snapshot index at dbPath.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{
		Timeout:        30 * time.Second,
		NoFreelistSync: true,
		FreelistType:   bolt.FreelistMapType,
	})
	if err != nil {
		return nil, fmt.Errorf("open snapshot index: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Save stores or replaces the snapshot record under its name.
func (s *Store) Save(ctx context.Context, snap *Snapshot) error {
	if snap.Name == "" {
		return fmt.Errorf("%w: snapshot name must not be empty", errdefs.ErrInvalidArgument)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("marshal snapshot: %w", err)
		}
		return tx.Bucket(bucketName).Put([]byte(snap.Name), data)
	})
}

// Get returns the snapshot record for name, or ErrNotFound.
func (s *Store) Get(ctx context.Context, name string) (*Snapshot, error) {
	var snap Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketName).Get([]byte(name))
		if data == nil {
			return fmt.Errorf("snapshot %q: %w", name, ErrNotFound)
		}
		return json.Unmarshal(data, &snap)
	})
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// List returns all snapshot records in key order.
func (s *Store) List(ctx context.Context) ([]*Snapshot, error) {
	var snaps []*Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).ForEach(func(k, v []byte) error {
			var snap Snapshot
			if err := json.Unmarshal(v, &snap); err != nil {
				return fmt.Errorf("unmarshal snapshot %q: %w", string(k), err)
			}
			snaps = append(snaps, &snap)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return snaps, nil
}

// Delete removes the record for name. Deleting an absent name is not an
// error.
func (s *Store) Delete(ctx context.Context, name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Delete([]byte(name))
	})
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
