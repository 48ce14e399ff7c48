package emulator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/containerd/log"

	"github.com/linblock/linblock/internal/snapstore"
)

// SaveSnapshot records a named snapshot of the instance and returns its
// deterministic on-disk path. The instance must be Running or Paused.
// Disk state capture requires a hypervisor monitor channel this control
// path does not have; the record and directory are created so callers and
// future loads have a stable contract.
func (c *Core) SaveSnapshot(ctx context.Context, name string) (string, error) {
	switch c.State() {
	case StateRunning, StatePaused:
	default:
		return "", fmt.Errorf("%w: cannot snapshot while %s", ErrInvalidState, c.State())
	}

	c.mu.Lock()
	snaps := c.snaps
	instanceID := c.instanceID
	c.mu.Unlock()
	if snaps == nil {
		return "", ErrNotInitialized
	}

	path := c.snapshotPath(name)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", fmt.Errorf("create snapshot dir: %w", err)
	}

	err := snaps.Save(ctx, &snapstore.Snapshot{
		Name:         name,
		InstanceID:   instanceID,
		Path:         path,
		CreatedAt:    time.Now().UTC(),
		MemoryMB:     c.cfg.VM.MemoryMB,
		ScreenWidth:  c.cfg.VM.ScreenWidth,
		ScreenHeight: c.cfg.VM.ScreenHeight,
	})
	if err != nil {
		return "", err
	}

	log.G(ctx).WithFields(log.Fields{
		"name": name,
		"path": path,
	}).Info("emulator: snapshot saved")
	return path, nil
}

// LoadSnapshot resolves a named snapshot. The instance must be
// initialized; it does not need to be running. Restoring execution state
// is not performed on this control path; the caller receives the stored
// record to act on.
func (c *Core) LoadSnapshot(ctx context.Context, name string) (*snapstore.Snapshot, error) {
	c.mu.Lock()
	snaps := c.snaps
	c.mu.Unlock()
	if snaps == nil {
		return nil, ErrNotInitialized
	}

	snap, err := snaps.Get(ctx, name)
	if err != nil {
		return nil, err
	}

	if snap.MemoryMB != 0 && snap.MemoryMB != c.cfg.VM.MemoryMB {
		log.G(ctx).WithFields(log.Fields{
			"snapshot": snap.MemoryMB,
			"current":  c.cfg.VM.MemoryMB,
		}).Warn("emulator: snapshot memory size differs from current configuration")
	}

	log.G(ctx).WithField("name", name).Info("emulator: snapshot loaded")
	return snap, nil
}

// ListSnapshots returns all recorded snapshots.
func (c *Core) ListSnapshots(ctx context.Context) ([]*snapstore.Snapshot, error) {
	c.mu.Lock()
	snaps := c.snaps
	c.mu.Unlock()
	if snaps == nil {
		return nil, ErrNotInitialized
	}
	return snaps.List(ctx)
}

// DeleteSnapshot removes a snapshot record and its directory.
func (c *Core) DeleteSnapshot(ctx context.Context, name string) error {
	c.mu.Lock()
	snaps := c.snaps
	c.mu.Unlock()
	if snaps == nil {
		return ErrNotInitialized
	}
	if err := snaps.Delete(ctx, name); err != nil {
		return err
	}
	if err := os.RemoveAll(c.snapshotPath(name)); err != nil {
		log.G(ctx).WithError(err).Warn("emulator: snapshot directory removal failed")
	}
	return nil
}

func (c *Core) snapshotPath(name string) string {
	return filepath.Join(c.cfg.Paths.StateDir, "snapshots", name)
}
