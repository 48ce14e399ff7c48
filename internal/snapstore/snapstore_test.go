package snapstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "snapshots.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveGetRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	snap := &Snapshot{
		Name:         "before-update",
		InstanceID:   "vm-1",
		Path:         "/var/lib/linblock/snapshots/before-update",
		CreatedAt:    time.Now().UTC().Truncate(time.Second),
		MemoryMB:     2048,
		ScreenWidth:  1080,
		ScreenHeight: 1920,
	}
	require.NoError(t, s.Save(ctx, snap))

	got, err := s.Get(ctx, "before-update")
	require.NoError(t, err)
	assert.Equal(t, snap, got)
}

func TestGetMissing(t *testing.T) {
	s := newStore(t)
	_, err := s.Get(context.Background(), "nope")
	require.ErrorIs(t, err, ErrNotFound)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestSaveOverwrites(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, &Snapshot{Name: "a", MemoryMB: 512}))
	require.NoError(t, s.Save(ctx, &Snapshot{Name: "a", MemoryMB: 1024}))

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 1024, got.MemoryMB)
}

func TestSaveEmptyName(t *testing.T) {
	s := newStore(t)
	err := s.Save(context.Background(), &Snapshot{})
	require.Error(t, err)
	assert.True(t, errdefs.IsInvalidArgument(err))
}

func TestListAndDelete(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, &Snapshot{Name: "b"}))
	require.NoError(t, s.Save(ctx, &Snapshot{Name: "a"}))
	require.NoError(t, s.Save(ctx, &Snapshot{Name: "c"}))

	snaps, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, snaps, 3)
	assert.Equal(t, "a", snaps[0].Name)
	assert.Equal(t, "c", snaps[2].Name)

	require.NoError(t, s.Delete(ctx, "b"))
	snaps, err = s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, snaps, 2)

	// Deleting an absent name is fine.
	require.NoError(t, s.Delete(ctx, "b"))
}

func TestReopenPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snapshots.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, &Snapshot{Name: "persisted", InstanceID: "vm-9"}))
	require.NoError(t, s.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.Get(ctx, "persisted")
	require.NoError(t, err)
	assert.Equal(t, "vm-9", got.InstanceID)
}
