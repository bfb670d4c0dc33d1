package objstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/flare-foundation/light-sync/pkg/config"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestFSPutGet(t *testing.T) {
	ctx := context.Background()
	store, err := NewFS(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Put(ctx, "snapshots/16/a.snap", []byte("first")))
	require.NoError(t, store.Put(ctx, "snapshots/16/a.snap", []byte("second")))

	data, err := store.Get(ctx, "snapshots/16/a.snap")
	require.NoError(t, err)
	require.Equal(t, []byte("second"), data)

	_, err = store.Get(ctx, "snapshots/16/missing.snap")
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestFSList(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := NewFS(dir)
	require.NoError(t, err)

	for _, key := range []string{"snapshots/16/b", "snapshots/16/a", "snapshots/17/a", "other"} {
		require.NoError(t, store.Put(ctx, key, []byte(key)))
	}

	// an interrupted write
	require.NoError(t, os.WriteFile(filepath.Join(dir, "snapshots", "16", "c.tmp.1"), nil, 0o644))

	keys, err := store.List(ctx, "snapshots/16/")
	require.NoError(t, err)
	require.Equal(t, []string{"snapshots/16/a", "snapshots/16/b"}, keys)

	keys, err = store.List(ctx, "none/")
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestFSRejectsEscapingKeys(t *testing.T) {
	ctx := context.Background()
	store, err := NewFS(t.TempDir())
	require.NoError(t, err)

	for _, key := range []string{"../x", "/etc/passwd", "a/../../x", ""} {
		require.Error(t, store.Put(ctx, key, []byte("x")), key)
	}
}

func TestNewUnsupported(t *testing.T) {
	_, err := New(context.Background(), &config.Storage{Type: "ftp"})
	require.Error(t, err)

	store, err := New(context.Background(), &config.Storage{Type: config.StorageTypeFS, LocalPath: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, store.Close())
}
