package netdb

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	assertEventuallyTimeout = time.Second
	assertEventuallyTick    = 5 * time.Millisecond
)

func TestFileStorageSaveLoadRemoveIterate(t *testing.T) {
	root := filepath.Join(t.TempDir(), "netdb")
	s, err := NewFileStorage(root)
	require.NoError(t, err)
	require.Equal(t, root, s.Path())

	require.NoError(t, s.Save("abc123", []byte("hello")))
	require.NoError(t, s.Save("abd456", []byte("world")))

	got, err := s.Load("abc123")
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got)

	names, err := s.Iterate()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"abc123", "abd456"}, names)

	require.NoError(t, s.Remove("abc123"))
	require.NoError(t, s.Remove("abc123")) // removing twice is not an error

	names, err = s.Iterate()
	require.NoError(t, err)
	require.Equal(t, []string{"abd456"}, names)
}

func TestFileStorageIterateOnMissingRoot(t *testing.T) {
	s := &FileStorage{root: filepath.Join(t.TempDir(), "does-not-exist")}
	names, err := s.Iterate()
	require.NoError(t, err)
	require.Empty(t, names)
}

func TestNetDbPersistsAndReloadsRouters(t *testing.T) {
	root := filepath.Join(t.TempDir(), "netdb")
	storage, err := NewFileStorage(root)
	require.NoError(t, err)

	db := New(Config{MinRouters: 0}, storage, nil, nil)
	ri := newSignedRouterInfo(t, 1000, true)
	inserted, err := db.StoreRouterInfo(ri)
	require.NoError(t, err)
	require.True(t, inserted)

	require.Eventually(t, func() bool {
		names, err := storage.Iterate()
		return err == nil && len(names) == 1
	}, assertEventuallyTimeout, assertEventuallyTick)

	fresh := New(Config{MinRouters: 0}, storage, nil, nil)
	loaded, err := fresh.LoadPersisted()
	require.NoError(t, err)
	require.Equal(t, 1, loaded)
	require.Equal(t, 1, fresh.RouterCount())
	require.Equal(t, 1, fresh.FloodfillCount())

	got, ok := fresh.RouterInfo(ri.Hash())
	require.True(t, ok)
	require.Equal(t, ri.TimestampMS, got.TimestampMS)
}

func TestNetDbRemovesPersistedEntryOnExpiry(t *testing.T) {
	root := filepath.Join(t.TempDir(), "netdb")
	storage, err := NewFileStorage(root)
	require.NoError(t, err)

	db := New(Config{MinRouters: 0}, storage, nil, nil)
	old := newSignedRouterInfo(t, 1, false)
	_, err = db.StoreRouterInfo(old)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		names, _ := storage.Iterate()
		return len(names) == 1
	}, assertEventuallyTimeout, assertEventuallyTick)

	db.ExpirationSweep(time.UnixMilli(1).Add(ExpiryHorizon * 2))

	require.Eventually(t, func() bool {
		names, err := storage.Iterate()
		return err == nil && len(names) == 0
	}, assertEventuallyTimeout, assertEventuallyTick)
}
