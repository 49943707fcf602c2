package badger

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pinhub/pinhub/storage"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s := New(&Options{
		Path: t.TempDir(),
	})
	require.NoError(t, s.Open())
	t.Cleanup(s.Close)
	return s
}

func TestNewDefaults(t *testing.T) {
	s := New(nil)
	require.Equal(t, defaultPath, s.config.Path)
	require.Equal(t, defaultGcInterval, s.config.GcInterval)
	require.Equal(t, defaultGcDiscardRatio, s.config.GcDiscardRatio)
	require.NotNil(t, s.config.Options)
}

func TestNotOpen(t *testing.T) {
	s := New(&Options{Path: t.TempDir()})
	require.ErrorIs(t, s.PutUser(storage.User{Email: "x"}), storage.ErrDBFileNotOpen)
	_, err := s.User("x")
	require.ErrorIs(t, err, storage.ErrDBFileNotOpen)
}

func TestUserRoundTrip(t *testing.T) {
	s := newStore(t)

	u := storage.User{Email: "user@example.com", PassHash: "ab12cd34", Created: 100}
	require.NoError(t, s.PutUser(u))

	got, err := s.User("user@example.com")
	require.NoError(t, err)
	require.Equal(t, u, got)

	_, err = s.User("other@example.com")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDeviceRoundTrip(t *testing.T) {
	s := newStore(t)

	d := storage.Device{
		ID:      "dev1",
		Account: "user@example.com",
		Token:   "token123",
		Online:  true,
	}
	require.NoError(t, s.PutDevice(d))

	got, err := s.Device("user@example.com", "dev1")
	require.NoError(t, err)
	require.Equal(t, d, got)

	got, err = s.DeviceByToken("token123")
	require.NoError(t, err)
	require.Equal(t, d, got)

	_, err = s.DeviceByToken("nope")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDevicesPrefixScan(t *testing.T) {
	s := newStore(t)

	require.NoError(t, s.PutDevice(storage.Device{ID: "dev1", Account: "a@example.com", Token: "t1"}))
	require.NoError(t, s.PutDevice(storage.Device{ID: "dev2", Account: "a@example.com", Token: "t2"}))
	require.NoError(t, s.PutDevice(storage.Device{ID: "dev1", Account: "b@example.com", Token: "t3"}))

	all, err := s.Devices("a@example.com")
	require.NoError(t, err)
	require.Len(t, all, 2)
	for _, d := range all {
		require.Equal(t, "a@example.com", d.Account)
	}
}
