package directory

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pinhub/pinhub/storage"
)

// countingStore wraps a MemStore and counts token lookups so tests can prove
// reads were served from the cache.
type countingStore struct {
	*storage.MemStore
	tokenReads int
}

func (s *countingStore) DeviceByToken(token string) (storage.Device, error) {
	s.tokenReads++
	return s.MemStore.DeviceByToken(token)
}

func newDirectory(t *testing.T) (*Directory, *countingStore) {
	t.Helper()
	store := &countingStore{MemStore: storage.NewMemStore()}
	require.NoError(t, store.Open())
	d := New(store, nil)
	t.Cleanup(d.Close)
	return d, store
}

func seedDevice(t *testing.T, store storage.Store) storage.Device {
	t.Helper()
	dev := storage.Device{
		ID:      "dev1",
		Account: "user@example.com",
		Token:   "token123",
	}
	require.NoError(t, store.PutDevice(dev))
	return dev
}

func TestResolveToken(t *testing.T) {
	d, store := newDirectory(t)
	dev := seedDevice(t, store)

	got, err := d.ResolveToken("token123")
	require.NoError(t, err)
	require.Equal(t, dev, got)

	_, err = d.ResolveToken("nope")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestResolveTokenReadThrough(t *testing.T) {
	d, store := newDirectory(t)
	seedDevice(t, store)

	_, err := d.ResolveToken("token123")
	require.NoError(t, err)
	_, err = d.ResolveToken("token123")
	require.NoError(t, err)
	require.Equal(t, 1, store.tokenReads)
}

func TestResolveTokenSnapshotDetached(t *testing.T) {
	d, store := newDirectory(t)
	seedDevice(t, store)
	require.NoError(t, d.SaveValue("user@example.com", "dev1", "v1", "vw\x001\x00100"))

	got, err := d.ResolveToken("token123")
	require.NoError(t, err)
	got.Pins["v1"] = "tampered"

	vals, err := d.Values("user@example.com", "dev1")
	require.NoError(t, err)
	require.Equal(t, "vw\x001\x00100", vals["v1"])
}

func TestAuthenticate(t *testing.T) {
	d, store := newDirectory(t)
	u := storage.User{Email: "user@example.com", PassHash: "ab12cd34"}
	require.NoError(t, store.PutUser(u))

	got, err := d.Authenticate("user@example.com", "ab12cd34")
	require.NoError(t, err)
	require.Equal(t, u, got)

	_, err = d.Authenticate("user@example.com", "wrong")
	require.ErrorIs(t, err, ErrAuthFailed)

	_, err = d.Authenticate("nobody@example.com", "ab12cd34")
	require.ErrorIs(t, err, ErrUnknownUser)
}

func TestRegister(t *testing.T) {
	d, _ := newDirectory(t)
	u := storage.User{Email: "user@example.com", PassHash: "ab12cd34"}

	require.NoError(t, d.Register(u))
	require.ErrorIs(t, d.Register(u), ErrUserExists)

	got, err := d.Authenticate("user@example.com", "ab12cd34")
	require.NoError(t, err)
	require.Equal(t, u, got)
}

func TestSaveValue(t *testing.T) {
	d, store := newDirectory(t)
	seedDevice(t, store)

	require.NoError(t, d.SaveValue("user@example.com", "dev1", "v1", "vw\x001\x00100"))
	require.NoError(t, d.SaveValue("user@example.com", "dev1", "a2", "aw\x002\x00255"))
	require.NoError(t, d.SaveValue("user@example.com", "dev1", "v1", "vw\x001\x00200"))

	vals, err := d.Values("user@example.com", "dev1")
	require.NoError(t, err)
	require.Equal(t, map[string]string{
		"v1": "vw\x001\x00200",
		"a2": "aw\x002\x00255",
	}, vals)
}

func TestSaveValueUnknownDevice(t *testing.T) {
	d, _ := newDirectory(t)
	err := d.SaveValue("user@example.com", "ghost", "v1", "x")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestWriteback(t *testing.T) {
	d, store := newDirectory(t)
	seedDevice(t, store)

	require.NoError(t, d.SaveValue("user@example.com", "dev1", "v1", "vw\x001\x00100"))

	require.Eventually(t, func() bool {
		dev, err := store.Device("user@example.com", "dev1")
		return err == nil && dev.Pins["v1"] == "vw\x001\x00100"
	}, time.Second, 5*time.Millisecond)
}

func TestCloseFlushesWriteback(t *testing.T) {
	store := storage.NewMemStore()
	require.NoError(t, store.Open())
	d := New(store, nil)

	dev := storage.Device{ID: "dev1", Account: "user@example.com", Token: "token123"}
	require.NoError(t, store.PutDevice(dev))
	require.NoError(t, d.SetOnline("user@example.com", "dev1", true))

	d.Close()

	got, err := store.Device("user@example.com", "dev1")
	require.NoError(t, err)
	require.True(t, got.Online)
}

func TestSetOnline(t *testing.T) {
	d, store := newDirectory(t)
	seedDevice(t, store)

	require.NoError(t, d.SetOnline("user@example.com", "dev1", true))
	dev, err := d.Device("user@example.com", "dev1")
	require.NoError(t, err)
	require.True(t, dev.Online)

	require.NoError(t, d.SetOnline("user@example.com", "dev1", false))
	dev, err = d.Device("user@example.com", "dev1")
	require.NoError(t, err)
	require.False(t, dev.Online)
}

func TestInvalidate(t *testing.T) {
	d, store := newDirectory(t)
	seedDevice(t, store)

	_, err := d.ResolveToken("token123")
	require.NoError(t, err)
	require.Equal(t, 1, store.tokenReads)

	d.Invalidate("token123")

	_, err = d.ResolveToken("token123")
	require.NoError(t, err)
	require.Equal(t, 2, store.tokenReads)
}

func TestInvalidateUser(t *testing.T) {
	d, store := newDirectory(t)
	require.NoError(t, store.PutUser(storage.User{Email: "user@example.com", PassHash: "old"}))

	_, err := d.Authenticate("user@example.com", "old")
	require.NoError(t, err)

	// Credential rotated externally; the stale cache entry must be dropped.
	require.NoError(t, store.PutUser(storage.User{Email: "user@example.com", PassHash: "new"}))
	d.InvalidateUser("user@example.com")

	_, err = d.Authenticate("user@example.com", "new")
	require.NoError(t, err)
}

// notifyingStore pushes invalidation events like the redis backend does.
type notifyingStore struct {
	*storage.MemStore
	fn func(token string)
}

func (s *notifyingStore) OnInvalidate(fn func(token string)) {
	s.fn = fn
}

func TestNotifierWiring(t *testing.T) {
	store := &notifyingStore{MemStore: storage.NewMemStore()}
	require.NoError(t, store.Open())
	d := New(store, nil)
	t.Cleanup(d.Close)
	require.NotNil(t, store.fn)

	seedDevice(t, store)
	_, err := d.ResolveToken("token123")
	require.NoError(t, err)

	store.fn("token123")
	d.mu.RLock()
	_, ok := d.tokens["token123"]
	d.mu.RUnlock()
	require.False(t, ok)
}

// failingStore returns an error on every device write.
type failingStore struct {
	*storage.MemStore
}

func (s *failingStore) PutDevice(d storage.Device) error {
	if d.Pins != nil {
		return errors.New("disk full")
	}
	return s.MemStore.PutDevice(d)
}

func TestWritebackFailureIsNotFatal(t *testing.T) {
	store := &failingStore{MemStore: storage.NewMemStore()}
	require.NoError(t, store.Open())
	d := New(store, nil)
	t.Cleanup(d.Close)
	seedDevice(t, store)

	// The cache keeps serving even though persistence fails.
	require.NoError(t, d.SaveValue("user@example.com", "dev1", "v1", "vw\x001\x00100"))
	vals, err := d.Values("user@example.com", "dev1")
	require.NoError(t, err)
	require.Equal(t, "vw\x001\x00100", vals["v1"])
}

func BenchmarkResolveTokenCached(b *testing.B) {
	store := storage.NewMemStore()
	store.Open()
	store.PutDevice(storage.Device{ID: "dev1", Account: "user@example.com", Token: "token123"})
	d := New(store, nil)
	defer d.Close()

	for n := 0; n < b.N; n++ {
		if _, err := d.ResolveToken("token123"); err != nil {
			b.Fatal(err)
		}
	}
}
