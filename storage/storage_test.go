package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUserMarshalBinary(t *testing.T) {
	u := User{
		Email:    "user@example.com",
		PassHash: "ab12cd34",
		Created:  100,
	}
	data, err := u.MarshalBinary()
	require.NoError(t, err)

	var out User
	require.NoError(t, out.UnmarshalBinary(data))
	require.Equal(t, u, out)

	// Unmarshalling empty data is a no-op, not an error.
	require.NoError(t, out.UnmarshalBinary(nil))
}

func TestDeviceMarshalBinary(t *testing.T) {
	d := Device{
		ID:      "dev1",
		Account: "user@example.com",
		Token:   "token123",
		Name:    "Greenhouse",
		Board:   "esp32",
		Online:  true,
		Pins:    map[string]string{"v1": "vw\x001\x00100"},
	}
	data, err := d.MarshalBinary()
	require.NoError(t, err)

	var out Device
	require.NoError(t, out.UnmarshalBinary(data))
	require.Equal(t, d, out)
}

func TestNewToken(t *testing.T) {
	a := NewToken()
	b := NewToken()
	require.Len(t, a, 40)
	require.NotEqual(t, a, b)
}

func TestMemStoreUser(t *testing.T) {
	s := NewMemStore()
	require.NoError(t, s.Open())
	defer s.Close()

	_, err := s.User("user@example.com")
	require.ErrorIs(t, err, ErrNotFound)

	u := User{Email: "user@example.com", PassHash: "ab12cd34"}
	require.NoError(t, s.PutUser(u))

	got, err := s.User("user@example.com")
	require.NoError(t, err)
	require.Equal(t, u, got)
}

func TestMemStoreDevice(t *testing.T) {
	s := NewMemStore()
	require.NoError(t, s.Open())
	defer s.Close()

	d := Device{ID: "dev1", Account: "user@example.com", Token: "token123"}
	require.NoError(t, s.PutDevice(d))

	got, err := s.Device("user@example.com", "dev1")
	require.NoError(t, err)
	require.Equal(t, d, got)

	got, err = s.DeviceByToken("token123")
	require.NoError(t, err)
	require.Equal(t, d, got)

	_, err = s.Device("user@example.com", "dev2")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.DeviceByToken("nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemStoreDevices(t *testing.T) {
	s := NewMemStore()
	require.NoError(t, s.Open())
	defer s.Close()

	require.NoError(t, s.PutDevice(Device{ID: "dev1", Account: "a@example.com"}))
	require.NoError(t, s.PutDevice(Device{ID: "dev2", Account: "a@example.com"}))
	require.NoError(t, s.PutDevice(Device{ID: "dev1", Account: "b@example.com"}))

	all, err := s.Devices("a@example.com")
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestMemStoreDeviceUpdate(t *testing.T) {
	s := NewMemStore()
	require.NoError(t, s.Open())
	defer s.Close()

	d := Device{ID: "dev1", Account: "user@example.com", Token: "token123"}
	require.NoError(t, s.PutDevice(d))

	d.Online = true
	require.NoError(t, s.PutDevice(d))

	got, err := s.DeviceByToken("token123")
	require.NoError(t, err)
	require.True(t, got.Online)
}

func BenchmarkMemStoreDeviceByToken(b *testing.B) {
	s := NewMemStore()
	s.Open()
	s.PutDevice(Device{ID: "dev1", Account: "user@example.com", Token: "token123"})
	for n := 0; n < b.N; n++ {
		s.DeviceByToken("token123")
	}
}
