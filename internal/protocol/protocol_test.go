package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCommandValid(t *testing.T) {
	require.True(t, Response.Valid())
	require.True(t, HardwareConnected.Valid())
	require.False(t, Command(99).Valid())
}

func TestCommandString(t *testing.T) {
	require.Equal(t, "login", Login.String())
	require.Equal(t, "hardware_sync", HardwareSync.String())
	require.Equal(t, "unknown", Command(99).String())
}

func TestNewMessage(t *testing.T) {
	m := NewMessage(Hardware, 7, "vw", "1", "100")
	require.Equal(t, uint16(7), m.ID)
	require.Equal(t, Hardware, m.Command)
	require.Equal(t, []byte("vw\x001\x00100"), m.Body)
}

func TestNewMessageEmptyBody(t *testing.T) {
	m := NewMessage(Ping, 1)
	require.Nil(t, m.Body)
	require.Nil(t, m.Parts())
}

func TestParts(t *testing.T) {
	m := NewMessage(Bridge, 2, "64", "i", "token123")
	require.Equal(t, []string{"64", "i", "token123"}, m.Parts())
}

func TestPartsSingle(t *testing.T) {
	m := NewMessage(Login, 1, "token123")
	require.Equal(t, []string{"token123"}, m.Parts())
}

func TestNewResponseStatus(t *testing.T) {
	m := NewResponse(11, OK)
	require.Equal(t, Response, m.Command)
	require.Equal(t, uint16(11), m.ID)
	require.Equal(t, []byte("200"), m.Body)

	v, err := m.Status()
	require.NoError(t, err)
	require.Equal(t, OK, v)
}

func TestStatusNotResponse(t *testing.T) {
	m := NewMessage(Ping, 1)
	_, err := m.Status()
	require.Error(t, err)
}

func TestStatusBadBody(t *testing.T) {
	m := Message{ID: 1, Command: Response, Body: []byte("abc")}
	_, err := m.Status()
	require.Error(t, err)
}

func TestJoinParts(t *testing.T) {
	require.Nil(t, JoinParts())
	require.Equal(t, []byte("a"), JoinParts("a"))
	require.Equal(t, []byte("a\x00b\x00c"), JoinParts("a", "b", "c"))
}

func TestMessageString(t *testing.T) {
	m := NewMessage(Hardware, 3, "vw", "1", "100")
	require.Equal(t, `hardware[3] "vw 1 100"`, m.String())
}

func BenchmarkNewMessage(b *testing.B) {
	for n := 0; n < b.N; n++ {
		NewMessage(Hardware, 7, "vw", "1", "100")
	}
}

func BenchmarkParts(b *testing.B) {
	m := NewMessage(Hardware, 7, "vw", "1", "100")
	for n := 0; n < b.N; n++ {
		m.Parts()
	}
}
