package listeners

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewTCP(t *testing.T) {
	l := NewTCP("t1", ":0")
	require.Equal(t, "t1", l.ID())
	require.Equal(t, "tcp", l.protocol)
}

func TestTCPSetConfig(t *testing.T) {
	l := NewTCP("t1", ":0")
	l.SetConfig(&Config{})
	require.NotNil(t, l.config)

	l.SetConfig(nil) // nil config is ignored.
	require.NotNil(t, l.config)
}

func TestTCPListenServeClose(t *testing.T) {
	l := NewTCP("t1", "127.0.0.1:0")
	require.NoError(t, l.Listen())

	established := make(chan net.Conn, 1)
	go l.Serve(func(id string, c net.Conn) error {
		require.Equal(t, "t1", id)
		established <- c
		return nil
	})

	conn, err := net.Dial("tcp", l.Address())
	require.NoError(t, err)
	defer conn.Close()

	select {
	case c := <-established:
		c.Close()
	case <-time.After(time.Second):
		t.Fatal("connection was not established")
	}

	var closed bool
	l.Close(func(id string) {
		closed = true
	})
	require.True(t, closed)

	_, err = net.Dial("tcp", l.Address())
	require.Error(t, err)
}

func TestTCPListenOccupiedAddress(t *testing.T) {
	l := NewTCP("t1", "127.0.0.1:0")
	require.NoError(t, l.Listen())
	defer l.Close(MockCloser)

	dupe := NewTCP("t2", l.Address())
	require.Error(t, dupe.Listen())
}
