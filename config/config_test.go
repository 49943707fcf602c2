package config

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pinhub/pinhub/listeners"
	"github.com/pinhub/pinhub/storage"
	"github.com/pinhub/pinhub/storage/bolt"
)

const yamlConfig = `
options:
  keepalive: 30
  send_queue: 128
listeners:
  - type: tcp
    id: t1
    address: :8442
  - type: ws
    id: ws1
    address: :8443
storage:
  bolt:
    path: pinhub.db
    bucket: pinhub
logging:
  level: debug
`

const jsonConfig = `{
  "options": {"keepalive": 30},
  "listeners": [{"type": "tcp", "id": "t1", "address": ":8442"}]
}`

func TestFromBytesYAML(t *testing.T) {
	c, err := FromBytes([]byte(yamlConfig))
	require.NoError(t, err)
	require.Equal(t, uint16(30), c.Options.Keepalive)
	require.Equal(t, 128, c.Options.SendQueue)
	require.Len(t, c.Listeners, 2)
	require.Equal(t, "ws", c.Listeners[1].Type)
	require.NotNil(t, c.Storage)
	require.NotNil(t, c.Storage.Bolt)
	require.Equal(t, "pinhub.db", c.Storage.Bolt.Path)
	require.Equal(t, "debug", c.Logging.Level)
}

func TestFromBytesJSON(t *testing.T) {
	c, err := FromBytes([]byte(jsonConfig))
	require.NoError(t, err)
	require.Equal(t, uint16(30), c.Options.Keepalive)
	require.Len(t, c.Listeners, 1)
}

func TestFromBytesEmpty(t *testing.T) {
	c, err := FromBytes(nil)
	require.NoError(t, err)
	require.Empty(t, c.Listeners)
}

func TestFromBytesMalformed(t *testing.T) {
	_, err := FromBytes([]byte("{not json"))
	require.Error(t, err)
	_, err = FromBytes([]byte("\t- bad yaml"))
	require.Error(t, err)
}

func TestStoreSelection(t *testing.T) {
	c := new(Config)
	require.IsType(t, new(storage.MemStore), c.Store())

	c.Storage = &StorageConfig{Bolt: &bolt.Options{Path: "x.db"}}
	require.IsType(t, new(bolt.Store), c.Store())
}

func TestLoggerLevels(t *testing.T) {
	for level, want := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"":      slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		c := &Config{Logging: LoggingConfig{Level: level}}
		log := c.Logger()
		require.True(t, log.Enabled(context.Background(), want))
		require.False(t, log.Enabled(context.Background(), want-1))
	}
}

func TestNewListener(t *testing.T) {
	l, err := newListener(ListenerConfig{Type: "tcp", ID: "t1", Address: ":0"})
	require.NoError(t, err)
	require.IsType(t, new(listeners.TCP), l)

	l, err = newListener(ListenerConfig{Type: "websocket", ID: "ws1", Address: ":0"})
	require.NoError(t, err)
	require.IsType(t, new(listeners.Websocket), l)

	// An unset type defaults to tcp.
	l, err = newListener(ListenerConfig{ID: "t2", Address: ":0"})
	require.NoError(t, err)
	require.IsType(t, new(listeners.TCP), l)

	_, err = newListener(ListenerConfig{Type: "carrier-pigeon"})
	require.Error(t, err)
}

func TestServerAssembly(t *testing.T) {
	c, err := FromBytes([]byte(`
listeners:
  - type: tcp
    id: t1
    address: 127.0.0.1:0
`))
	require.NoError(t, err)

	server, err := c.Server()
	require.NoError(t, err)
	defer server.Close()

	_, ok := server.Listeners.Get("t1")
	require.True(t, ok)
}

func TestServerBadListener(t *testing.T) {
	c := &Config{
		Listeners: []ListenerConfig{{Type: "bad", ID: "x"}},
	}
	_, err := c.Server()
	require.Error(t, err)
}
