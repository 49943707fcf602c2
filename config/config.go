// Package config parses server configuration from YAML or JSON sources and
// assembles a ready-to-serve server from it.
package config

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/pinhub/pinhub"
	"github.com/pinhub/pinhub/listeners"
	"github.com/pinhub/pinhub/storage"
	"github.com/pinhub/pinhub/storage/badger"
	"github.com/pinhub/pinhub/storage/bolt"
	"github.com/pinhub/pinhub/storage/redis"
)

// Config defines the structure of configuration data to be parsed from a
// config source.
type Config struct {
	Options   pinhub.Options   `yaml:"options" json:"options"`
	Listeners []ListenerConfig `yaml:"listeners" json:"listeners"`
	Storage   *StorageConfig   `yaml:"storage" json:"storage"`
	Logging   LoggingConfig    `yaml:"logging" json:"logging"`
}

// ListenerConfig contains configuration values for a single network listener.
type ListenerConfig struct {
	Type     string `yaml:"type" json:"type"`           // tcp or ws.
	ID       string `yaml:"id" json:"id"`               // the unique id of the listener.
	Address  string `yaml:"address" json:"address"`     // the network address to bind to.
	CertFile string `yaml:"cert_file" json:"cert_file"` // path to a TLS certificate; enables TLS when set.
	KeyFile  string `yaml:"key_file" json:"key_file"`   // path to the TLS certificate key.
}

// StorageConfig selects and configures the external store backend. At most
// one backend should be set; with none set the server runs on an in-memory
// store.
type StorageConfig struct {
	Badger *badger.Options `yaml:"badger" json:"badger"`
	Bolt   *bolt.Options   `yaml:"bolt" json:"bolt"`
	Redis  *redis.Options  `yaml:"redis" json:"redis"`
}

// LoggingConfig contains configuration values for the server logger.
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"` // debug, info, warn or error.
}

// FromBytes unmarshals a byte slice of JSON or YAML config data into a
// Config value.
func FromBytes(b []byte) (*Config, error) {
	c := new(Config)

	if len(b) == 0 {
		return c, nil
	}

	if b[0] == '{' {
		if err := json.Unmarshal(b, c); err != nil {
			return nil, err
		}
	} else {
		if err := yaml.Unmarshal(b, c); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// FromFile reads and parses a config file.
func FromFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromBytes(b)
}

// Store returns the external store the config selects, defaulting to an
// in-memory store when no backend is configured.
func (c *Config) Store() storage.Store {
	if c.Storage != nil {
		switch {
		case c.Storage.Bolt != nil:
			return bolt.New(c.Storage.Bolt)
		case c.Storage.Badger != nil:
			return badger.New(c.Storage.Badger)
		case c.Storage.Redis != nil:
			return redis.New(c.Storage.Redis)
		}
	}
	return storage.NewMemStore()
}

// Logger returns a text logger writing to stderr at the configured level.
func (c *Config) Logger() *slog.Logger {
	var level slog.Level
	switch c.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// Server assembles a server from the config: store opened, logger installed
// and all configured listeners bound to their network addresses.
func (c *Config) Server() (*pinhub.Server, error) {
	store := c.Store()
	if err := store.Open(); err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	opts := c.Options
	opts.Logger = c.Logger()
	server := pinhub.New(store, &opts)

	for _, lc := range c.Listeners {
		l, err := newListener(lc)
		if err != nil {
			return nil, err
		}

		var config *listeners.Config
		if lc.CertFile != "" {
			cert, err := tls.LoadX509KeyPair(lc.CertFile, lc.KeyFile)
			if err != nil {
				return nil, fmt.Errorf("loading listener %q certificate: %w", lc.ID, err)
			}
			config = &listeners.Config{
				TLSConfig: &tls.Config{Certificates: []tls.Certificate{cert}},
			}
		}

		if err := server.AddListener(l, config); err != nil {
			return nil, err
		}
	}

	return server, nil
}

// newListener returns a fresh listener of the configured type.
func newListener(lc ListenerConfig) (listeners.Listener, error) {
	switch lc.Type {
	case "tcp", "":
		return listeners.NewTCP(lc.ID, lc.Address), nil
	case "ws", "websocket":
		return listeners.NewWebsocket(lc.ID, lc.Address), nil
	default:
		return nil, fmt.Errorf("unknown listener type %q", lc.Type)
	}
}
