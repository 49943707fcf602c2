// Package badger is an embedded LSM storage backend based on BadgerDB.
package badger

import (
	"errors"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/pinhub/pinhub/storage"
)

const (
	// defaultPath is the default directory for the badger files.
	defaultPath = ".badger"

	// defaultGcInterval is the default interval in seconds between value
	// log garbage collection runs.
	defaultGcInterval int64 = 5 * 60

	// defaultGcDiscardRatio is the default ratio of log discard for the
	// garbage collector.
	defaultGcDiscardRatio float64 = 0.5
)

// userKey returns a primary key for a user.
func userKey(email string) []byte {
	return []byte(storage.UserKey + "_" + email)
}

// deviceKey returns a primary key for a device.
func deviceKey(account, id string) []byte {
	return []byte(storage.DeviceKey + "_" + account + ":" + id)
}

// tokenKey returns a primary key for a token lookup.
func tokenKey(token string) []byte {
	return []byte(storage.TokenKey + "_" + token)
}

// Options contains configuration settings for the BadgerDB instance.
type Options struct {
	Options        *badgerdb.Options
	Path           string  `yaml:"path" json:"path"`
	GcDiscardRatio float64 `yaml:"gc_discard_ratio" json:"gc_discard_ratio"`
	GcInterval     int64   `yaml:"gc_interval" json:"gc_interval"`
}

// Store is a storage backend using a BadgerDB file store.
type Store struct {
	config   *Options     // options for configuring the BadgerDB instance.
	gcTicker *time.Ticker // ticker for BadgerDB garbage collection.
	db       *badgerdb.DB // the BadgerDB instance.
}

// New returns a new badger store. A nil options value defaults the path and
// garbage collection settings.
func New(config *Options) *Store {
	if config == nil {
		config = new(Options)
	}
	if config.Path == "" {
		config.Path = defaultPath
	}
	if config.GcInterval == 0 {
		config.GcInterval = defaultGcInterval
	}
	if config.GcDiscardRatio <= 0.0 || config.GcDiscardRatio >= 1.0 {
		config.GcDiscardRatio = defaultGcDiscardRatio
	}
	if config.Options == nil {
		opts := badgerdb.DefaultOptions(config.Path)
		opts.Logger = nil
		config.Options = &opts
	}
	return &Store{
		config: config,
	}
}

// Open opens the badger instance and starts the garbage collection loop.
func (s *Store) Open() error {
	db, err := badgerdb.Open(*s.config.Options)
	if err != nil {
		return err
	}
	s.db = db

	s.gcTicker = time.NewTicker(time.Duration(s.config.GcInterval) * time.Second)
	go s.gcLoop()

	return nil
}

// gcLoop periodically runs the garbage collection process to reclaim space
// in the value log files. A nil return from the collector means space was
// reclaimed and another pass may succeed immediately.
func (s *Store) gcLoop() {
	for range s.gcTicker.C {
		for {
			if err := s.db.RunValueLogGC(s.config.GcDiscardRatio); err != nil {
				break
			}
		}
	}
}

// Close closes the badger instance.
func (s *Store) Close() {
	if s.gcTicker != nil {
		s.gcTicker.Stop()
	}
	if s.db != nil {
		s.db.Close()
		s.db = nil
	}
}

// put writes a serializable record under a key.
func (s *Store) put(key []byte, d storage.Serializable) error {
	if s.db == nil {
		return storage.ErrDBFileNotOpen
	}
	data, err := d.MarshalBinary()
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *badgerdb.Txn) error {
		return tx.Set(key, data)
	})
}

// get reads a record under a key into a serializable value.
func (s *Store) get(key []byte, d storage.Serializable) error {
	if s.db == nil {
		return storage.ErrDBFileNotOpen
	}
	return s.db.View(func(tx *badgerdb.Txn) error {
		item, err := tx.Get(key)
		if err != nil {
			if errors.Is(err, badgerdb.ErrKeyNotFound) {
				return storage.ErrNotFound
			}
			return err
		}
		return item.Value(func(v []byte) error {
			return d.UnmarshalBinary(v)
		})
	})
}

// PutUser writes a user record.
func (s *Store) PutUser(u storage.User) error {
	return s.put(userKey(u.Email), &u)
}

// User reads a user record by email.
func (s *Store) User(email string) (storage.User, error) {
	var u storage.User
	err := s.get(userKey(email), &u)
	return u, err
}

// PutDevice writes a device record under its account key and, when a token
// is issued, under its token key.
func (s *Store) PutDevice(d storage.Device) error {
	if err := s.put(deviceKey(d.Account, d.ID), &d); err != nil {
		return err
	}
	if d.Token != "" {
		return s.put(tokenKey(d.Token), &d)
	}
	return nil
}

// Device reads a device record by account and id.
func (s *Store) Device(account, id string) (storage.Device, error) {
	var d storage.Device
	err := s.get(deviceKey(account, id), &d)
	return d, err
}

// DeviceByToken reads a device record by its auth token.
func (s *Store) DeviceByToken(token string) (storage.Device, error) {
	var d storage.Device
	err := s.get(tokenKey(token), &d)
	return d, err
}

// Devices reads all device records belonging to an account.
func (s *Store) Devices(account string) ([]storage.Device, error) {
	if s.db == nil {
		return nil, storage.ErrDBFileNotOpen
	}

	out := make([]storage.Device, 0)
	prefix := deviceKey(account, "")
	err := s.db.View(func(tx *badgerdb.Txn) error {
		it := tx.NewIterator(badgerdb.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var d storage.Device
			err := it.Item().Value(func(v []byte) error {
				return d.UnmarshalBinary(v)
			})
			if err != nil {
				return err
			}
			out = append(out, d)
		}
		return nil
	})
	return out, err
}
