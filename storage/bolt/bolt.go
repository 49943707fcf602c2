// Package bolt is a single-file storage backend based on boltdb.
package bolt

import (
	"bytes"
	"time"

	"go.etcd.io/bbolt"

	"github.com/pinhub/pinhub/storage"
)

const (
	// defaultPath is the default file path for the boltdb file.
	defaultPath = "pinhub.db"

	// defaultTimeout is the default time to hold a connection to the file.
	defaultTimeout = 250 * time.Millisecond

	defaultBucket = "pinhub"
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

// Options contains configuration settings for the bolt instance.
type Options struct {
	Options *bbolt.Options
	Bucket  string `yaml:"bucket" json:"bucket"`
	Path    string `yaml:"path" json:"path"`
}

// Store is a storage backend using a boltdb file store.
type Store struct {
	config *Options  // options for configuring the boltdb instance.
	db     *bbolt.DB // the boltdb instance.
}

// New returns a new bolt store. A nil options value defaults the file path
// and bucket.
func New(config *Options) *Store {
	if config == nil {
		config = new(Options)
	}
	if config.Path == "" {
		config.Path = defaultPath
	}
	if config.Bucket == "" {
		config.Bucket = defaultBucket
	}
	if config.Options == nil {
		config.Options = &bbolt.Options{
			Timeout: defaultTimeout,
		}
	}
	return &Store{
		config: config,
	}
}

// Open opens the boltdb file and ensures the bucket exists.
func (s *Store) Open() error {
	db, err := bbolt.Open(s.config.Path, 0600, s.config.Options)
	if err != nil {
		return err
	}
	s.db = db

	return s.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(s.config.Bucket))
		return err
	})
}

// Close closes the boltdb instance.
func (s *Store) Close() {
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
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(s.config.Bucket)).Put(key, data)
	})
}

// get reads a record under a key into a serializable value.
func (s *Store) get(key []byte, d storage.Serializable) error {
	if s.db == nil {
		return storage.ErrDBFileNotOpen
	}
	return s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(s.config.Bucket)).Get(key)
		if data == nil {
			return storage.ErrNotFound
		}
		return d.UnmarshalBinary(data)
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
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(s.config.Bucket)).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var d storage.Device
			if err := d.UnmarshalBinary(v); err != nil {
				return err
			}
			out = append(out, d)
		}
		return nil
	})
	return out, err
}
