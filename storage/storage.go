package storage

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/rs/xid"
)

const (
	UserKey   = "USR" // unique key prefix to denote users in a store.
	DeviceKey = "DEV" // unique key prefix to denote devices in a store.
	TokenKey  = "TOK" // unique key prefix to denote token lookups in a store.
)

var (
	// ErrNotFound indicates that a requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrDBFileNotOpen indicates that the file database (e.g. bolt/badger)
	// wasn't open for reading.
	ErrDBFileNotOpen = errors.New("db file not open")
)

// Serializable is an interface for objects that can be serialized and
// deserialized.
type Serializable interface {
	UnmarshalBinary([]byte) error
	MarshalBinary() (data []byte, err error)
}

// User is a storable representation of an account owner.
type User struct {
	Email    string `json:"email"`    // the login identity and storage key.
	PassHash string `json:"passHash"` // the salted hash of the user's credential.
	Created  int64  `json:"created"`  // the time the account was created in unixtime.
}

// MarshalBinary encodes the values into a json string.
func (d User) MarshalBinary() (data []byte, err error) {
	return json.Marshal(d)
}

// UnmarshalBinary decodes a json string into a struct.
func (d *User) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, d)
}

// Device is a storable representation of a hardware device: its identity,
// auth token, online status and the sparse cache of last-written pin values.
type Device struct {
	ID      string            `json:"id"`      // the device id, unique per account.
	Account string            `json:"account"` // the owning account key.
	Token   string            `json:"token"`   // the opaque auth token issued for the device.
	Name    string            `json:"name"`    // the display name of the device.
	Board   string            `json:"board"`   // the hardware board type.
	Online  bool              `json:"online"`  // whether a hardware channel is currently live.
	Pins    map[string]string `json:"pins"`    // last written value keyed on pin reference.
}

// MarshalBinary encodes the values into a json string.
func (d Device) MarshalBinary() (data []byte, err error) {
	return json.Marshal(d)
}

// UnmarshalBinary decodes a json string into a struct.
func (d *Device) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, d)
}

// NewToken generates a new opaque device token.
func NewToken() string {
	return xid.New().String() + xid.New().String()
}

// Store is an interface which details a persistent storage connector for
// user and device records.
type Store interface {
	Open() error
	Close()
	PutUser(u User) error
	User(email string) (User, error)
	PutDevice(d Device) error
	Device(account, id string) (Device, error)
	DeviceByToken(token string) (Device, error)
	Devices(account string) ([]Device, error)
}

// Notifier is implemented by stores which can push external invalidation
// events, e.g. when a device token is regenerated by another process.
type Notifier interface {
	OnInvalidate(func(token string))
}

// MemStore is an in-memory storage backend, used as the default store and in
// tests.
type MemStore struct {
	sync.RWMutex
	users   map[string]User   // users keyed on email.
	devices map[string]Device // devices keyed on account:id.
	tokens  map[string]string // account:id lookups keyed on token.
	opened  bool
}

// NewMemStore returns a new instance of MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		users:   make(map[string]User),
		devices: make(map[string]Device),
		tokens:  make(map[string]string),
	}
}

// Open opens the storage instance.
func (s *MemStore) Open() error {
	s.Lock()
	s.opened = true
	s.Unlock()
	return nil
}

// Close closes the storage instance.
func (s *MemStore) Close() {
	s.Lock()
	s.opened = false
	s.Unlock()
}

// PutUser writes a user record.
func (s *MemStore) PutUser(u User) error {
	s.Lock()
	s.users[u.Email] = u
	s.Unlock()
	return nil
}

// User reads a user record by email.
func (s *MemStore) User(email string) (User, error) {
	s.RLock()
	defer s.RUnlock()
	u, ok := s.users[email]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

// PutDevice writes a device record, indexed by account:id and by token.
func (s *MemStore) PutDevice(d Device) error {
	s.Lock()
	s.devices[d.Account+":"+d.ID] = d
	if d.Token != "" {
		s.tokens[d.Token] = d.Account + ":" + d.ID
	}
	s.Unlock()
	return nil
}

// Device reads a device record by account and id.
func (s *MemStore) Device(account, id string) (Device, error) {
	s.RLock()
	defer s.RUnlock()
	d, ok := s.devices[account+":"+id]
	if !ok {
		return Device{}, ErrNotFound
	}
	return d, nil
}

// DeviceByToken reads a device record by its auth token.
func (s *MemStore) DeviceByToken(token string) (Device, error) {
	s.RLock()
	defer s.RUnlock()
	key, ok := s.tokens[token]
	if !ok {
		return Device{}, ErrNotFound
	}
	d, ok := s.devices[key]
	if !ok {
		return Device{}, ErrNotFound
	}
	return d, nil
}

// Devices reads all device records belonging to an account.
func (s *MemStore) Devices(account string) ([]Device, error) {
	s.RLock()
	defer s.RUnlock()
	out := make([]Device, 0)
	for _, d := range s.devices {
		if d.Account == account {
			out = append(out, d)
		}
	}
	return out, nil
}
