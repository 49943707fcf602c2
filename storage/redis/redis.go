// Package redis is a storage backend based on a redis service. It also
// carries the push-based invalidation feed: external processes publish a
// device token on the invalidation channel whenever they regenerate or
// revoke it, and subscribed consumers drop their cached copies.
package redis

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/pinhub/pinhub/storage"
)

const (
	// defaultAddr is the default address to the redis service.
	defaultAddr = "localhost:6379"

	// defaultHPrefix is the default hashset key prefix.
	defaultHPrefix = "pinhub:"

	// InvalidateChannel is the pub/sub channel on which device token
	// invalidation events are published.
	InvalidateChannel = "pinhub:invalidate"
)

// Options contains configuration settings for the redis instance.
type Options struct {
	Options *redis.Options
	HPrefix string `yaml:"h_prefix" json:"h_prefix"`
}

// Store is a storage backend using a redis service.
type Store struct {
	config       *Options           // options for connecting to redis.
	db           *redis.Client      // the redis client instance.
	ctx          context.Context    // a context for making redis calls.
	cancel       context.CancelFunc // cancels the subscription context.
	onInvalidate func(token string) // callback for external invalidation events.
}

// New returns a new redis store. A nil options value defaults the address
// and key prefix.
func New(config *Options) *Store {
	if config == nil {
		config = new(Options)
	}
	if config.Options == nil {
		config.Options = &redis.Options{
			Addr: defaultAddr,
		}
	}
	if config.HPrefix == "" {
		config.HPrefix = defaultHPrefix
	}
	return &Store{
		config: config,
	}
}

// hKey returns a hashset key for a record type.
func (s *Store) hKey(key string) string {
	return s.config.HPrefix + key
}

// Open connects to the redis service and begins consuming invalidation
// events.
func (s *Store) Open() error {
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.db = redis.NewClient(s.config.Options)
	if _, err := s.db.Ping(s.ctx).Result(); err != nil {
		return fmt.Errorf("failed to ping service: %w", err)
	}

	go s.subscribe()

	return nil
}

// subscribe consumes the invalidation channel and forwards tokens to the
// registered callback.
func (s *Store) subscribe() {
	sub := s.db.Subscribe(s.ctx, InvalidateChannel)
	defer sub.Close()
	for {
		msg, err := sub.ReceiveMessage(s.ctx)
		if err != nil {
			return
		}
		if s.onInvalidate != nil {
			s.onInvalidate(msg.Payload)
		}
	}
}

// OnInvalidate registers the callback invoked for each external token
// invalidation event. It must be set before Open.
func (s *Store) OnInvalidate(fn func(token string)) {
	s.onInvalidate = fn
}

// Close closes the redis connection.
func (s *Store) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.db != nil {
		s.db.Close()
		s.db = nil
	}
}

// PutUser writes a user record.
func (s *Store) PutUser(u storage.User) error {
	if s.db == nil {
		return storage.ErrDBFileNotOpen
	}
	return s.db.HSet(s.ctx, s.hKey(storage.UserKey), u.Email, u).Err()
}

// User reads a user record by email.
func (s *Store) User(email string) (storage.User, error) {
	var u storage.User
	if s.db == nil {
		return u, storage.ErrDBFileNotOpen
	}
	data, err := s.db.HGet(s.ctx, s.hKey(storage.UserKey), email).Result()
	if err != nil {
		if err == redis.Nil {
			return u, storage.ErrNotFound
		}
		return u, err
	}
	err = u.UnmarshalBinary([]byte(data))
	return u, err
}

// PutDevice writes a device record into the account's device hashset and,
// when a token is issued, into the token hashset.
func (s *Store) PutDevice(d storage.Device) error {
	if s.db == nil {
		return storage.ErrDBFileNotOpen
	}
	err := s.db.HSet(s.ctx, s.hKey(storage.DeviceKey+":"+d.Account), d.ID, d).Err()
	if err != nil {
		return err
	}
	if d.Token != "" {
		return s.db.HSet(s.ctx, s.hKey(storage.TokenKey), d.Token, d).Err()
	}
	return nil
}

// Device reads a device record by account and id.
func (s *Store) Device(account, id string) (storage.Device, error) {
	var d storage.Device
	if s.db == nil {
		return d, storage.ErrDBFileNotOpen
	}
	data, err := s.db.HGet(s.ctx, s.hKey(storage.DeviceKey+":"+account), id).Result()
	if err != nil {
		if err == redis.Nil {
			return d, storage.ErrNotFound
		}
		return d, err
	}
	err = d.UnmarshalBinary([]byte(data))
	return d, err
}

// DeviceByToken reads a device record by its auth token.
func (s *Store) DeviceByToken(token string) (storage.Device, error) {
	var d storage.Device
	if s.db == nil {
		return d, storage.ErrDBFileNotOpen
	}
	data, err := s.db.HGet(s.ctx, s.hKey(storage.TokenKey), token).Result()
	if err != nil {
		if err == redis.Nil {
			return d, storage.ErrNotFound
		}
		return d, err
	}
	err = d.UnmarshalBinary([]byte(data))
	return d, err
}

// Devices reads all device records belonging to an account.
func (s *Store) Devices(account string) ([]storage.Device, error) {
	if s.db == nil {
		return nil, storage.ErrDBFileNotOpen
	}
	rows, err := s.db.HGetAll(s.ctx, s.hKey(storage.DeviceKey+":"+account)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]storage.Device, 0, len(rows))
	for _, data := range rows {
		var d storage.Device
		if err := d.UnmarshalBinary([]byte(data)); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}
