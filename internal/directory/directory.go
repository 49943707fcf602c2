package directory

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/jinzhu/copier"

	"github.com/pinhub/pinhub/storage"
)

var (
	// ErrAuthFailed indicates a bad credential for a known identity.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrUnknownUser indicates a login for an identity that was never
	// registered.
	ErrUnknownUser = errors.New("user not registered")

	// ErrUserExists indicates a registration for an already known identity.
	ErrUserExists = errors.New("user already registered")

	// defaultWritebackQueue is the default capacity of the write-back queue.
	defaultWritebackQueue = 256
)

// Directory is a read-through cache over the external user and device store.
// Reads consult the cache first and fall back to the store; mutations update
// the cache synchronously and persist to the store through a fire-and-forget
// write-back worker, off the routing hot path. Cached values may be stale
// relative to the store; callers must tolerate that window.
type Directory struct {
	mu        sync.RWMutex
	store     storage.Store             // the external store.
	users     map[string]storage.User   // cached users keyed on email.
	devices   map[string]storage.Device // cached devices keyed on account:id.
	tokens    map[string]string         // cached account:id lookups keyed on token.
	writeback chan storage.Device       // queued device write-backs.
	end       chan struct{}             // signals the write-back worker to halt.
	ended     sync.WaitGroup            // tracks the write-back worker.
	endOnce   sync.Once                 // only end once.
	log       *slog.Logger
}

// New returns a new Directory over a store and starts the write-back worker.
// If the store can push invalidation events, the directory subscribes to
// them.
func New(store storage.Store, log *slog.Logger) *Directory {
	if log == nil {
		log = slog.Default()
	}

	d := &Directory{
		store:     store,
		users:     make(map[string]storage.User),
		devices:   make(map[string]storage.Device),
		tokens:    make(map[string]string),
		writeback: make(chan storage.Device, defaultWritebackQueue),
		end:       make(chan struct{}),
		log:       log,
	}

	if n, ok := store.(storage.Notifier); ok {
		n.OnInvalidate(d.Invalidate)
	}

	d.ended.Add(1)
	go d.writebackLoop()

	return d
}

// writebackLoop drains queued device records into the external store.
// Failures are logged and retried by the external collaborator's own
// reconciliation; they are never surfaced to a channel.
func (d *Directory) writebackLoop() {
	defer d.ended.Done()
	for {
		select {
		case <-d.end:
			// Flush whatever is still queued before ending.
			for {
				select {
				case dev := <-d.writeback:
					d.persist(dev)
				default:
					return
				}
			}
		case dev := <-d.writeback:
			d.persist(dev)
		}
	}
}

func (d *Directory) persist(dev storage.Device) {
	if err := d.store.PutDevice(dev); err != nil {
		d.log.Error("device write-back failed", "account", dev.Account, "device", dev.ID, "error", err)
	}
}

// enqueue queues a device record for write-back without blocking the caller.
func (d *Directory) enqueue(dev storage.Device) {
	select {
	case d.writeback <- dev:
	default:
		d.log.Warn("write-back queue full, dropping update", "account", dev.Account, "device", dev.ID)
	}
}

// Close stops the write-back worker, flushing queued records first.
func (d *Directory) Close() {
	d.endOnce.Do(func() {
		close(d.end)
	})
	d.ended.Wait()
}

// snapshot returns a detached copy of a device record so callers never alias
// cache state.
func snapshot(dev storage.Device) storage.Device {
	var out storage.Device
	copier.CopyWithOption(&out, &dev, copier.Option{DeepCopy: true})
	return out
}

// ResolveToken resolves a device auth token to its device record.
func (d *Directory) ResolveToken(token string) (storage.Device, error) {
	d.mu.RLock()
	if key, ok := d.tokens[token]; ok {
		if dev, ok := d.devices[key]; ok {
			d.mu.RUnlock()
			return snapshot(dev), nil
		}
	}
	d.mu.RUnlock()

	dev, err := d.store.DeviceByToken(token)
	if err != nil {
		return storage.Device{}, err
	}

	d.cacheDevice(dev)
	return snapshot(dev), nil
}

// Device returns the device record for an account and device id.
func (d *Directory) Device(account, id string) (storage.Device, error) {
	d.mu.RLock()
	if dev, ok := d.devices[account+":"+id]; ok {
		d.mu.RUnlock()
		return snapshot(dev), nil
	}
	d.mu.RUnlock()

	dev, err := d.store.Device(account, id)
	if err != nil {
		return storage.Device{}, err
	}

	d.cacheDevice(dev)
	return snapshot(dev), nil
}

// cacheDevice installs a device record in the cache.
func (d *Directory) cacheDevice(dev storage.Device) {
	d.mu.Lock()
	d.devices[dev.Account+":"+dev.ID] = dev
	if dev.Token != "" {
		d.tokens[dev.Token] = dev.Account + ":" + dev.ID
	}
	d.mu.Unlock()
}

// Authenticate resolves an app login identity and credential hash to a user
// record.
func (d *Directory) Authenticate(email, passHash string) (storage.User, error) {
	d.mu.RLock()
	u, ok := d.users[email]
	d.mu.RUnlock()

	if !ok {
		var err error
		u, err = d.store.User(email)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return storage.User{}, ErrUnknownUser
			}
			return storage.User{}, err
		}
		d.mu.Lock()
		d.users[email] = u
		d.mu.Unlock()
	}

	if u.PassHash != passHash {
		return storage.User{}, ErrAuthFailed
	}

	return u, nil
}

// Register creates a new user account.
func (d *Directory) Register(u storage.User) error {
	if _, err := d.store.User(u.Email); err == nil {
		return ErrUserExists
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	if err := d.store.PutUser(u); err != nil {
		return err
	}

	d.mu.Lock()
	d.users[u.Email] = u
	d.mu.Unlock()

	return nil
}

// SaveValue records the last written value for a pin on a device, updating
// the cache synchronously and persisting via write-back.
func (d *Directory) SaveValue(account, id, pin, value string) error {
	dev, err := d.Device(account, id)
	if err != nil {
		return err
	}

	d.mu.Lock()
	cached, ok := d.devices[account+":"+id]
	if !ok {
		cached = dev // re-cache if invalidated since the read.
	}
	if cached.Pins == nil {
		cached.Pins = make(map[string]string)
	} else {
		pins := make(map[string]string, len(cached.Pins)+1)
		for k, v := range cached.Pins {
			pins[k] = v
		}
		cached.Pins = pins
	}
	cached.Pins[pin] = value
	d.devices[account+":"+id] = cached
	dev = cached
	d.mu.Unlock()

	d.enqueue(dev)
	return nil
}

// Values returns a detached copy of the last-known pin values of a device.
func (d *Directory) Values(account, id string) (map[string]string, error) {
	dev, err := d.Device(account, id)
	if err != nil {
		return nil, err
	}
	return dev.Pins, nil
}

// SetOnline flips the online status of a device, updating the cache
// synchronously and persisting via write-back.
func (d *Directory) SetOnline(account, id string, online bool) error {
	dev, err := d.Device(account, id)
	if err != nil {
		return err
	}

	d.mu.Lock()
	cached, ok := d.devices[account+":"+id]
	if !ok {
		cached = dev // re-cache if invalidated since the read.
	}
	cached.Online = online
	d.devices[account+":"+id] = cached
	dev = cached
	d.mu.Unlock()

	d.enqueue(dev)
	return nil
}

// Invalidate drops the cached record for a device token. It is invoked for
// push-based invalidation events from the external store, e.g. token
// regeneration.
func (d *Directory) Invalidate(token string) {
	d.mu.Lock()
	if key, ok := d.tokens[token]; ok {
		delete(d.devices, key)
		delete(d.tokens, token)
	}
	d.mu.Unlock()
}

// InvalidateUser drops the cached record for a user identity.
func (d *Directory) InvalidateUser(email string) {
	d.mu.Lock()
	delete(d.users, email)
	d.mu.Unlock()
}
