package bridges

import (
	"sync"
)

// Entry is a single bridge mapping from a local virtual pin on the owning
// channel to the token of a target device.
type Entry struct {
	Token string // the token identifying the target device.
	seen  bool   // whether the target has ever been observed in-network by this entry.
}

// Registry holds the bridge tables of all live hardware channels, keyed on
// channel id then local pin. A table is scoped strictly to its owning
// channel and is destroyed when that channel closes.
type Registry struct {
	sync.RWMutex
	internal map[string]map[int]*Entry // bridge entries keyed on channel id and local pin.
}

// New returns an instance of Registry.
func New() *Registry {
	return &Registry{
		internal: make(map[string]map[int]*Entry),
	}
}

// Set creates or overwrites the bridge entry for a pin on a channel.
// Repeated inits on the same pin are last-write-wins.
func (r *Registry) Set(channelID string, pin int, token string) {
	r.Lock()
	t, ok := r.internal[channelID]
	if !ok {
		t = make(map[int]*Entry)
		r.internal[channelID] = t
	}
	t[pin] = &Entry{Token: token}
	r.Unlock()
}

// Get returns the target token for a pin on a channel, if initialized.
func (r *Registry) Get(channelID string, pin int) (string, bool) {
	r.RLock()
	defer r.RUnlock()
	t, ok := r.internal[channelID]
	if !ok {
		return "", false
	}
	e, ok := t[pin]
	if !ok {
		return "", false
	}
	return e.Token, true
}

// MarkSeen records that the entry's target has been observed in-network,
// returning true only on the first transition for the entry's lifetime.
func (r *Registry) MarkSeen(channelID string, pin int) bool {
	r.Lock()
	defer r.Unlock()
	t, ok := r.internal[channelID]
	if !ok {
		return false
	}
	e, ok := t[pin]
	if !ok || e.seen {
		return false
	}
	e.seen = true
	return true
}

// Delete destroys the bridge table of a channel.
func (r *Registry) Delete(channelID string) {
	r.Lock()
	delete(r.internal, channelID)
	r.Unlock()
}

// Len returns the number of entries held for a channel.
func (r *Registry) Len(channelID string) int {
	r.RLock()
	defer r.RUnlock()
	return len(r.internal[channelID])
}
