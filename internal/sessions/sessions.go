package sessions

import (
	"sync"

	"github.com/pinhub/pinhub/internal/channels"
)

// Registry maps account keys to their live sessions. The registry lock only
// guards the account map; each session carries its own lock so unrelated
// accounts never contend.
type Registry struct {
	sync.RWMutex
	internal map[string]*Session // sessions keyed on account key.
}

// New returns an instance of Registry.
func New() *Registry {
	return &Registry{
		internal: make(map[string]*Session),
	}
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.RLock()
	val := len(r.internal)
	r.RUnlock()
	return val
}

// Get returns the session for an account if one exists.
func (r *Registry) Get(account string) (*Session, bool) {
	r.RLock()
	val, ok := r.internal[account]
	r.RUnlock()
	return val, ok
}

// upsert returns the session for an account, creating it on first use.
func (r *Registry) upsert(account string) *Session {
	r.Lock()
	defer r.Unlock()
	s, ok := r.internal[account]
	if !ok {
		s = &Session{
			account:  account,
			hardware: make(map[string]*channels.Channel),
		}
		r.internal[account] = s
	}
	return s
}

// AttachApp adds an app channel to the account's session, creating the
// session on first attach. App channels are kept in attach order.
func (r *Registry) AttachApp(account string, ch *channels.Channel) {
	s := r.upsert(account)
	s.Lock()
	s.apps = append(s.apps, ch)
	s.Unlock()
}

// AttachHardware installs a hardware channel for a device id on the
// account's session. If another hardware channel already occupies the device
// id it is removed atomically with the install and returned so the caller
// can close it; there is no window in which both are registered.
func (r *Registry) AttachHardware(account, deviceID string, ch *channels.Channel) (evicted *channels.Channel) {
	s := r.upsert(account)
	s.Lock()
	evicted = s.hardware[deviceID]
	s.hardware[deviceID] = ch
	s.Unlock()
	if evicted == ch {
		evicted = nil
	}
	return
}

// Detach removes a channel from whichever session and role it belongs to,
// and removes the session itself if it is left empty. Returns true if the
// channel was a member of a session. Detach never partially completes; the
// channel is a member until the moment it is not.
func (r *Registry) Detach(ch *channels.Channel) bool {
	account := ch.Account()
	if account == "" {
		return false
	}

	s, ok := r.Get(account)
	if !ok {
		return false
	}

	s.Lock()
	removed := false
	for i, v := range s.apps {
		if v == ch {
			s.apps = append(s.apps[:i], s.apps[i+1:]...)
			removed = true
			break
		}
	}
	if !removed {
		for id, v := range s.hardware {
			if v == ch {
				delete(s.hardware, id)
				removed = true
				break
			}
		}
	}
	empty := len(s.apps) == 0 && len(s.hardware) == 0
	s.Unlock()

	if empty {
		r.reap(account)
	}

	return removed
}

// reap removes an account's session if it is still empty. The re-check under
// both locks guards against a concurrent attach racing the removal.
func (r *Registry) reap(account string) {
	r.Lock()
	defer r.Unlock()
	s, ok := r.internal[account]
	if !ok {
		return
	}
	s.Lock()
	empty := len(s.apps) == 0 && len(s.hardware) == 0
	s.Unlock()
	if empty {
		delete(r.internal, account)
	}
}

// Apps returns a copy of the app channels attached to an account's session,
// oldest-attached first.
func (r *Registry) Apps(account string) []*channels.Channel {
	s, ok := r.Get(account)
	if !ok {
		return nil
	}
	s.RLock()
	out := make([]*channels.Channel, len(s.apps))
	copy(out, s.apps)
	s.RUnlock()
	return out
}

// Hardware returns the live hardware channel for a device on an account, if
// one is registered.
func (r *Registry) Hardware(account, deviceID string) (*channels.Channel, bool) {
	s, ok := r.Get(account)
	if !ok {
		return nil, false
	}
	s.RLock()
	ch, ok := s.hardware[deviceID]
	s.RUnlock()
	return ch, ok
}

// Session holds the set of live channels belonging to one account: zero or
// more app channels and at most one hardware channel per device id.
type Session struct {
	sync.RWMutex
	account  string                       // the owning account key.
	apps     []*channels.Channel          // app channels in attach order.
	hardware map[string]*channels.Channel // hardware channels keyed on device id.
}

// Account returns the account key the session belongs to.
func (s *Session) Account() string {
	return s.account
}

// Len returns the number of channels attached to the session.
func (s *Session) Len() int {
	s.RLock()
	val := len(s.apps) + len(s.hardware)
	s.RUnlock()
	return val
}
