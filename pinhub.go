// Package pinhub is the session and message-routing engine of an IoT
// platform. Hardware devices and app clients connect over persistent
// sockets (TCP, TLS, WebSocket), authenticate into per-account sessions,
// and exchange short framed pin commands which the engine routes between
// the two sides of each account.
package pinhub

import (
	"errors"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/pinhub/pinhub/events"
	"github.com/pinhub/pinhub/internal/bridges"
	"github.com/pinhub/pinhub/internal/channels"
	"github.com/pinhub/pinhub/internal/directory"
	"github.com/pinhub/pinhub/internal/protocol"
	"github.com/pinhub/pinhub/internal/sessions"
	"github.com/pinhub/pinhub/listeners"
	"github.com/pinhub/pinhub/storage"
	"github.com/pinhub/pinhub/system"
)

const (
	// Version is the current version of the server.
	Version = "1.0.0"
)

var (
	ErrListenerIDExists  = errors.New("listener id already exists")
	ErrDuplicateLogin    = errors.New("duplicate login")
	ErrTooManyViolations = errors.New("too many commands before login")
	ErrTooManyAuthFails  = errors.New("too many failed login attempts")
)

// Options contains configurable values for the server.
type Options struct {
	Keepalive    uint16 `yaml:"keepalive" json:"keepalive"`           // idle seconds before a silent channel is closed.
	SendQueue    int    `yaml:"send_queue" json:"send_queue"`         // capacity of each channel's outbound queue.
	AuthRetries  int32  `yaml:"auth_retries" json:"auth_retries"`     // failed login attempts tolerated before forced close.
	PreAuthLimit int32  `yaml:"pre_auth_limit" json:"pre_auth_limit"` // unauthenticated commands tolerated before forced close.

	// Logger is the logger the server and its subsystems write to. A nil
	// value uses the slog default.
	Logger *slog.Logger `yaml:"-" json:"-"`
}

// withDefaults returns the options with empty values defaulted.
func (o Options) withDefaults() Options {
	if o.Keepalive == 0 {
		o.Keepalive = 10
	}
	if o.SendQueue == 0 {
		o.SendQueue = 64
	}
	if o.AuthRetries == 0 {
		o.AuthRetries = 1
	}
	if o.PreAuthLimit == 0 {
		o.PreAuthLimit = 5
	}
	return o
}

// Server is the session and routing engine. All transports feed decoded
// messages into the same entry point, and all shared state lives in the
// session and bridge registries and the device directory.
type Server struct {
	Listeners *listeners.Listeners // listeners listen for new connections.
	Channels  *channels.Channels   // all live channels known to the server.
	Sessions  *sessions.Registry   // per-account sets of live channels.
	Bridges   *bridges.Registry    // per-channel bridge tables.
	Directory *directory.Directory // read-through cache over the external store.
	Events    events.Events        // observation hooks.
	System    *system.Info         // server statistics.
	Log       *slog.Logger         // server logger.
	store     storage.Store        // the external store backing the directory.
	opts      Options
}

// New returns a new instance of the server backed by a store. A nil store
// defaults to an in-memory store.
func New(store storage.Store, opts *Options) *Server {
	if store == nil {
		store = storage.NewMemStore()
	}
	var o Options
	if opts != nil {
		o = *opts
	}
	o = o.withDefaults()

	log := o.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		Listeners: listeners.New(),
		Channels:  channels.New(),
		Sessions:  sessions.New(),
		Bridges:   bridges.New(),
		Directory: directory.New(store, log),
		System: &system.Info{
			Version: Version,
			Started: time.Now().Unix(),
		},
		Log:   log,
		store: store,
		opts:  o,
	}

	return s
}

// AddListener adds a new network listener to the server and opens its
// network address.
func (s *Server) AddListener(listener listeners.Listener, config *listeners.Config) error {
	if _, ok := s.Listeners.Get(listener.ID()); ok {
		return ErrListenerIDExists
	}

	if config != nil {
		listener.SetConfig(config)
	}

	if err := listener.Listen(); err != nil {
		return err
	}

	s.Listeners.Add(listener)

	return nil
}

// Serve begins the event loops for establishing connections on all attached
// listeners.
func (s *Server) Serve() error {
	s.Listeners.ServeAll(s.EstablishConnection)
	s.Log.Info("server started", "version", Version, "listeners", s.Listeners.Len())
	return nil
}

// Close attempts to gracefully shut down the server, all listeners and
// channels, and the directory write-back worker.
func (s *Server) Close() error {
	s.Listeners.CloseAll(s.closeListenerChannels)
	for _, ch := range s.Channels.All() {
		ch.Stop(nil)
	}
	s.Directory.Close()
	s.store.Close()
	s.Log.Info("server stopped")
	return nil
}

// closeListenerChannels stops all channels connected on a listener.
func (s *Server) closeListenerChannels(lid string) {
	for _, ch := range s.Channels.GetByListener(lid) {
		ch.Stop(nil)
	}
}

// EstablishConnection runs a new channel over a connection accepted by a
// listener, blocking until the channel ends. Each connection gets its own
// reader; outbound writes happen on the channel's writer goroutine, so no
// routing path ever blocks on a slow peer.
func (s *Server) EstablishConnection(lid string, c net.Conn) error {
	ch := channels.NewChannel(c, lid, channels.Options{
		QueueSize: s.opts.SendQueue,
		Keepalive: s.opts.Keepalive,
		OnClose:   s.detachChannel,
		SysInfo:   s.System,
	})

	s.Channels.Add(ch)
	connected := atomic.AddInt64(&s.System.ChannelsConnected, 1)
	atomic.AddInt64(&s.System.ChannelsTotal, 1)
	if max := atomic.LoadInt64(&s.System.ChannelsMax); connected > max {
		atomic.CompareAndSwapInt64(&s.System.ChannelsMax, max, connected)
	}

	if s.Events.OnConnect != nil {
		s.Events.OnConnect(eventClient(ch))
	}

	ch.Start()
	err := ch.ReadLoop(s.onMessage)
	ch.Stop(err)

	s.Channels.Delete(ch.ID)
	atomic.AddInt64(&s.System.ChannelsConnected, -1)

	if s.Events.OnDisconnect != nil {
		s.Events.OnDisconnect(eventClient(ch), ch.Err())
	}

	s.Log.Debug("channel ended", "channel", ch.ID, "listener", lid, "error", ch.Err())

	return err
}

// detachChannel is invoked exactly once per channel, on destruction, before
// the socket is released. It removes the channel from the shared registries
// and flips the device status when a registered hardware channel leaves.
func (s *Server) detachChannel(ch *channels.Channel, err error) {
	member := s.Sessions.Detach(ch)
	s.Bridges.Delete(ch.ID)

	if !member {
		return
	}

	switch ch.Role() {
	case channels.Hardware:
		atomic.AddInt64(&s.System.HardwareOnline, -1)
		s.Directory.SetOnline(ch.Account(), ch.Device(), false)
	case channels.App:
		atomic.AddInt64(&s.System.AppsOnline, -1)
	}
}

// onMessage is the single entry point of the routing engine. It is invoked
// by a channel's reader for every decoded message, and runs to completion
// without blocking on network I/O of its own.
func (s *Server) onMessage(ch *channels.Channel, m protocol.Message) error {
	if s.Events.OnMessage != nil && ch.Authenticated() {
		s.Events.OnMessage(eventClient(ch), events.Message{ID: m.ID, Command: byte(m.Command), Body: m.Body})
	}

	switch m.Command {
	case protocol.Register:
		return s.processRegister(ch, m)
	case protocol.Login:
		return s.processLogin(ch, m)
	}

	if !ch.Authenticated() {
		s.respond(ch, m.ID, protocol.ErrNotAuthenticated)
		if atomic.AddInt32(&ch.Violations, 1) >= s.opts.PreAuthLimit {
			return ErrTooManyViolations
		}
		return nil
	}

	switch m.Command {
	case protocol.Ping:
		s.respond(ch, m.ID, protocol.OK)
		return nil
	case protocol.Hardware:
		return s.processHardware(ch, m)
	case protocol.HardwareSync:
		return s.processSync(ch, m)
	case protocol.Bridge:
		return s.processBridge(ch, m)
	default:
		s.respond(ch, m.ID, protocol.ErrIllegalCommand)
		return nil
	}
}

// respond enqueues a correlated status response on a channel. Send failures
// mean the channel is already closing or backed up; they are never fatal to
// routing.
func (s *Server) respond(ch *channels.Channel, id uint16, status protocol.Status) {
	if err := ch.Send(protocol.NewResponse(id, status)); err != nil {
		s.Log.Debug("response not delivered", "channel", ch.ID, "status", int(status), "error", err)
	}
}

// processRegister handles app account registration, a pre-auth command.
func (s *Server) processRegister(ch *channels.Channel, m protocol.Message) error {
	parts := m.Parts()
	if ch.Authenticated() || len(parts) < 2 {
		s.respond(ch, m.ID, protocol.ErrIllegalCommand)
		return nil
	}

	err := s.Directory.Register(storage.User{
		Email:    parts[0],
		PassHash: parts[1],
		Created:  time.Now().Unix(),
	})
	if err != nil {
		if errors.Is(err, directory.ErrUserExists) {
			s.respond(ch, m.ID, protocol.ErrUserAlreadyExists)
			return nil
		}
		s.Log.Error("registration failed", "identity", parts[0], "error", err)
		s.respond(ch, m.ID, protocol.ErrNotAllowed)
		return nil
	}

	s.Log.Info("user registered", "identity", parts[0])
	s.respond(ch, m.ID, protocol.OK)
	return nil
}

// processLogin handles the login exchange. A single body part is a hardware
// token login; two or more parts are an app identity/credential login with
// an optional client OS and version. A channel authenticates exactly once.
func (s *Server) processLogin(ch *channels.Channel, m protocol.Message) error {
	if ch.Authenticated() {
		s.respond(ch, m.ID, protocol.ErrIllegalCommand)
		return nil
	}

	parts := m.Parts()
	switch {
	case len(parts) == 1:
		return s.loginHardware(ch, m, parts[0])
	case len(parts) >= 2:
		return s.loginApp(ch, m, parts)
	default:
		s.respond(ch, m.ID, protocol.ErrIllegalCommand)
		return nil
	}
}

// loginHardware authenticates a hardware channel by device token and
// installs it in the account's session, evicting any previous channel
// occupying the same device id.
func (s *Server) loginHardware(ch *channels.Channel, m protocol.Message, token string) error {
	dev, err := s.Directory.ResolveToken(token)
	if err != nil {
		s.respond(ch, m.ID, protocol.ErrInvalidToken)
		return s.noteAuthFail(ch)
	}

	ch.IdentifyHardware(dev.Account, dev.ID)

	if evicted := s.Sessions.AttachHardware(dev.Account, dev.ID, ch); evicted != nil {
		atomic.AddInt64(&s.System.HardwareOnline, -1)
		evicted.Stop(ErrDuplicateLogin)
	}
	atomic.AddInt64(&s.System.HardwareOnline, 1)

	s.Directory.SetOnline(dev.Account, dev.ID, true)
	s.respond(ch, m.ID, protocol.OK)
	s.notifyApps(dev.Account, dev.ID)

	s.Log.Info("hardware connected", "account", dev.Account, "device", dev.ID, "channel", ch.ID)
	return nil
}

// loginApp authenticates an app channel by identity and credential hash and
// attaches it to the account's session.
func (s *Server) loginApp(ch *channels.Channel, m protocol.Message, parts []string) error {
	u, err := s.Directory.Authenticate(parts[0], parts[1])
	if err != nil {
		switch {
		case errors.Is(err, directory.ErrUnknownUser):
			s.respond(ch, m.ID, protocol.ErrUserNotRegistered)
			return s.noteAuthFail(ch)
		case errors.Is(err, directory.ErrAuthFailed):
			s.respond(ch, m.ID, protocol.ErrNotAuthenticated)
			return s.noteAuthFail(ch)
		default:
			s.Log.Error("app login failed", "identity", parts[0], "error", err)
			s.respond(ch, m.ID, protocol.ErrNotAuthenticated)
			return nil
		}
	}

	var osType, version string
	if len(parts) >= 4 {
		osType, version = parts[2], parts[3]
	}

	ch.IdentifyApp(u.Email, osType, version)
	s.Sessions.AttachApp(u.Email, ch)
	atomic.AddInt64(&s.System.AppsOnline, 1)

	s.respond(ch, m.ID, protocol.OK)

	s.Log.Info("app connected", "account", u.Email, "os", osType, "channel", ch.ID)
	return nil
}

// noteAuthFail counts a failed login attempt, forcing the channel closed
// once the retry window is exhausted.
func (s *Server) noteAuthFail(ch *channels.Channel) error {
	if atomic.AddInt32(&ch.AuthFails, 1) > s.opts.AuthRetries {
		return ErrTooManyAuthFails
	}
	return nil
}

// processHardware routes a pin command. Hardware-originated commands are
// broadcast to the account's app channels with the device id prefixed; app
// -originated commands name a target device in their first body part and
// are forwarded to its live hardware channel.
func (s *Server) processHardware(ch *channels.Channel, m protocol.Message) error {
	parts := m.Parts()

	if ch.Role() == channels.Hardware {
		if len(parts) == 0 {
			s.respond(ch, m.ID, protocol.ErrIllegalCommand)
			return nil
		}

		if pin, ok := writeRef(parts); ok {
			s.Directory.SaveValue(ch.Account(), ch.Device(), pin, string(m.Body))
		}

		body := append([]byte(ch.Device()+protocol.BodySeparator), m.Body...)
		s.broadcast(ch.Account(), protocol.Message{
			ID:      m.ID,
			Command: protocol.Hardware,
			Body:    body,
		})
		return nil
	}

	// App-originated: first part targets a device on the same account.
	if len(parts) < 2 {
		s.respond(ch, m.ID, protocol.ErrIllegalCommand)
		return nil
	}

	deviceID := parts[0]
	hw, ok := s.Sessions.Hardware(ch.Account(), deviceID)
	if !ok {
		s.respond(ch, m.ID, protocol.ErrDeviceNotInNetwork)
		return nil
	}

	rest := parts[1:]
	body := protocol.JoinParts(rest...)
	if pin, okw := writeRef(rest); okw {
		s.Directory.SaveValue(ch.Account(), deviceID, pin, string(body))
	}

	hw.Send(protocol.Message{ID: m.ID, Command: protocol.Hardware, Body: body})
	return nil
}

// processSync replays a hardware channel's last-known pin values back to it:
// one message per known value, correlated to the request. Pins with no
// recorded value emit nothing.
func (s *Server) processSync(ch *channels.Channel, m protocol.Message) error {
	if ch.Role() != channels.Hardware {
		s.respond(ch, m.ID, protocol.ErrIllegalCommand)
		return nil
	}

	vals, err := s.Directory.Values(ch.Account(), ch.Device())
	if err != nil {
		s.Log.Error("sync read failed", "account", ch.Account(), "device", ch.Device(), "error", err)
		return nil
	}

	parts := m.Parts()
	if len(parts) >= 2 {
		if parts[0] == "" {
			s.respond(ch, m.ID, protocol.ErrIllegalCommand)
			return nil
		}
		// Single pin, e.g. "ar 11" requests the last write to analog pin 11.
		if v, ok := vals[parts[0][:1]+parts[1]]; ok {
			ch.Send(protocol.Message{ID: m.ID, Command: protocol.Hardware, Body: []byte(v)})
		}
		return nil
	}

	// Full replay in stable pin order.
	keys := make([]string, 0, len(vals))
	for k := range vals {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		ch.Send(protocol.Message{ID: m.ID, Command: protocol.Hardware, Body: []byte(vals[k])})
	}
	return nil
}

// processBridge handles bridge init and relay on a hardware channel.
//
// Init ("<pin> i <token>") stores a last-write-wins entry mapping the local
// pin to the target token; the token must belong to the caller's own
// account. Relay ("<pin> <command...>") forwards the command body verbatim
// to the target device's live hardware channel, keeping the sender's
// message id.
func (s *Server) processBridge(ch *channels.Channel, m protocol.Message) error {
	if ch.Role() != channels.Hardware {
		s.respond(ch, m.ID, protocol.ErrIllegalCommand)
		return nil
	}

	parts := m.Parts()
	if len(parts) < 3 {
		s.respond(ch, m.ID, protocol.ErrIllegalCommand)
		return nil
	}

	pin, err := strconv.Atoi(parts[0])
	if err != nil {
		s.respond(ch, m.ID, protocol.ErrIllegalCommand)
		return nil
	}

	if parts[1] == "i" {
		token := parts[2]
		dev, err := s.Directory.ResolveToken(token)
		if err != nil {
			s.respond(ch, m.ID, protocol.ErrInvalidToken)
			return nil
		}
		if dev.Account != ch.Account() {
			// Bridges only work within one account.
			s.respond(ch, m.ID, protocol.ErrNotAllowed)
			return nil
		}

		s.Bridges.Set(ch.ID, pin, token)
		s.respond(ch, m.ID, protocol.OK)
		return nil
	}

	token, ok := s.Bridges.Get(ch.ID, pin)
	if !ok {
		s.respond(ch, m.ID, protocol.ErrNotAllowed)
		return nil
	}

	dev, err := s.Directory.ResolveToken(token)
	if err != nil {
		s.respond(ch, m.ID, protocol.ErrInvalidToken)
		return nil
	}

	hw, ok := s.Sessions.Hardware(dev.Account, dev.ID)
	if !ok {
		s.respond(ch, m.ID, protocol.ErrDeviceNotInNetwork)
		return nil
	}

	rest := parts[1:]
	body := protocol.JoinParts(rest...)
	if pinRef, okw := writeRef(rest); okw {
		s.Directory.SaveValue(dev.Account, dev.ID, pinRef, string(body))
	}

	hw.Send(protocol.Message{ID: m.ID, Command: protocol.Bridge, Body: body})
	atomic.AddInt64(&s.System.BridgesRelayed, 1)

	// The target account's apps see the relayed command the same way they
	// see the target device's own traffic.
	s.broadcast(dev.Account, protocol.Message{
		ID:      m.ID,
		Command: protocol.Hardware,
		Body:    append([]byte(dev.ID+protocol.BodySeparator), body...),
	})

	// The first time this entry's target is observed in-network, tell the
	// target account's apps the device is up.
	if s.Bridges.MarkSeen(ch.ID, pin) {
		s.notifyApps(dev.Account, dev.ID)
	}

	return nil
}

// broadcast enqueues a derived message on every app channel of an account's
// session, oldest-attached first. Delivery beyond the per-channel FIFO is
// best-effort; a full queue on one app never affects another.
func (s *Server) broadcast(account string, m protocol.Message) {
	apps := s.Sessions.Apps(account)
	if len(apps) == 0 {
		return
	}
	for _, app := range apps {
		app.Send(m)
	}
	atomic.AddInt64(&s.System.Broadcasts, 1)
}

// notifyApps pushes a one-time hardware-connected notification for a device
// to every app channel of an account.
func (s *Server) notifyApps(account, deviceID string) {
	for _, app := range s.Sessions.Apps(account) {
		app.Send(protocol.Message{
			ID:      app.NextID(),
			Command: protocol.HardwareConnected,
			Body:    []byte(deviceID),
		})
	}
}

// writeRef returns the cache key for a write command body ("vw|aw|dw pin
// value...") and whether the body is a write.
func writeRef(parts []string) (string, bool) {
	if len(parts) < 3 {
		return "", false
	}
	switch parts[0] {
	case "vw", "aw", "dw":
		return parts[0][:1] + parts[1], true
	default:
		return "", false
	}
}

// eventClient returns a detached events.Client for a channel.
func eventClient(ch *channels.Channel) events.Client {
	c := events.Client{
		ID:       ch.ID,
		Listener: ch.Listener,
	}
	if ch.Authenticated() {
		c.Account = ch.Account()
		c.Role = ch.Role().String()
	}
	return c
}
