package channels

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"

	"github.com/pinhub/pinhub/internal/protocol"
	"github.com/pinhub/pinhub/system"
)

var (
	// defaultKeepalive is the default idle window in seconds before a
	// silent channel is considered dead.
	defaultKeepalive uint16 = 10

	// defaultQueueSize is the default capacity of the outbound send queue.
	defaultQueueSize = 64

	ErrConnectionClosed = errors.New("connection not open")
	ErrQueueFull        = errors.New("outbound queue full")
)

// Role indicates which side of the platform a channel belongs to.
type Role byte

const (
	Hardware Role = iota // a physical device connection.
	App                  // a mobile or web client connection.
)

// String returns the readable name of the role.
func (r Role) String() string {
	if r == Hardware {
		return "hardware"
	}
	return "app"
}

// ReceiveFunc is a callback invoked for every inbound message on a channel.
type ReceiveFunc func(*Channel, protocol.Message) error

// CloseFunc is a callback invoked exactly once when a channel is destroyed,
// before the underlying socket is released. It is where the channel is
// detached from any shared registries.
type CloseFunc func(*Channel, error)

// Channels contains a map of the channels known by the server.
type Channels struct {
	sync.RWMutex
	internal map[string]*Channel // channels known by the server, keyed on channel id.
}

// New returns an instance of Channels.
func New() *Channels {
	return &Channels{
		internal: make(map[string]*Channel),
	}
}

// Add adds a new channel to the channels map, keyed on channel id.
func (ch *Channels) Add(val *Channel) {
	ch.Lock()
	ch.internal[val.ID] = val
	ch.Unlock()
}

// Get returns the value of a channel if it exists.
func (ch *Channels) Get(id string) (*Channel, bool) {
	ch.RLock()
	val, ok := ch.internal[id]
	ch.RUnlock()
	return val, ok
}

// Len returns the length of the channels map.
func (ch *Channels) Len() int {
	ch.RLock()
	val := len(ch.internal)
	ch.RUnlock()
	return val
}

// Delete removes a channel from the internal map.
func (ch *Channels) Delete(id string) {
	ch.Lock()
	delete(ch.internal, id)
	ch.Unlock()
}

// GetByListener returns the channels connected on a listener id.
func (ch *Channels) GetByListener(id string) []*Channel {
	out := make([]*Channel, 0, ch.Len())
	ch.RLock()
	for _, v := range ch.internal {
		if v.Listener == id && atomic.LoadInt32(&v.State.Done) == 0 {
			out = append(out, v)
		}
	}
	ch.RUnlock()
	return out
}

// All returns all channels currently known.
func (ch *Channels) All() []*Channel {
	out := make([]*Channel, 0, ch.Len())
	ch.RLock()
	for _, v := range ch.internal {
		out = append(out, v)
	}
	ch.RUnlock()
	return out
}

// Options contains configuration values for a channel.
type Options struct {
	QueueSize int          // capacity of the outbound send queue.
	Keepalive uint16       // idle seconds before the connection deadline expires.
	OnClose   CloseFunc    // invoked exactly once on channel destruction.
	SysInfo   *system.Info // server statistics counters.
}

// Channel is one live, ordered, bidirectional connection to either a
// hardware device or an app client. Outbound messages are enqueued with Send
// and written by a dedicated writer goroutine, so routing never blocks on a
// slow peer.
type Channel struct {
	sync.RWMutex
	conn       net.Conn              // the network connection underlying the channel.
	ID         string                // the channel id.
	Listener   string                // the id of the listener the channel connected on.
	role       Role                  // hardware or app; meaningful once authenticated.
	account    string                // the owning account key, set on authentication.
	deviceID   string                // the device id, hardware channels only.
	osType     string                // the client OS, app channels only.
	appVersion string                // the client version, app channels only.
	keepalive  uint16                // idle seconds before the conn deadline expires.
	onClose    CloseFunc             // registry detach callback.
	system     *system.Info          // server statistics counters.
	outbound   chan protocol.Message // the FIFO send queue.
	end        chan struct{}         // signals the writer to halt.
	decoder    protocol.Decoder      // incremental frame decoder for inbound bytes.
	closeErr   error                 // the reason the channel ended.
	nextID     uint32                // the current highest server-originated message id.
	auth       int32                 // set once the login exchange has succeeded.
	AuthFails  int32                 // failed login attempts (atomic, engine-managed).
	Violations int32                 // pre-auth command violations (atomic, engine-managed).
	State      State                 // the operational state of the channel.
}

// State tracks the state of the channel.
type State struct {
	Done    int32           // atomic counter which indicates the channel has closed.
	endedW  *sync.WaitGroup // tracks when the writer has ended.
	endOnce sync.Once       // only end once.
}

// NewChannel returns a new instance of Channel.
func NewChannel(c net.Conn, listener string, opt Options) *Channel {
	if opt.QueueSize < 1 {
		opt.QueueSize = defaultQueueSize
	}
	if opt.Keepalive == 0 {
		opt.Keepalive = defaultKeepalive
	}
	if opt.SysInfo == nil {
		opt.SysInfo = new(system.Info)
	}

	cl := &Channel{
		conn:      c,
		ID:        xid.New().String(),
		Listener:  listener,
		keepalive: opt.Keepalive,
		onClose:   opt.OnClose,
		system:    opt.SysInfo,
		outbound:  make(chan protocol.Message, opt.QueueSize),
		end:       make(chan struct{}),
		State: State{
			endedW: new(sync.WaitGroup),
		},
	}

	cl.refreshDeadline()

	return cl
}

// IdentifyHardware marks the channel as an authenticated hardware channel
// belonging to a device on an account.
func (cl *Channel) IdentifyHardware(account, deviceID string) {
	cl.Lock()
	cl.role = Hardware
	cl.account = account
	cl.deviceID = deviceID
	cl.Unlock()
	atomic.StoreInt32(&cl.auth, 1)
}

// IdentifyApp marks the channel as an authenticated app channel belonging to
// an account, recording the client's declared OS and version.
func (cl *Channel) IdentifyApp(account, osType, version string) {
	cl.Lock()
	cl.role = App
	cl.account = account
	cl.osType = osType
	cl.appVersion = version
	cl.Unlock()
	atomic.StoreInt32(&cl.auth, 1)
}

// Authenticated returns true once the channel has completed a successful
// login exchange.
func (cl *Channel) Authenticated() bool {
	return atomic.LoadInt32(&cl.auth) == 1
}

// Role returns the role of the channel.
func (cl *Channel) Role() Role {
	cl.RLock()
	defer cl.RUnlock()
	return cl.role
}

// Account returns the account key the channel authenticated into.
func (cl *Channel) Account() string {
	cl.RLock()
	defer cl.RUnlock()
	return cl.account
}

// Device returns the device id of a hardware channel.
func (cl *Channel) Device() string {
	cl.RLock()
	defer cl.RUnlock()
	return cl.deviceID
}

// ClientOS returns the declared OS and version of an app channel.
func (cl *Channel) ClientOS() (string, string) {
	cl.RLock()
	defer cl.RUnlock()
	return cl.osType, cl.appVersion
}

// Err returns the reason the channel ended, once stopped.
func (cl *Channel) Err() error {
	cl.RLock()
	defer cl.RUnlock()
	return cl.closeErr
}

// Touch refreshes the connection deadline. It is called on every inbound
// message and successful write.
func (cl *Channel) Touch() {
	cl.refreshDeadline()
}

// refreshDeadline refreshes the read/write deadline for the net.Conn
// connection.
func (cl *Channel) refreshDeadline() {
	if cl.conn != nil {
		var expiry time.Time // nil time disables the deadline if keepalive = 0.
		if cl.keepalive > 0 {
			expiry = time.Now().Add(time.Duration(cl.keepalive+(cl.keepalive/2)) * time.Second)
		}
		cl.conn.SetDeadline(expiry)
	}
}

// NextID returns the next server-originated message id for the channel,
// looping back to 1 if the maximum id has been reached. Id 0 is reserved.
func (cl *Channel) NextID() uint16 {
	i := atomic.LoadUint32(&cl.nextID)
	if i >= uint32(65535) {
		atomic.StoreUint32(&cl.nextID, 1)
		return 1
	}

	return uint16(atomic.AddUint32(&cl.nextID, 1))
}

// Start begins the writer goroutine which drains the outbound queue onto the
// connection.
func (cl *Channel) Start() {
	cl.State.endedW.Add(1)
	go func() {
		err := cl.writeLoop()
		cl.State.endedW.Done()
		if err != nil {
			cl.Stop(err)
		}
	}()
}

// writeLoop writes queued messages to the connection in FIFO order until the
// channel ends or a write fails.
func (cl *Channel) writeLoop() error {
	for {
		select {
		case <-cl.end:
			return nil
		case m := <-cl.outbound:
			if err := cl.write(m); err != nil {
				return err
			}
		}
	}
}

// write encodes and writes a single message to the connection.
func (cl *Channel) write(m protocol.Message) error {
	buf := protocol.Encode(m)
	n, err := cl.conn.Write(buf)
	if err != nil {
		return err
	}

	atomic.AddInt64(&cl.system.BytesSent, int64(n))
	atomic.AddInt64(&cl.system.MessagesSent, 1)

	// A successful write counts as liveness too: a peer that keeps
	// accepting broadcasts is not idle-closed for sending nothing.
	cl.refreshDeadline()

	return nil
}

// Send enqueues a message for delivery on the channel. Ordering is FIFO with
// respect to the order Send was called, even under concurrent callers. Send
// never blocks; if the queue is full the message is dropped and counted.
func (cl *Channel) Send(m protocol.Message) error {
	if atomic.LoadInt32(&cl.State.Done) == 1 {
		return ErrConnectionClosed
	}

	select {
	case cl.outbound <- m:
		return nil
	default:
		atomic.AddInt64(&cl.system.MessagesDropped, 1)
		return ErrQueueFull
	}
}

// ReadLoop reads bytes from the connection, feeds them through the frame
// decoder and invokes the handler for every complete message. It returns
// when the connection ends or a malformed frame is read; decoding errors are
// fatal to this channel only.
func (cl *Channel) ReadLoop(h ReceiveFunc) error {
	buf := make([]byte, 2048)
	for {
		if atomic.LoadInt32(&cl.State.Done) == 1 {
			return nil
		}

		n, err := cl.conn.Read(buf)
		if err != nil {
			if atomic.LoadInt32(&cl.State.Done) == 1 {
				return nil
			}
			return err
		}
		atomic.AddInt64(&cl.system.BytesRecv, int64(n))

		cl.decoder.Feed(buf[:n])
		for {
			m, ok, err := cl.decoder.Next()
			if err != nil {
				return err
			}
			if !ok {
				break
			}

			cl.Touch()
			atomic.AddInt64(&cl.system.MessagesRecv, 1)

			if err := h(cl, m); err != nil {
				return err
			}
		}
	}
}

// Stop halts the channel, detaches it from the shared registries via the
// close callback, and releases the connection. It is idempotent and safe to
// call re-entrantly from a handler running on this channel.
func (cl *Channel) Stop(err error) {
	if atomic.LoadInt32(&cl.State.Done) == 1 {
		return
	}

	cl.State.endOnce.Do(func() {
		atomic.StoreInt32(&cl.State.Done, 1)

		cl.Lock()
		cl.closeErr = err
		cl.Unlock()

		// Detach from registries before the socket resource is released.
		if cl.onClose != nil {
			cl.onClose(cl, err)
		}

		close(cl.end)
		cl.conn.Close()
		cl.State.endedW.Wait()
	})
}
