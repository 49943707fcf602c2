package events

// Events contains the server's observation hooks. Hooks are optional; nil
// hooks are skipped. Hooks block the calling path until they return, so
// long-running work should be moved to a goroutine on the embedding side.
type Events struct {
	OnMessage    // a message was received from an authenticated channel.
	OnConnect    // a channel connected (before authentication).
	OnDisconnect // a channel was destroyed.
}

// Client contains the identifying values of a channel, detached from the
// live channel itself.
type Client struct {
	ID       string // the channel id.
	Listener string // the id of the listener the channel connected on.
	Account  string // the account key, empty before authentication.
	Role     string // "hardware" or "app"; empty before authentication.
}

// Message is a detached copy of a protocol message.
type Message struct {
	ID      uint16 // the correlation id of the message.
	Command byte   // the command byte of the message.
	Body    []byte // the message payload.
}

// OnMessage is called when a message is received from an authenticated
// channel, before it is routed.
type OnMessage func(Client, Message)

// OnConnect is called when a new channel is established.
type OnConnect func(Client)

// OnDisconnect is called when a channel is destroyed. The error is the
// reason the channel ended, and may be nil for a clean disconnect.
type OnDisconnect func(Client, error)
