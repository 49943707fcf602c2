package system

import (
	"sync/atomic"
)

// Info contains atomic counters and values for various server statistics.
type Info struct {
	Version           string `json:"version"`            // the current version of the server.
	Started           int64  `json:"started"`            // the time the server started in unix seconds.
	BytesRecv         int64  `json:"bytes_recv"`         // the total number of bytes received in all frames.
	BytesSent         int64  `json:"bytes_sent"`         // the total number of bytes sent to channels.
	MessagesRecv      int64  `json:"messages_recv"`      // the total number of messages received.
	MessagesSent      int64  `json:"messages_sent"`      // the total number of messages sent.
	MessagesDropped   int64  `json:"messages_dropped"`   // the number of outbound messages dropped on full queues.
	ChannelsConnected int64  `json:"channels_connected"` // the number of currently connected channels.
	ChannelsMax       int64  `json:"channels_max"`       // the maximum number of concurrently connected channels.
	ChannelsTotal     int64  `json:"channels_total"`     // the total number of channels ever connected.
	HardwareOnline    int64  `json:"hardware_online"`    // the number of authenticated hardware channels.
	AppsOnline        int64  `json:"apps_online"`        // the number of authenticated app channels.
	Broadcasts        int64  `json:"broadcasts"`         // the total number of app-session broadcasts performed.
	BridgesRelayed    int64  `json:"bridges_relayed"`    // the total number of bridge relays delivered.
}

// Clone makes a copy of Info using atomic loads, suitable for reading while
// the server is live.
func (i *Info) Clone() *Info {
	return &Info{
		Version:           i.Version,
		Started:           atomic.LoadInt64(&i.Started),
		BytesRecv:         atomic.LoadInt64(&i.BytesRecv),
		BytesSent:         atomic.LoadInt64(&i.BytesSent),
		MessagesRecv:      atomic.LoadInt64(&i.MessagesRecv),
		MessagesSent:      atomic.LoadInt64(&i.MessagesSent),
		MessagesDropped:   atomic.LoadInt64(&i.MessagesDropped),
		ChannelsConnected: atomic.LoadInt64(&i.ChannelsConnected),
		ChannelsMax:       atomic.LoadInt64(&i.ChannelsMax),
		ChannelsTotal:     atomic.LoadInt64(&i.ChannelsTotal),
		HardwareOnline:    atomic.LoadInt64(&i.HardwareOnline),
		AppsOnline:        atomic.LoadInt64(&i.AppsOnline),
		Broadcasts:        atomic.LoadInt64(&i.Broadcasts),
		BridgesRelayed:    atomic.LoadInt64(&i.BridgesRelayed),
	}
}
