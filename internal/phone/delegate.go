package phone

import (
	"github.com/phonekit/phonekit/internal/callrecord"
	"github.com/phonekit/phonekit/internal/eventstream"
)

// IncomingInfo describes a call offered to the device.
type IncomingInfo struct {
	From    string            `json:"from"`
	CallSID string            `json:"call_sid,omitempty"`
	Params  map[string]string `json:"params,omitempty"`
}

// PresenceEvent reports the availability of another client.
type PresenceEvent struct {
	Name      string `json:"name"`
	Available bool   `json:"available"`
}

// Delegate receives device-level notifications. Call notifications are
// made from the session worker; IncomingCall, PresenceUpdated and
// ListeningStopped may come from the event stream goroutine. Delegates
// must return quickly and must not block on the session.
type Delegate interface {
	CallStarted(c *Connection, params map[string]string, incoming bool)
	CallConnected(c *Connection)
	CallEnded(c *Connection, rec callrecord.Record, err error)
	IncomingCall(c *Connection, info IncomingInfo)
	PresenceUpdated(ev PresenceEvent)
	ListeningStopped(err error)
}

// MessageInterceptor may be implemented by a Delegate to see raw stream
// messages first. Returning true suppresses the device's own handling.
type MessageInterceptor interface {
	InterceptMessage(msg eventstream.Message) bool
}

// ConnectionDelegate receives notifications for a single connection.
type ConnectionDelegate interface {
	ConnectionStarted(c *Connection)
	ConnectionConnected(c *Connection)
	ConnectionDisconnected(c *Connection, err error)
}

// NopDelegate implements Delegate with no-ops. Embed it to handle a subset.
type NopDelegate struct{}

func (NopDelegate) CallStarted(*Connection, map[string]string, bool) {}
func (NopDelegate) CallConnected(*Connection) {}
func (NopDelegate) CallEnded(*Connection, callrecord.Record, error) {}
func (NopDelegate) IncomingCall(*Connection, IncomingInfo) {}
func (NopDelegate) PresenceUpdated(PresenceEvent) {}
func (NopDelegate) ListeningStopped(error) {}
