package phone

import (
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/phonekit/phonekit/internal/engine"
)

// ConnState is the lifecycle state of a Connection.
type ConnState int

const (
	StateUninitialized ConnState = iota
	StatePending
	StateOpening
	StateOpen
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StatePending:
		return "pending"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("conn-state(%d)", int(s))
	}
}

// Connection is one call. State changes happen only on the session worker;
// the exported methods validate synchronously and post commands.
type Connection struct {
	id       string
	incoming bool
	params   map[string]string
	token    string
	from     string
	device   *Device

	// Set for calls signaled on the event stream.
	callSID       string
	rejectChannel string

	mu          sync.Mutex
	delegate    ConnectionDelegate
	state       ConnState
	callID      string
	muted       bool
	ringing     bool
	missed      bool
	rejected    bool
	wasOpen     bool
	startedAt   time.Time
	connectedAt time.Time
	endedAt     time.Time
	err         error
}

// ConnectionSnapshot is an immutable copy of a Connection's state.
type ConnectionSnapshot struct {
	ID          string            `json:"id"`
	State       string            `json:"state"`
	Incoming    bool              `json:"incoming"`
	From        string            `json:"from,omitempty"`
	CallSID     string            `json:"call_sid,omitempty"`
	Params      map[string]string `json:"params,omitempty"`
	Muted       bool              `json:"muted"`
	Ringing     bool              `json:"ringing"`
	StartedAt   time.Time         `json:"started_at"`
	ConnectedAt *time.Time        `json:"connected_at,omitempty"`
	EndedAt     *time.Time        `json:"ended_at,omitempty"`
	Error       string            `json:"error,omitempty"`
}

func newConnection(d *Device, incoming bool, params map[string]string, token string) *Connection {
	return &Connection{
		id:        uuid.NewString(),
		incoming:  incoming,
		params:    maps.Clone(params),
		token:     token,
		device:    d,
		state:     StatePending,
		startedAt: time.Now(),
	}
}

// ID returns the connection id.
func (c *Connection) ID() string { return c.id }

// Incoming reports whether the call was received rather than placed.
func (c *Connection) Incoming() bool { return c.incoming }

// Params returns a copy of the call parameters.
func (c *Connection) Params() map[string]string {
	out := maps.Clone(c.params)
	if out == nil {
		out = make(map[string]string)
	}
	return out
}

// State returns the current state.
func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetDelegate installs a per-connection delegate. Incoming connections
// start without one.
func (c *Connection) SetDelegate(cd ConnectionDelegate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delegate = cd
}

func (c *Connection) connDelegate() ConnectionDelegate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.delegate
}

// Muted reports the microphone state.
func (c *Connection) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

// CallID returns the engine call id, empty until the call is signaled.
func (c *Connection) CallID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callID
}

// Err returns the error the connection closed with, if any.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Duration returns the connected time so far, or the total connected time
// once closed. It is zero for calls that never connected.
func (c *Connection) Duration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.durationLocked(time.Now())
}

func (c *Connection) durationLocked(now time.Time) time.Duration {
	if c.connectedAt.IsZero() {
		return 0
	}
	if !c.endedAt.IsZero() {
		return c.endedAt.Sub(c.connectedAt)
	}
	return now.Sub(c.connectedAt)
}

// Snapshot returns a copy of the connection's state.
func (c *Connection) Snapshot() ConnectionSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := ConnectionSnapshot{
		ID:        c.id,
		State:     c.state.String(),
		Incoming:  c.incoming,
		From:      c.from,
		CallSID:   c.callSID,
		Params:    maps.Clone(c.params),
		Muted:     c.muted,
		Ringing:   c.ringing,
		StartedAt: c.startedAt,
	}
	if !c.connectedAt.IsZero() {
		t := c.connectedAt
		snap.ConnectedAt = &t
	}
	if !c.endedAt.IsZero() {
		t := c.endedAt
		snap.EndedAt = &t
	}
	if c.err != nil {
		snap.Error = c.err.Error()
	}
	return snap
}

// Accept answers a pending incoming call.
func (c *Connection) Accept() error {
	if !c.incoming {
		return fmt.Errorf("%w: accept on outgoing call", ErrInvalidState)
	}
	if err := c.require(StatePending); err != nil {
		return err
	}
	return c.device.session.post(Command{Kind: CmdAccept, Conn: c})
}

// Ignore drops a pending incoming call without rejecting it. The caller
// keeps ringing elsewhere and the call is recorded as missed.
func (c *Connection) Ignore() error {
	if !c.incoming {
		return fmt.Errorf("%w: ignore on outgoing call", ErrInvalidState)
	}
	if err := c.require(StatePending); err != nil {
		return err
	}
	return c.device.session.post(Command{Kind: CmdHangup, Conn: c})
}

// Reject declines a pending incoming call.
func (c *Connection) Reject() error {
	if !c.incoming {
		return fmt.Errorf("%w: reject on outgoing call", ErrInvalidState)
	}
	if err := c.require(StatePending); err != nil {
		return err
	}
	return c.device.session.post(Command{Kind: CmdReject, Conn: c})
}

// Disconnect hangs the call up. It is a no-op once the call is closing.
func (c *Connection) Disconnect() error {
	switch c.State() {
	case StateClosing, StateClosed:
		return nil
	}
	return c.device.session.post(Command{Kind: CmdHangup, Conn: c})
}

// SendDigits plays DTMF digits into the call.
func (c *Connection) SendDigits(digits string) error {
	norm, err := engine.NormalizeDigits(digits)
	if err != nil {
		return err
	}
	if err := c.require(StateOpening, StateOpen); err != nil {
		return err
	}
	return c.device.session.post(Command{Kind: CmdSendDigits, Conn: c, Digits: norm})
}

// SetMuted mutes or unmutes the microphone.
func (c *Connection) SetMuted(muted bool) error {
	if err := c.require(StateOpening, StateOpen); err != nil {
		return err
	}
	return c.device.session.post(Command{Kind: CmdMute, Conn: c, Muted: muted})
}

// Reinvite refreshes the media session, e.g. after a network change.
func (c *Connection) Reinvite() error {
	if err := c.require(StateOpening, StateOpen); err != nil {
		return err
	}
	return c.device.session.post(Command{Kind: CmdReinvite, Conn: c})
}

func (c *Connection) require(states ...ConnState) error {
	cur := c.State()
	for _, s := range states {
		if cur == s {
			return nil
		}
	}
	return fmt.Errorf("%w: connection is %s", ErrInvalidState, cur)
}

// The methods below run on the worker.

func (c *Connection) transition(from, to ConnState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != from {
		return false
	}
	c.setStateLocked(to)
	return true
}

func (c *Connection) setState(to ConnState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return
	}
	c.setStateLocked(to)
}

func (c *Connection) setStateLocked(to ConnState) {
	c.state = to
	if to == StateOpen {
		c.wasOpen = true
		c.connectedAt = time.Now()
	}
}

// close moves the connection to Closed. It reports false when it already
// was.
func (c *Connection) close(err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return false
	}
	c.state = StateClosed
	c.endedAt = time.Now()
	c.err = err
	return true
}

func (c *Connection) inCall() bool {
	s := c.State()
	return s == StateOpening || s == StateOpen
}

func (c *Connection) setCallID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callID = id
}

func (c *Connection) setMuted(m bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.muted = m
}

func (c *Connection) setRinging() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ringing = true
}

func (c *Connection) markMissed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.missed = true
}

func (c *Connection) markRejected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejected = true
}
