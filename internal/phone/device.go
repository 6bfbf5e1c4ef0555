package phone

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/phonekit/phonekit/internal/callrecord"
	"github.com/phonekit/phonekit/internal/capability"
	"github.com/phonekit/phonekit/internal/engine"
	"github.com/phonekit/phonekit/internal/eventstream"
	"github.com/phonekit/phonekit/internal/phoneerr"
)

var (
	// ErrInvalidState is returned for operations not allowed in the
	// current connection or device state.
	ErrInvalidState         = errors.New("phone: invalid state")
	ErrNoCapabilityToken    = errors.New("phone: no capability token")
	ErrNoIncomingCapability = errors.New("phone: token does not allow incoming calls")
	ErrNoOutgoingCapability = errors.New("phone: token does not allow outgoing calls")
	ErrTokenExpired         = errors.New("phone: capability token expired")
	ErrTooManyCalls         = errors.New("phone: maximum concurrent calls reached")
	ErrNotListening         = errors.New("phone: device is not listening")
	ErrNetworkUnavailable   = errors.New("phone: network unavailable")
)

const (
	presenceSubchannel = "presence"
	publishTimeout     = 10 * time.Second
	recordTimeout      = 5 * time.Second
	seenSIDRetention   = 10 * time.Minute
)

// DeviceState is the incoming-registration state of a Device.
type DeviceState int

const (
	DeviceUninitialized DeviceState = iota
	DeviceInitializing
	DeviceOffline
	DeviceRegistering
	DeviceReady
)

func (s DeviceState) String() string {
	switch s {
	case DeviceUninitialized:
		return "uninitialized"
	case DeviceInitializing:
		return "initializing"
	case DeviceOffline:
		return "offline"
	case DeviceRegistering:
		return "registering"
	case DeviceReady:
		return "ready"
	default:
		return fmt.Sprintf("device-state(%d)", int(s))
	}
}

// Reachability is the network view reported by the host platform.
type Reachability struct {
	Internet    bool `json:"internet"`
	Matrix      bool `json:"matrix"`
	CallControl bool `json:"call_control"`
}

// EventStream is the part of an event stream session the device uses.
type EventStream interface {
	Connect() error
	Disconnect()
	Reconnect()
	AddFeature(f string)
	RemoveFeature(f string)
	HasFeature(f string) bool
	PostMessage(ctx context.Context, message []byte, subchannel, contentType string) error
}

// StreamFactory opens an event stream for a token.
type StreamFactory func(token string, caps capability.Capabilities, features []string, d eventstream.Delegate) (EventStream, error)

// Recorder persists call records.
type Recorder interface {
	Save(ctx context.Context, rec callrecord.Record) error
}

// Stats are cumulative call counters.
type Stats struct {
	Started   uint64 `json:"started"`
	Connected uint64 `json:"connected"`
	Failed    uint64 `json:"failed"`
	Missed    uint64 `json:"missed"`
	Incoming  uint64 `json:"incoming"`
}

// DeviceSnapshot is an immutable copy of device state for readers on
// other goroutines.
type DeviceSnapshot struct {
	State             string                      `json:"state"`
	AccountSID        string                      `json:"account_sid,omitempty"`
	ClientName        string                      `json:"client_name,omitempty"`
	Incoming          bool                        `json:"incoming"`
	Outgoing          bool                        `json:"outgoing"`
	TokenExpires      *time.Time                  `json:"token_expires,omitempty"`
	Listening         bool                        `json:"listening"`
	Reachability      Reachability                `json:"reachability"`
	PresenceAvailable bool                        `json:"presence_available"`
	Roster            []eventstream.PresenceEntry `json:"roster"`
	Connections       []ConnectionSnapshot        `json:"connections"`
	Stats             Stats                       `json:"stats"`
}

// Device owns the capability token, the incoming registration and the set
// of active connections.
type Device struct {
	session          *Session
	logger           *slog.Logger
	delegate         Delegate
	streams          StreamFactory
	recorder         Recorder
	maxCalls         int
	noNetworkTimeout time.Duration

	mu         sync.Mutex
	state      DeviceState
	token      string
	caps       capability.Capabilities
	stream     EventStream
	wantListen bool
	conns      map[string]*Connection
	bySID      map[string]*Connection
	seenSIDs   map[string]time.Time
	reach      Reachability
	noNetTimer *time.Timer
	noNetGen   uint64
	roster     map[string]bool
	available  bool
	stats      Stats
	idle       chan struct{}
	records    sync.WaitGroup
}

func newDevice(s *Session, cfg Config, logger *slog.Logger) *Device {
	delegate := cfg.Delegate
	if delegate == nil {
		delegate = NopDelegate{}
	}
	return &Device{
		session:          s,
		logger:           logger.With("subsystem", "device"),
		delegate:         delegate,
		streams:          cfg.Streams,
		recorder:         cfg.Recorder,
		maxCalls:         cfg.MaxCalls,
		noNetworkTimeout: cfg.NoNetworkTimeout,
		state:            DeviceInitializing,
		conns:            make(map[string]*Connection),
		bySID:            make(map[string]*Connection),
		seenSIDs:         make(map[string]time.Time),
		reach:            Reachability{Internet: true, Matrix: true, CallControl: true},
		roster:           make(map[string]bool),
		available:        true,
	}
}

// State returns the registration state.
func (d *Device) State() DeviceState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Device) setOffline() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == DeviceInitializing || d.state == DeviceUninitialized {
		d.state = DeviceOffline
	}
}

// UpdateCapabilityToken installs a new token. While listening, the
// registration is redone when the incoming grant, account or client name
// changed.
func (d *Device) UpdateCapabilityToken(token string) error {
	caps, err := capability.Decode(token)
	if err != nil {
		return err
	}

	d.mu.Lock()
	old := d.caps
	hadToken := d.token != ""
	d.token = token
	d.caps = caps
	listening := d.state == DeviceRegistering || d.state == DeviceReady
	d.mu.Unlock()

	d.logger.Info("capability token updated",
		"account_sid", caps.AccountSID,
		"client", caps.ClientName,
		"incoming", caps.Incoming,
		"outgoing", caps.Outgoing,
		"expires", caps.Expires,
	)

	if !listening || (hadToken && !old.RegistrationChanged(caps)) {
		return nil
	}

	d.stopStream()
	if !caps.Incoming {
		d.mu.Lock()
		d.wantListen = false
		d.mu.Unlock()
		d.delegate.ListeningStopped(ErrNoIncomingCapability)
		return nil
	}
	return d.startListening()
}

// Capabilities returns the decoded grants of the current token.
func (d *Device) Capabilities() capability.Capabilities {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.caps
}

// Listen registers for incoming calls. It is idempotent while registering
// or ready. Without network the registration starts when it returns.
func (d *Device) Listen() error {
	d.mu.Lock()
	switch {
	case d.token == "":
		d.mu.Unlock()
		return ErrNoCapabilityToken
	case !d.caps.Incoming:
		d.mu.Unlock()
		return ErrNoIncomingCapability
	case d.caps.Expired(time.Now()):
		d.mu.Unlock()
		return ErrTokenExpired
	}
	d.wantListen = true
	if d.state == DeviceRegistering || d.state == DeviceReady {
		d.mu.Unlock()
		return nil
	}
	online := d.reach.Internet
	d.mu.Unlock()

	if !online {
		d.logger.Info("listen deferred until network returns")
		return nil
	}
	return d.startListening()
}

// Unlisten tears the incoming registration down.
func (d *Device) Unlisten() error {
	d.mu.Lock()
	d.wantListen = false
	d.mu.Unlock()

	if d.stopStream() {
		d.logger.Info("stopped listening")
		d.delegate.ListeningStopped(nil)
	}
	return nil
}

func (d *Device) startListening() error {
	d.mu.Lock()
	if !d.wantListen || d.state == DeviceRegistering || d.state == DeviceReady {
		d.mu.Unlock()
		return nil
	}
	if d.streams == nil {
		d.mu.Unlock()
		return errors.New("phone: no event stream configured")
	}
	d.state = DeviceRegistering
	token, caps := d.token, d.caps
	d.mu.Unlock()

	features := []string{
		eventstream.FeatureIncomingCalls,
		eventstream.FeaturePresenceEvents,
		eventstream.FeaturePublishPresence,
	}
	st, err := d.streams(token, caps, features, d)
	if err != nil {
		d.mu.Lock()
		d.state = DeviceOffline
		d.mu.Unlock()
		return fmt.Errorf("creating event stream: %w", err)
	}

	d.mu.Lock()
	if d.state != DeviceRegistering || d.stream != nil {
		d.mu.Unlock()
		return nil
	}
	d.stream = st
	d.mu.Unlock()

	if err := st.Connect(); err != nil {
		d.stopStream()
		return fmt.Errorf("connecting event stream: %w", err)
	}
	d.logger.Info("listening for incoming calls", "client", caps.ClientName)
	return nil
}

// stopStream disconnects the stream. It reports whether the device was
// registering or ready.
func (d *Device) stopStream() bool {
	d.mu.Lock()
	st := d.stream
	d.stream = nil
	was := d.state == DeviceRegistering || d.state == DeviceReady
	if was {
		d.state = DeviceOffline
	}
	d.mu.Unlock()

	if st != nil {
		st.Disconnect()
	}
	return was
}

// Connect places an outgoing call. The returned connection is Pending;
// dialing happens on the session worker.
func (d *Device) Connect(params map[string]string, cd ConnectionDelegate) (*Connection, error) {
	d.mu.Lock()
	switch {
	case d.token == "":
		d.mu.Unlock()
		return nil, ErrNoCapabilityToken
	case !d.caps.Outgoing:
		d.mu.Unlock()
		return nil, ErrNoOutgoingCapability
	case d.caps.Expired(time.Now()):
		d.mu.Unlock()
		return nil, ErrTokenExpired
	case len(d.conns) >= d.maxCalls:
		d.mu.Unlock()
		return nil, ErrTooManyCalls
	}

	merged := maps.Clone(d.caps.DeveloperParams)
	if merged == nil {
		merged = make(map[string]string)
	}
	maps.Copy(merged, params)

	c := newConnection(d, false, merged, d.token)
	c.delegate = cd
	d.conns[c.id] = c
	d.mu.Unlock()

	if err := d.session.post(Command{Kind: CmdMakeCall, Conn: c}); err != nil {
		d.mu.Lock()
		delete(d.conns, c.id)
		d.mu.Unlock()
		return nil, err
	}
	d.logger.Info("outgoing call queued", "conn_id", c.id, "to", merged["To"])
	return c, nil
}

// SetReachability updates the network view. Losing the internet starts
// the no-network timer; regaining it resumes listening and re-invites
// open calls.
func (d *Device) SetReachability(r Reachability) {
	d.mu.Lock()
	prev := d.reach
	d.reach = r

	lost := prev.Internet && !r.Internet
	restored := !prev.Internet && r.Internet
	if lost {
		d.noNetGen++
		gen := d.noNetGen
		d.noNetTimer = time.AfterFunc(d.noNetworkTimeout, func() {
			if err := d.session.post(Command{Kind: cmdNetworkTimeout, gen: gen}); err != nil {
				d.logger.Debug("dropping network timeout", "error", err)
			}
		})
	}
	if restored {
		d.noNetGen++
		if d.noNetTimer != nil {
			d.noNetTimer.Stop()
			d.noNetTimer = nil
		}
	}
	matrixBack := !prev.Matrix && r.Matrix
	st := d.stream
	resume := restored && d.wantListen && d.state == DeviceOffline
	open := d.openConnections()
	d.mu.Unlock()

	d.logger.Info("reachability changed",
		"internet", r.Internet,
		"matrix", r.Matrix,
		"call_control", r.CallControl,
	)

	if restored {
		for _, c := range open {
			if err := c.Reinvite(); err != nil {
				d.logger.Debug("reinvite after network change skipped", "conn_id", c.id, "error", err)
			}
		}
	}
	if resume {
		if err := d.startListening(); err != nil {
			d.logger.Error("resuming listen failed", "error", err)
		}
	} else if matrixBack && st != nil {
		st.Reconnect()
	}
}

// networkTimeout runs on the worker when the no-network timer fires.
func (d *Device) networkTimeout(gen uint64) {
	d.mu.Lock()
	if gen != d.noNetGen || d.reach.Internet {
		d.mu.Unlock()
		return
	}
	d.noNetTimer = nil
	d.mu.Unlock()

	if d.stopStream() {
		d.logger.Warn("network unavailable, listening suspended", "timeout", d.noNetworkTimeout)
		d.delegate.ListeningStopped(ErrNetworkUnavailable)
	}
}

// SetPresence publishes this client's availability.
func (d *Device) SetPresence(available bool) error {
	d.mu.Lock()
	st := d.stream
	d.mu.Unlock()
	if st == nil {
		return ErrNotListening
	}
	return d.session.post(Command{Kind: CmdSetPresence, Available: available})
}

func (d *Device) publishPresence(available bool) {
	d.mu.Lock()
	st := d.stream
	name := d.caps.ClientName
	d.available = available
	d.mu.Unlock()
	if st == nil || !st.HasFeature(eventstream.FeaturePublishPresence) {
		return
	}

	payload, err := eventstream.PresencePayload(name, available)
	if err != nil {
		d.logger.Error("encoding presence", "error", err)
		return
	}
	go d.publish(st, payload, presenceSubchannel)
}

func (d *Device) publishReject(c *Connection) {
	if c.rejectChannel == "" {
		return
	}
	d.mu.Lock()
	st := d.stream
	d.mu.Unlock()
	if st == nil {
		return
	}

	payload, err := eventstream.RejectPayload(c.callSID)
	if err != nil {
		d.logger.Error("encoding reject", "error", err)
		return
	}
	go d.publish(st, payload, c.rejectChannel)
}

// publish runs off the worker because PostMessage blocks.
func (d *Device) publish(st EventStream, payload []byte, subchannel string) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := st.PostMessage(ctx, payload, subchannel, "application/json"); err != nil {
		d.logger.Warn("publish failed", "subchannel", subchannel, "error", err)
	}
}

// Connection returns the active connection with the given id.
func (d *Device) Connection(id string) (*Connection, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.conns[id]
	return c, ok
}

// Connections returns the active connections, oldest first.
func (d *Device) Connections() []*Connection {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connectionsLocked()
}

func (d *Device) connectionsLocked() []*Connection {
	out := make([]*Connection, 0, len(d.conns))
	for _, c := range d.conns {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].startedAt.Before(out[j].startedAt)
	})
	return out
}

func (d *Device) openConnections() []*Connection {
	var out []*Connection
	for _, c := range d.connectionsLocked() {
		if c.State() == StateOpen {
			out = append(out, c)
		}
	}
	return out
}

// ActiveConnectionCount returns the number of connections not yet closed.
func (d *Device) ActiveConnectionCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

// HasActiveCall reports whether any call is dialing, connected or hanging up.
func (d *Device) HasActiveCall() bool {
	for _, c := range d.Connections() {
		switch c.State() {
		case StateOpening, StateOpen, StateClosing:
			return true
		}
	}
	return false
}

// HasPendingCall reports whether an incoming call is waiting for an answer.
func (d *Device) HasPendingCall() bool {
	for _, c := range d.Connections() {
		if c.incoming && c.State() == StatePending {
			return true
		}
	}
	return false
}

// Snapshot returns a copy of the device state.
func (d *Device) Snapshot() DeviceSnapshot {
	d.mu.Lock()
	snap := DeviceSnapshot{
		State:             d.state.String(),
		AccountSID:        d.caps.AccountSID,
		ClientName:        d.caps.ClientName,
		Incoming:          d.caps.Incoming,
		Outgoing:          d.caps.Outgoing,
		Listening:         d.wantListen,
		Reachability:      d.reach,
		PresenceAvailable: d.available,
		Stats:             d.stats,
		Roster:            make([]eventstream.PresenceEntry, 0, len(d.roster)),
	}
	if !d.caps.Expires.IsZero() {
		t := d.caps.Expires
		snap.TokenExpires = &t
	}
	for name, avail := range d.roster {
		snap.Roster = append(snap.Roster, eventstream.PresenceEntry{Name: name, Available: avail})
	}
	conns := d.connectionsLocked()
	d.mu.Unlock()

	sort.Slice(snap.Roster, func(i, j int) bool {
		return snap.Roster[i].Name < snap.Roster[j].Name
	})
	snap.Connections = make([]ConnectionSnapshot, 0, len(conns))
	for _, c := range conns {
		snap.Connections = append(snap.Connections, c.Snapshot())
	}
	return snap
}

// The stream delegate methods below run on the stream's goroutine.

func (d *Device) isCurrent(s *eventstream.Stream) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s == nil {
		return d.stream != nil
	}
	cur, ok := d.stream.(*eventstream.Stream)
	return ok && cur == s
}

// StreamConnected completes the registration.
func (d *Device) StreamConnected(s *eventstream.Stream) {
	if !d.isCurrent(s) {
		return
	}
	d.mu.Lock()
	if d.state == DeviceRegistering {
		d.state = DeviceReady
	}
	d.mu.Unlock()
	d.logger.Info("device ready")
}

// StreamDisconnected drops back to registering while the stream
// reconnects.
func (d *Device) StreamDisconnected(s *eventstream.Stream) {
	if !d.isCurrent(s) {
		return
	}
	d.mu.Lock()
	if d.state == DeviceReady {
		d.state = DeviceRegistering
	}
	d.mu.Unlock()
}

// StreamFailed stops listening on terminal failures. Recoverable ones are
// retried by the stream itself.
func (d *Device) StreamFailed(s *eventstream.Stream, err error, willRetry bool) {
	if willRetry {
		d.logger.Warn("event stream failed, retrying", "error", err)
		return
	}
	if !d.isCurrent(s) {
		return
	}
	d.logger.Error("event stream failed", "error", err)
	d.mu.Lock()
	d.stream = nil
	d.state = DeviceOffline
	d.wantListen = false
	d.mu.Unlock()
	d.delegate.ListeningStopped(err)
}

// FeaturesUpdated is informational.
func (d *Device) FeaturesUpdated(*eventstream.Stream) {
	d.logger.Debug("event stream features updated")
}

// StreamMessage handles incoming-call, cancel and presence messages.
func (d *Device) StreamMessage(s *eventstream.Stream, msg eventstream.Message) bool {
	if !d.isCurrent(s) {
		return false
	}
	if ic, ok := d.delegate.(MessageInterceptor); ok && ic.InterceptMessage(msg) {
		return true
	}

	switch msg.Event {
	case eventstream.EventIncoming:
		d.mu.Lock()
		incoming := d.caps.Incoming
		d.mu.Unlock()
		if !incoming {
			d.logger.Debug("incoming call without incoming grant", "call_sid", msg.CallSID)
			return false
		}
		return d.postStream(Command{Kind: cmdIncoming, Message: msg})
	case eventstream.EventCancel:
		if msg.CallSID == "" {
			return false
		}
		return d.postStream(Command{Kind: cmdRemoteCancel, Message: msg})
	case eventstream.EventPresence:
		d.updatePresence([]eventstream.PresenceEntry{{Name: msg.Name, Available: msg.Available}}, false)
	case eventstream.EventRoster:
		d.updatePresence(msg.Roster, true)
	default:
		return false
	}
	return true
}

// postStream hands a stream message to the worker, keeping stream order.
func (d *Device) postStream(cmd Command) bool {
	if err := d.session.post(cmd); err != nil {
		d.logger.Debug("dropping stream message", "event", cmd.Message.Event, "error", err)
		return false
	}
	return true
}

func (d *Device) connectionBySID(callSID string) (*Connection, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.bySID[callSID]
	return c, ok
}

func (d *Device) pruneSeenLocked() {
	cutoff := time.Now().Add(-seenSIDRetention)
	for sid, at := range d.seenSIDs {
		if at.Before(cutoff) {
			delete(d.seenSIDs, sid)
		}
	}
}

func (d *Device) updatePresence(entries []eventstream.PresenceEntry, replace bool) {
	d.mu.Lock()
	if replace {
		d.roster = make(map[string]bool, len(entries))
	}
	for _, e := range entries {
		if e.Name == "" {
			continue
		}
		d.roster[e.Name] = e.Available
	}
	d.mu.Unlock()

	for _, e := range entries {
		if e.Name == "" {
			continue
		}
		d.delegate.PresenceUpdated(PresenceEvent{Name: e.Name, Available: e.Available})
	}
}

// The methods below run on the worker.

// incomingFromStream creates a pending connection for a call signaled on
// the event stream. The call SID is optional; without one the call cannot
// be deduplicated or rejected on a reject channel.
func (d *Device) incomingFromStream(msg eventstream.Message) {
	sid := msg.CallSID

	d.mu.Lock()
	if !d.caps.Incoming {
		d.mu.Unlock()
		d.logger.Debug("dropping incoming call without incoming grant", "call_sid", sid)
		return
	}
	if sid != "" {
		d.pruneSeenLocked()
		if _, seen := d.seenSIDs[sid]; seen {
			d.mu.Unlock()
			d.logger.Debug("duplicate incoming call", "call_sid", sid)
			return
		}
		d.seenSIDs[sid] = time.Now()
	}

	if len(d.conns) >= d.maxCalls {
		st := d.stream
		d.mu.Unlock()
		d.logger.Info("busy, rejecting incoming call", "call_sid", sid)
		if st != nil && sid != "" && msg.RejectChannel != "" {
			if payload, err := eventstream.RejectPayload(sid); err == nil {
				go d.publish(st, payload, msg.RejectChannel)
			}
		}
		return
	}

	params := maps.Clone(msg.Params)
	if params == nil {
		params = make(map[string]string)
	}
	params["From"] = msg.From
	if sid != "" {
		params["CallSid"] = sid
	}

	c := newConnection(d, true, params, d.token)
	c.from = msg.From
	c.callSID = sid
	c.rejectChannel = msg.RejectChannel
	d.conns[c.id] = c
	if sid != "" {
		d.bySID[sid] = c
	}
	d.stats.Incoming++
	d.mu.Unlock()

	d.logger.Info("incoming call", "conn_id", c.id, "call_sid", sid, "from", msg.From)
	d.delegate.IncomingCall(c, IncomingInfo{From: msg.From, CallSID: sid, Params: c.Params()})
}

// incomingFromEngine creates a pending connection for an INVITE. Calls
// arriving while the device has no incoming grant or is not listening are
// rejected.
func (d *Device) incomingFromEngine(ev engine.Event) *Connection {
	d.mu.Lock()
	for _, c := range d.conns {
		if c.CallID() == ev.CallID {
			d.mu.Unlock()
			return nil
		}
	}
	if !d.caps.Incoming || (d.state != DeviceRegistering && d.state != DeviceReady) {
		state := d.state
		d.mu.Unlock()
		d.logger.Info("not listening, rejecting incoming call", "call_id", ev.CallID, "state", state.String())
		if err := d.session.engine.Reject(ev.CallID); err != nil {
			d.logger.Warn("reject failed", "call_id", ev.CallID, "error", err)
		}
		return nil
	}
	if len(d.conns) >= d.maxCalls {
		d.mu.Unlock()
		d.logger.Info("busy, rejecting incoming call", "call_id", ev.CallID)
		if err := d.session.engine.Reject(ev.CallID); err != nil {
			d.logger.Warn("busy reject failed", "call_id", ev.CallID, "error", err)
		}
		return nil
	}

	params := maps.Clone(ev.Params)
	if params == nil {
		params = make(map[string]string)
	}
	params["From"] = ev.From

	c := newConnection(d, true, params, d.token)
	c.from = ev.From
	c.callID = ev.CallID
	d.conns[c.id] = c
	d.stats.Incoming++
	d.mu.Unlock()

	d.logger.Info("incoming call", "conn_id", c.id, "call_id", ev.CallID, "from", ev.From)
	d.delegate.IncomingCall(c, IncomingInfo{From: ev.From, Params: c.Params()})
	return c
}

func (d *Device) callStarted(c *Connection) {
	d.mu.Lock()
	d.stats.Started++
	d.mu.Unlock()

	d.delegate.CallStarted(c, c.Params(), c.incoming)
	if cd := c.connDelegate(); cd != nil {
		cd.ConnectionStarted(c)
	}
}

func (d *Device) callConnected(c *Connection) {
	d.mu.Lock()
	d.stats.Connected++
	d.mu.Unlock()

	d.logger.Info("call connected", "conn_id", c.id, "call_id", c.CallID())
	d.delegate.CallConnected(c)
	if cd := c.connDelegate(); cd != nil {
		cd.ConnectionConnected(c)
	}
}

// connectionDisconnected removes c from the active set and reports the
// end of the call. Repeated calls are ignored.
func (d *Device) connectionDisconnected(c *Connection, err error) {
	d.mu.Lock()
	if _, ok := d.conns[c.id]; !ok {
		d.mu.Unlock()
		return
	}
	delete(d.conns, c.id)
	if c.callSID != "" {
		delete(d.bySID, c.callSID)
	}
	rec := c.record()
	switch rec.Disposition {
	case callrecord.DispositionFailed:
		d.stats.Failed++
	case callrecord.DispositionMissed:
		d.stats.Missed++
	}
	var idle chan struct{}
	if len(d.conns) == 0 && d.idle != nil {
		idle = d.idle
		d.idle = nil
	}
	d.mu.Unlock()

	if idle != nil {
		close(idle)
	}

	d.logger.Info("call ended",
		"conn_id", c.id,
		"disposition", rec.Disposition,
		"duration", rec.Duration,
		"error", err,
	)

	if d.recorder != nil {
		d.records.Add(1)
		go func() {
			defer d.records.Done()
			ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
			defer cancel()
			if err := d.recorder.Save(ctx, rec); err != nil {
				d.logger.Error("saving call record", "conn_id", c.id, "error", err)
			}
		}()
	}

	d.delegate.CallEnded(c, rec, err)
	if cd := c.connDelegate(); cd != nil {
		cd.ConnectionDisconnected(c, err)
	}
}

// waitIdle blocks until no connections are active or ctx is done.
func (d *Device) waitIdle(ctx context.Context) error {
	d.mu.Lock()
	if len(d.conns) == 0 {
		d.mu.Unlock()
		return nil
	}
	if d.idle == nil {
		d.idle = make(chan struct{})
	}
	idle := d.idle
	d.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Device) stopTimers() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.noNetGen++
	if d.noNetTimer != nil {
		d.noNetTimer.Stop()
		d.noNetTimer = nil
	}
}

// record builds the call history entry for a closed connection.
func (c *Connection) record() callrecord.Record {
	c.mu.Lock()
	defer c.mu.Unlock()

	var disp callrecord.Disposition
	switch {
	case c.wasOpen:
		disp = callrecord.DispositionAnswered
	case c.rejected:
		disp = callrecord.DispositionRejected
	case c.incoming:
		disp = callrecord.DispositionMissed
	case c.err != nil:
		disp = callrecord.DispositionFailed
	default:
		disp = callrecord.DispositionCancelled
	}

	number := c.from
	if !c.incoming {
		number = c.params["To"]
	}

	return callrecord.Record{
		ConnectionID: c.id,
		Incoming:     c.incoming,
		Missed:       disp == callrecord.DispositionMissed,
		Number:       number,
		StartedAt:    c.startedAt,
		Duration:     c.durationLocked(c.endedAt),
		ErrorCode:    phoneerr.CodeOf(c.err),
		Disposition:  disp,
	}
}
