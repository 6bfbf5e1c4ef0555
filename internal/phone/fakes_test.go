package phone

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/phonekit/phonekit/internal/callrecord"
	"github.com/phonekit/phonekit/internal/capability"
	"github.com/phonekit/phonekit/internal/engine"
	"github.com/phonekit/phonekit/internal/eventstream"
)

var testSecret = []byte("test-secret")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeEngine records the operations it is asked to perform. Hangup and
// Reject report the call as disconnected, like a real stack does once
// the far end acknowledges. With holdHangup set, Hangup leaves the call
// waiting for that acknowledgement.
type fakeEngine struct {
	mu         sync.Mutex
	registered bool
	handler    engine.Handler
	ops        []string
	requests   []engine.CallRequest
	next       int
	makeErr    error
	offThread  int
	holdHangup bool
}

func (e *fakeEngine) RegisterThread() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.registered = true
	return nil
}

func (e *fakeEngine) DeregisterThread() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.registered = false
}

func (e *fakeEngine) SetHandler(h engine.Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = h
}

func (e *fakeEngine) record(op string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.registered {
		e.offThread++
	}
	e.ops = append(e.ops, op)
}

func (e *fakeEngine) MakeCall(req engine.CallRequest) (string, error) {
	e.record("make-call:" + req.To)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.makeErr != nil {
		return "", e.makeErr
	}
	e.next++
	e.requests = append(e.requests, req)
	return fmt.Sprintf("call-%d", e.next), nil
}

func (e *fakeEngine) Answer(callID string) error {
	e.record("answer:" + callID)
	return nil
}

func (e *fakeEngine) Reject(callID string) error {
	e.record("reject:" + callID)
	e.emit(engine.Event{CallID: callID, State: engine.InviteDisconnected})
	return nil
}

func (e *fakeEngine) Hangup(callID string) error {
	e.record("hangup:" + callID)
	e.mu.Lock()
	hold := e.holdHangup
	e.mu.Unlock()
	if !hold {
		e.emit(engine.Event{CallID: callID, State: engine.InviteDisconnected})
	}
	return nil
}

func (e *fakeEngine) setHoldHangup(hold bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.holdHangup = hold
}

func (e *fakeEngine) SetMute(callID string, muted bool) error {
	e.record(fmt.Sprintf("mute:%s:%t", callID, muted))
	return nil
}

func (e *fakeEngine) Reinvite(callID string) error {
	e.record("reinvite:" + callID)
	return nil
}

func (e *fakeEngine) SendDigits(callID, digits string) error {
	e.record("digits:" + digits)
	return nil
}

func (e *fakeEngine) Close() error { return nil }

func (e *fakeEngine) emit(ev engine.Event) {
	e.mu.Lock()
	h := e.handler
	e.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

func (e *fakeEngine) opList() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.ops)
}

func (e *fakeEngine) lastRequest() engine.CallRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.requests) == 0 {
		return engine.CallRequest{}
	}
	return e.requests[len(e.requests)-1]
}

type post struct {
	subchannel string
	body       string
}

type fakeStream struct {
	mu           sync.Mutex
	caps         capability.Capabilities
	features     []string
	connected    bool
	disconnected bool
	reconnects   int
	posts        []post
}

func (f *fakeStream) Connect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

func (f *fakeStream) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = true
}

func (f *fakeStream) Reconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnects++
}

func (f *fakeStream) AddFeature(feat string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !slices.Contains(f.features, feat) {
		f.features = append(f.features, feat)
	}
}

func (f *fakeStream) RemoveFeature(feat string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.features = slices.DeleteFunc(f.features, func(s string) bool { return s == feat })
}

func (f *fakeStream) HasFeature(feat string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Contains(f.features, feat)
}

func (f *fakeStream) PostMessage(ctx context.Context, message []byte, subchannel, contentType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, post{subchannel: subchannel, body: string(message)})
	return nil
}

func (f *fakeStream) postList() []post {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.posts)
}

func (f *fakeStream) isDisconnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnected
}

// streamFactory hands out fake streams and remembers them.
type streamFactory struct {
	mu      sync.Mutex
	streams []*fakeStream
}

func (sf *streamFactory) open(token string, caps capability.Capabilities, features []string, d eventstream.Delegate) (EventStream, error) {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	st := &fakeStream{caps: caps, features: slices.Clone(features)}
	sf.streams = append(sf.streams, st)
	return st, nil
}

func (sf *streamFactory) count() int {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	return len(sf.streams)
}

func (sf *streamFactory) last() *fakeStream {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	if len(sf.streams) == 0 {
		return nil
	}
	return sf.streams[len(sf.streams)-1]
}

type recordingDelegate struct {
	mu        sync.Mutex
	started   []*Connection
	connected []*Connection
	ended     []callrecord.Record
	incoming  []IncomingInfo
	presence  []PresenceEvent
	stopped   []error
}

func (r *recordingDelegate) CallStarted(c *Connection, params map[string]string, incoming bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, c)
}

func (r *recordingDelegate) CallConnected(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = append(r.connected, c)
}

func (r *recordingDelegate) CallEnded(c *Connection, rec callrecord.Record, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended = append(r.ended, rec)
}

func (r *recordingDelegate) IncomingCall(c *Connection, info IncomingInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.incoming = append(r.incoming, info)
}

func (r *recordingDelegate) PresenceUpdated(ev PresenceEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.presence = append(r.presence, ev)
}

func (r *recordingDelegate) ListeningStopped(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = append(r.stopped, err)
}

func (r *recordingDelegate) counts() (started, connected, ended, incoming, stopped int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.started), len(r.connected), len(r.ended), len(r.incoming), len(r.stopped)
}

func (r *recordingDelegate) incomingCalls() []IncomingInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.incoming)
}

func (r *recordingDelegate) stopErrors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.stopped)
}

func (r *recordingDelegate) endedRecords() []callrecord.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.ended)
}

type memRecorder struct {
	mu      sync.Mutex
	records []callrecord.Record
}

func (m *memRecorder) Save(ctx context.Context, rec callrecord.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *memRecorder) list() []callrecord.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.records)
}

type harness struct {
	session  *Session
	device   *Device
	engine   *fakeEngine
	streams  *streamFactory
	delegate *recordingDelegate
	recorder *memRecorder
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		engine:   &fakeEngine{},
		streams:  &streamFactory{},
		delegate: &recordingDelegate{},
		recorder: &memRecorder{},
	}
	cfg.Streams = h.streams.open
	cfg.Delegate = h.delegate
	cfg.Recorder = h.recorder

	s, err := NewSession(h.engine, cfg, discardLogger())
	if err != nil {
		t.Fatalf("NewSession() error: %v", err)
	}
	h.session = s
	h.device = s.Device()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Shutdown(ctx)
	})
	return h
}

// settle waits for the worker to run everything posted so far, including
// engine events posted by commands it executed.
func (h *harness) settle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := 0; i < 3; i++ {
		if err := h.session.Flush(ctx); err != nil {
			t.Fatalf("Flush() error: %v", err)
		}
	}
}

func (h *harness) installToken(t *testing.T, caps capability.Capabilities) {
	t.Helper()
	if caps.AccountSID == "" {
		caps.AccountSID = "AC123"
	}
	token, err := capability.Mint(testSecret, caps, time.Hour)
	if err != nil {
		t.Fatalf("Mint() error: %v", err)
	}
	if err := h.device.UpdateCapabilityToken(token); err != nil {
		t.Fatalf("UpdateCapabilityToken() error: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
