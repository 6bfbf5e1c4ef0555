package engine

import (
	"errors"
	"fmt"
	"strings"
)

// InviteState is a call progress report from the engine.
type InviteState int

const (
	InviteCalling InviteState = iota
	InviteIncoming
	InviteEarly
	InviteConnecting
	InviteConfirmed
	InviteDisconnected
)

func (s InviteState) String() string {
	switch s {
	case InviteCalling:
		return "calling"
	case InviteIncoming:
		return "incoming"
	case InviteEarly:
		return "early"
	case InviteConnecting:
		return "connecting"
	case InviteConfirmed:
		return "confirmed"
	case InviteDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("invite-state(%d)", int(s))
	}
}

// Event is delivered to the Handler whenever a call changes invite state.
// Err is only set on InviteDisconnected.
type Event struct {
	CallID string
	State  InviteState
	Err    error

	// From is the remote party for InviteIncoming.
	From string
	// Params carries the custom headers of an incoming INVITE.
	Params map[string]string
}

// Handler receives engine events. It is called from engine goroutines and
// must not call back into the engine.
type Handler func(Event)

// CallRequest describes an outgoing call.
type CallRequest struct {
	To     string
	Params map[string]string
	Token  string
}

var (
	// ErrThreadNotRegistered is returned when no worker is registered.
	ErrThreadNotRegistered = errors.New("engine: no registered worker thread")
	// ErrUnknownCall is returned for a call id the engine does not track.
	ErrUnknownCall = errors.New("engine: unknown call")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("engine: closed")
)

// Engine is the SIP/media stack. Every method except SetHandler and Close
// must be called from the registered worker.
type Engine interface {
	RegisterThread() error
	DeregisterThread()
	SetHandler(h Handler)

	MakeCall(req CallRequest) (callID string, err error)
	Answer(callID string) error
	Reject(callID string) error
	Hangup(callID string) error
	SetMute(callID string, muted bool) error
	Reinvite(callID string) error
	SendDigits(callID, digits string) error

	Close() error
}

// Transport names accepted in Config.
const (
	TransportUDP = "udp"
	TransportTCP = "tcp"
	TransportTLS = "tls"
)

// Config is copied into the engine at construction and never changes
// afterwards.
type Config struct {
	Transport string

	// CallControlHost and CallControlPort address the signaling server.
	CallControlHost string
	CallControlPort int

	// ListenAddr is the local address for inbound SIP, e.g. "0.0.0.0:5070".
	// Empty disables inbound listening.
	ListenAddr string

	// Username and Password answer digest challenges on outgoing INVITEs.
	Username string
	Password string

	UserAgent string
	MediaIP   string
	MediaPort int

	Media MediaConfig

	// LogPath, when set, receives the engine's own log output.
	LogPath string
}

// MediaConfig carries the media tuning values advertised to the stack.
type MediaConfig struct {
	VAD               bool
	Quality           int
	EchoCancelTailMs  int
	RecordLatencyMs   int
	PlaybackLatencyMs int
}

// Validate checks the values the engine depends on.
func (c Config) Validate() error {
	switch strings.ToLower(c.Transport) {
	case TransportUDP, TransportTCP, TransportTLS:
	default:
		return fmt.Errorf("transport must be one of udp, tcp, tls; got %q", c.Transport)
	}
	if c.CallControlHost == "" {
		return errors.New("call control host is required")
	}
	if c.CallControlPort < 1 || c.CallControlPort > 65535 {
		return fmt.Errorf("call control port must be between 1 and 65535, got %d", c.CallControlPort)
	}
	if c.Media.Quality < 0 || c.Media.Quality > 10 {
		return fmt.Errorf("media quality must be between 0 and 10, got %d", c.Media.Quality)
	}
	if c.Media.EchoCancelTailMs < 0 {
		return fmt.Errorf("echo cancellation tail must not be negative, got %d", c.Media.EchoCancelTailMs)
	}
	if c.Media.RecordLatencyMs < 0 || c.Media.PlaybackLatencyMs < 0 {
		return errors.New("audio latencies must not be negative")
	}
	return nil
}
