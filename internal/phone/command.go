package phone

import (
	"fmt"

	"github.com/phonekit/phonekit/internal/engine"
	"github.com/phonekit/phonekit/internal/eventstream"
)

// CommandKind is the closed set of operations executed on the worker.
type CommandKind int

const (
	CmdMakeCall CommandKind = iota + 1
	CmdHangup
	CmdMute
	CmdReinvite
	CmdSendDigits
	CmdReject
	CmdSetPresence
	CmdAccept

	// Internal kinds posted by the session itself.
	cmdEngineEvent
	cmdNetworkTimeout
	cmdIncoming
	cmdRemoteCancel
)

func (k CommandKind) String() string {
	switch k {
	case CmdMakeCall:
		return "make-call"
	case CmdHangup:
		return "hangup"
	case CmdMute:
		return "mute"
	case CmdReinvite:
		return "reinvite"
	case CmdSendDigits:
		return "send-digits"
	case CmdReject:
		return "reject"
	case CmdSetPresence:
		return "set-presence"
	case CmdAccept:
		return "accept"
	case cmdEngineEvent:
		return "engine-event"
	case cmdNetworkTimeout:
		return "network-timeout"
	case cmdIncoming:
		return "incoming"
	case cmdRemoteCancel:
		return "remote-cancel"
	default:
		return fmt.Sprintf("command(%d)", int(k))
	}
}

// Command is one unit of work for the worker. Only the fields of its kind
// are set.
type Command struct {
	Kind CommandKind
	Conn *Connection

	Digits    string
	Muted     bool
	Available bool
	Event     engine.Event

	// Message is the stream message behind cmdIncoming and
	// cmdRemoteCancel.
	Message eventstream.Message

	// gen identifies the loss period a network timeout belongs to.
	gen uint64
}

// execute runs cmd on the worker. It is the only place commands are
// dispatched.
func (s *Session) execute(cmd Command) {
	switch cmd.Kind {
	case CmdMakeCall:
		s.makeCall(cmd.Conn)
	case CmdAccept:
		s.accept(cmd.Conn)
	case CmdHangup:
		s.hangup(cmd.Conn)
	case CmdReject:
		s.reject(cmd.Conn)
	case CmdMute:
		s.mute(cmd.Conn, cmd.Muted)
	case CmdReinvite:
		s.reinvite(cmd.Conn)
	case CmdSendDigits:
		s.sendDigits(cmd.Conn, cmd.Digits)
	case CmdSetPresence:
		s.device.publishPresence(cmd.Available)
	case cmdEngineEvent:
		s.engineEvent(cmd.Event)
	case cmdNetworkTimeout:
		s.device.networkTimeout(cmd.gen)
	case cmdIncoming:
		s.device.incomingFromStream(cmd.Message)
	case cmdRemoteCancel:
		s.remoteCancel(cmd.Message.CallSID)
	default:
		s.logger.Error("unknown command kind", "kind", int(cmd.Kind))
	}
}

func (s *Session) makeCall(c *Connection) {
	if !c.transition(StatePending, StateOpening) {
		s.logger.Debug("make-call skipped", "conn_id", c.id, "state", c.State())
		return
	}
	s.device.callStarted(c)

	callID, err := s.engine.MakeCall(engine.CallRequest{
		To:     c.params["To"],
		Params: c.params,
		Token:  c.token,
	})
	if err != nil {
		s.logger.Error("make call failed", "conn_id", c.id, "error", err)
		s.closeConnection(c, err)
		return
	}
	c.setCallID(callID)
	s.calls[callID] = c
	s.logger.Info("call placed", "conn_id", c.id, "call_id", callID)
}

func (s *Session) accept(c *Connection) {
	if !c.incoming || !c.transition(StatePending, StateOpening) {
		return
	}
	s.device.callStarted(c)

	if callID := c.CallID(); callID != "" {
		if err := s.engine.Answer(callID); err != nil {
			s.logger.Error("answer failed", "conn_id", c.id, "call_id", callID, "error", err)
			s.closeConnection(c, err)
		}
		return
	}

	// Calls signaled on the event stream are answered by placing a call
	// that references the incoming call SID.
	params := c.Params()
	if c.callSID != "" {
		params["CallSid"] = c.callSID
	}
	callID, err := s.engine.MakeCall(engine.CallRequest{Params: params, Token: c.token})
	if err != nil {
		s.logger.Error("accept failed", "conn_id", c.id, "error", err)
		s.closeConnection(c, err)
		return
	}
	c.setCallID(callID)
	s.calls[callID] = c
}

func (s *Session) hangup(c *Connection) {
	switch c.State() {
	case StateClosed, StateClosing:
		return
	case StatePending:
		// Never signaled an answer: an ignored incoming call or an
		// outgoing call whose make-call did not run.
		if c.incoming {
			c.markMissed()
			if callID := c.CallID(); callID != "" {
				if err := s.engine.Hangup(callID); err == nil {
					c.setState(StateClosing)
					return
				}
			}
		}
		s.closeConnection(c, nil)
		return
	}

	c.setState(StateClosing)
	callID := c.CallID()
	if callID == "" {
		s.closeConnection(c, nil)
		return
	}
	if err := s.engine.Hangup(callID); err != nil {
		s.logger.Warn("hangup failed", "conn_id", c.id, "call_id", callID, "error", err)
		s.closeConnection(c, nil)
	}
}

func (s *Session) reject(c *Connection) {
	if !c.incoming || c.State() != StatePending {
		return
	}
	c.markRejected()

	if callID := c.CallID(); callID != "" {
		c.setState(StateClosing)
		if err := s.engine.Reject(callID); err != nil {
			s.logger.Warn("reject failed", "conn_id", c.id, "call_id", callID, "error", err)
			s.closeConnection(c, nil)
		}
		return
	}

	s.device.publishReject(c)
	s.closeConnection(c, nil)
}

func (s *Session) mute(c *Connection, muted bool) {
	if !c.inCall() {
		return
	}
	if err := s.engine.SetMute(c.CallID(), muted); err != nil {
		s.logger.Warn("mute failed", "conn_id", c.id, "error", err)
		return
	}
	c.setMuted(muted)
}

func (s *Session) reinvite(c *Connection) {
	if !c.inCall() {
		return
	}
	if err := s.engine.Reinvite(c.CallID()); err != nil {
		s.logger.Warn("reinvite failed", "conn_id", c.id, "error", err)
	}
}

func (s *Session) sendDigits(c *Connection, digits string) {
	if !c.inCall() || c.CallID() == "" {
		return
	}
	if err := s.engine.SendDigits(c.CallID(), digits); err != nil {
		s.logger.Warn("send digits failed", "conn_id", c.id, "error", err)
	}
}

func (s *Session) remoteCancel(callSID string) {
	c, ok := s.device.connectionBySID(callSID)
	if !ok || c.State() != StatePending {
		return
	}
	c.markMissed()
	s.closeConnection(c, nil)
}

// engineEvent applies an invite-state report to its connection.
func (s *Session) engineEvent(ev engine.Event) {
	if ev.State == engine.InviteIncoming {
		c := s.device.incomingFromEngine(ev)
		if c != nil {
			s.calls[ev.CallID] = c
		}
		return
	}

	c, ok := s.calls[ev.CallID]
	if !ok {
		s.logger.Debug("event for unknown call", "call_id", ev.CallID, "state", ev.State)
		return
	}

	switch ev.State {
	case engine.InviteCalling, engine.InviteConnecting:
		s.logger.Debug("call progress", "conn_id", c.id, "state", ev.State)
	case engine.InviteEarly:
		c.setRinging()
	case engine.InviteConfirmed:
		// A confirm that crosses a local hangup stays in Closing; the
		// engine tears the dialog down.
		if c.transition(StateOpening, StateOpen) {
			s.device.callConnected(c)
		}
	case engine.InviteDisconnected:
		s.closeConnection(c, ev.Err)
	}
}

// closeConnection moves c to Closed exactly once.
func (s *Session) closeConnection(c *Connection, err error) {
	if !c.close(err) {
		return
	}
	if callID := c.CallID(); callID != "" {
		delete(s.calls, callID)
	}
	s.device.connectionDisconnected(c, err)
}
