package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/icholy/digest"

	"github.com/phonekit/phonekit/internal/phoneerr"
)

// Custom headers carrying call parameters and the capability token.
const (
	paramsHeader      = "X-Twilio-Params"
	tokenHeader       = "X-Twilio-Token"
	paramHeaderPrefix = "X-PH-"
)

const (
	defaultMediaPort = 10000
	byeTimeout       = 5 * time.Second
)

// ErrNotAnswered is returned when an operation needs an established dialog.
var ErrNotAnswered = errors.New("engine: call not established")

// SIPEngine implements Engine on top of sipgo.
type SIPEngine struct {
	cfg        Config
	ua         *sipgo.UserAgent
	srv        *sipgo.Server
	transports *Registry[*sipgo.Client]
	own        *Lease[*sipgo.Client]
	logger     *slog.Logger
	logFile    *os.File

	handlerMu sync.RWMutex
	handler   Handler

	workers atomic.Int32

	mu     sync.Mutex
	calls  map[string]*call
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// call is the engine-side state of one dialog.
type call struct {
	id       string
	incoming bool
	lease    *Lease[*sipgo.Client]
	localTag string

	// serverTx is the INVITE server transaction of an incoming call.
	serverTx sip.ServerTransaction

	mu          sync.Mutex
	invite      *sip.Request
	answer      *sip.Response
	answered    bool
	confirmed   bool
	hungUp      bool
	ended       bool
	cseq        uint32
	sessionID   int64
	sdpVersion  int64
	muted       bool
	queuedDigit string
	dtmfMu      sync.Mutex
}

// NewSIPEngine creates the engine. Inbound listening starts with Start.
func NewSIPEngine(cfg Config, logger *slog.Logger) (*SIPEngine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}
	cfg.Transport = strings.ToLower(cfg.Transport)
	if cfg.UserAgent == "" {
		cfg.UserAgent = "PhoneKit"
	}
	if cfg.MediaPort == 0 {
		cfg.MediaPort = defaultMediaPort
	}

	var logFile *os.File
	if cfg.LogPath != "" {
		f, err := os.OpenFile(cfg.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
		if err != nil {
			return nil, fmt.Errorf("opening engine log: %w", err)
		}
		logFile = f
		logger = slog.New(slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	logger = logger.With("subsystem", "engine")

	hostname := cfg.MediaIP
	if hostname == "" {
		hostname, _ = os.Hostname()
	}

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent(cfg.UserAgent),
		sipgo.WithUserAgentHostname(hostname),
	)
	if err != nil {
		closeFile(logFile)
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}

	srv, err := sipgo.NewServer(ua, sipgo.WithServerLogger(logger))
	if err != nil {
		ua.Close()
		closeFile(logFile)
		return nil, fmt.Errorf("creating sip server: %w", err)
	}

	transports := NewRegistry(func(key string) (*sipgo.Client, error) {
		return sipgo.NewClient(ua, sipgo.WithClientLogger(logger.With("transport", key)))
	}, logger)

	// The engine holds its own reference so the configured transport
	// survives idle periods between calls.
	own, err := transports.Acquire(cfg.Transport)
	if err != nil {
		srv.Close()
		ua.Close()
		closeFile(logFile)
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &SIPEngine{
		cfg:        cfg,
		ua:         ua,
		srv:        srv,
		transports: transports,
		own:        own,
		logger:     logger,
		logFile:    logFile,
		calls:      make(map[string]*call),
		ctx:        ctx,
		cancel:     cancel,
	}

	srv.OnInvite(e.onInvite)
	srv.OnAck(e.onAck)
	srv.OnBye(e.onBye)
	srv.OnCancel(e.onCancel)
	srv.OnOptions(e.onOptions)
	srv.OnInfo(e.onInfo)

	logger.Info("engine created",
		"transport", cfg.Transport,
		"call_control", fmt.Sprintf("%s:%d", cfg.CallControlHost, cfg.CallControlPort),
		"vad", cfg.Media.VAD,
		"quality", cfg.Media.Quality,
		"ec_tail_ms", cfg.Media.EchoCancelTailMs,
	)
	return e, nil
}

// Start begins listening for inbound SIP when a listen address is set.
func (e *SIPEngine) Start() error {
	if e.cfg.ListenAddr == "" {
		return nil
	}
	for _, network := range []string{"udp", "tcp"} {
		network := network
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.logger.Info("sip listener starting", "network", network, "addr", e.cfg.ListenAddr)
			if err := e.srv.ListenAndServe(e.ctx, network, e.cfg.ListenAddr); err != nil && e.ctx.Err() == nil {
				e.logger.Error("sip listener failed", "network", network, "error", err)
			}
		}()
	}
	return nil
}

// RegisterThread records the calling worker as the engine owner.
func (e *SIPEngine) RegisterThread() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	e.workers.Add(1)
	e.logger.Debug("worker registered")
	return nil
}

// DeregisterThread releases the registration taken by RegisterThread.
func (e *SIPEngine) DeregisterThread() {
	e.workers.Add(-1)
	e.logger.Debug("worker deregistered")
}

// SetHandler installs the event handler.
func (e *SIPEngine) SetHandler(h Handler) {
	e.handlerMu.Lock()
	defer e.handlerMu.Unlock()
	e.handler = h
}

// TransportRefs reports live leases on the configured transport.
func (e *SIPEngine) TransportRefs() int {
	return e.transports.Refs(e.cfg.Transport)
}

func (e *SIPEngine) emit(ev Event) {
	e.handlerMu.RLock()
	h := e.handler
	e.handlerMu.RUnlock()
	if h != nil {
		h(ev)
	}
}

func (e *SIPEngine) checkWorker() error {
	if e.workers.Load() == 0 {
		return ErrThreadNotRegistered
	}
	return nil
}

func (e *SIPEngine) lookup(callID string) (*call, error) {
	if err := e.checkWorker(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	c, ok := e.calls[callID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCall, callID)
	}
	return c, nil
}

// MakeCall sends an INVITE and returns its Call-ID. Progress is reported
// through the handler.
func (e *SIPEngine) MakeCall(cr CallRequest) (string, error) {
	if err := e.checkWorker(); err != nil {
		return "", err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", ErrClosed
	}
	e.mu.Unlock()

	lease, err := e.transports.Acquire(e.cfg.Transport)
	if err != nil {
		return "", fmt.Errorf("acquiring transport: %w", err)
	}

	callID := uuid.NewString()
	c := &call{
		id:         callID,
		lease:      lease,
		sessionID:  rand.Int64N(1 << 31),
		sdpVersion: 1,
	}

	invite, err := e.buildInvite(c, cr)
	if err != nil {
		lease.Release()
		return "", err
	}
	c.invite = invite

	e.mu.Lock()
	e.calls[callID] = c
	e.mu.Unlock()

	e.wg.Add(1)
	go e.runOutgoing(c)

	e.logger.Info("outgoing call started", "call_id", callID, "to", cr.To)
	return callID, nil
}

func (e *SIPEngine) buildInvite(c *call, cr CallRequest) (*sip.Request, error) {
	user := cr.To
	if user == "" {
		user = "client"
	}
	recipientStr := fmt.Sprintf("sip:%s@%s:%d", url.PathEscape(user), e.cfg.CallControlHost, e.cfg.CallControlPort)
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return nil, fmt.Errorf("parsing call control uri: %w", err)
	}

	req := sip.NewRequest(sip.INVITE, recipient)
	req.SetTransport(strings.ToUpper(e.cfg.Transport))

	fromUser := e.cfg.Username
	if fromUser == "" {
		fromUser = "phonekit"
	}
	from := &sip.FromHeader{
		Address: sip.Uri{
			Scheme: "sip",
			User:   fromUser,
			Host:   e.cfg.CallControlHost,
		},
	}
	from.Params.Add("tag", sip.GenerateTagN(16))
	req.AppendHeader(from)
	req.AppendHeader(sip.NewHeader("Call-ID", c.id))
	req.AppendHeader(sip.NewHeader("Contact", e.contact()))

	if len(cr.Params) > 0 {
		values := url.Values{}
		for k, v := range cr.Params {
			values.Set(k, v)
		}
		req.AppendHeader(sip.NewHeader(paramsHeader, values.Encode()))
	}
	if cr.Token != "" {
		req.AppendHeader(sip.NewHeader(tokenHeader, cr.Token))
	}

	req.SetBody(e.offer(c))
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	return req, nil
}

func (e *SIPEngine) contact() string {
	user := e.cfg.Username
	if user == "" {
		user = "phonekit"
	}
	return fmt.Sprintf("<sip:%s@%s>", user, e.ua.Hostname())
}

// offer renders the next SDP version for c. Callers must not hold c.mu.
func (e *SIPEngine) offer(c *call) []byte {
	c.mu.Lock()
	version := c.sdpVersion
	c.sdpVersion++
	c.mu.Unlock()
	return buildOffer(e.ua.Hostname(), e.cfg.MediaPort, c.sessionID, version)
}

// runOutgoing drives an outgoing INVITE to a final response.
func (e *SIPEngine) runOutgoing(c *call) {
	defer e.wg.Done()

	e.emit(Event{CallID: c.id, State: InviteCalling})

	ctx := e.ctx
	client := c.lease.Value()
	tx, err := client.TransactionRequest(ctx, c.invite, sipgo.ClientRequestBuild)
	if err != nil {
		e.finish(c, phoneerr.Wrap(phoneerr.DomainTransport, phoneerr.CodeTransportError, "sending invite", err))
		return
	}

	early := false
	authed := false
	for {
		var res *sip.Response
		select {
		case <-ctx.Done():
			tx.Terminate()
			e.finish(c, nil)
			return
		case <-tx.Done():
			tx.Terminate()
			txErr := tx.Err()
			if txErr == nil {
				txErr = errors.New("transaction ended without final response")
			}
			if c.wasHungUp() {
				e.finish(c, nil)
				return
			}
			e.finish(c, phoneerr.Wrap(phoneerr.DomainServices, phoneerr.CodeTimeout, "invite transaction", txErr))
			return
		case res = <-tx.Responses():
		}

		e.logger.Debug("invite response",
			"call_id", c.id,
			"status", res.StatusCode,
			"reason", res.Reason,
		)

		switch {
		case res.StatusCode < 180:
			continue

		case res.StatusCode < 200:
			if !early {
				early = true
				e.emit(Event{CallID: c.id, State: InviteEarly})
			}

		case (res.StatusCode == 401 || res.StatusCode == 407) && !authed && e.cfg.Username != "":
			tx.Terminate()
			authed = true
			authReq, err := e.authorize(c.currentInvite(), res)
			if err != nil {
				e.finish(c, phoneerr.Wrap(phoneerr.DomainServices, phoneerr.CodeAuthorization, "digest challenge", err))
				return
			}
			c.mu.Lock()
			c.invite = authReq
			c.mu.Unlock()

			tx, err = client.TransactionRequest(ctx, authReq,
				sipgo.ClientRequestIncreaseCSEQ,
				sipgo.ClientRequestAddVia,
			)
			if err != nil {
				e.finish(c, phoneerr.Wrap(phoneerr.DomainTransport, phoneerr.CodeTransportError, "sending authenticated invite", err))
				return
			}

		case res.StatusCode < 300:
			e.confirmOutgoing(c, res)
			return

		default:
			tx.Terminate()
			if c.wasHungUp() {
				e.finish(c, nil)
				return
			}
			e.finish(c, phoneerr.FromSIPStatus(res.StatusCode, res.Reason))
			return
		}
	}
}

// authorize answers a 401/407 challenge for req.
func (e *SIPEngine) authorize(req *sip.Request, res *sip.Response) (*sip.Request, error) {
	authHeader := "WWW-Authenticate"
	authzHeader := "Authorization"
	if res.StatusCode == 407 {
		authHeader = "Proxy-Authenticate"
		authzHeader = "Proxy-Authorization"
	}

	hdr := res.GetHeader(authHeader)
	if hdr == nil {
		return nil, fmt.Errorf("received %d but no %s header", res.StatusCode, authHeader)
	}

	chal, err := digest.ParseChallenge(hdr.Value())
	if err != nil {
		return nil, fmt.Errorf("parsing auth challenge: %w", err)
	}

	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.String(),
		Username: e.cfg.Username,
		Password: e.cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("computing digest: %w", err)
	}

	authReq := req.Clone()
	authReq.RemoveHeader("Via")
	authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))
	return authReq, nil
}

// confirmOutgoing ACKs a 2xx. A 2xx that crosses our CANCEL is ACKed and
// immediately torn down with BYE.
func (e *SIPEngine) confirmOutgoing(c *call, res *sip.Response) {
	e.emit(Event{CallID: c.id, State: InviteConnecting})

	invite := c.currentInvite()
	ack := buildACK(invite, res)
	if err := c.lease.Value().WriteRequest(ack); err != nil {
		e.finish(c, phoneerr.Wrap(phoneerr.DomainTransport, phoneerr.CodeTransportError, "sending ack", err))
		return
	}

	c.mu.Lock()
	c.answer = res
	if cs := invite.CSeq(); cs != nil {
		c.cseq = cs.SeqNo
	}
	hungUp := c.hungUp
	if !hungUp {
		c.confirmed = true
	}
	digits := c.queuedDigit
	c.queuedDigit = ""
	c.mu.Unlock()

	if hungUp {
		e.logger.Info("answer crossed hangup, sending bye", "call_id", c.id)
		e.sendBye(c)
		return
	}

	e.emit(Event{CallID: c.id, State: InviteConfirmed})
	if digits != "" {
		e.wg.Add(1)
		go e.playDigits(c, digits)
	}
}

// Answer accepts an incoming call with 200 OK.
func (e *SIPEngine) Answer(callID string) error {
	c, err := e.lookup(callID)
	if err != nil {
		return err
	}
	if !c.incoming {
		return fmt.Errorf("engine: answer on outgoing call %s", callID)
	}

	c.mu.Lock()
	if c.answered || c.ended {
		c.mu.Unlock()
		return nil
	}
	c.answered = true
	c.mu.Unlock()

	res := e.response(c, 200, "OK", e.offer(c))
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	res.AppendHeader(sip.NewHeader("Contact", e.contact()))
	if err := c.serverTx.Respond(res); err != nil {
		e.finish(c, phoneerr.Wrap(phoneerr.DomainTransport, phoneerr.CodeTransportError, "sending 200 ok", err))
		return fmt.Errorf("answering call: %w", err)
	}

	c.mu.Lock()
	c.answer = res
	c.mu.Unlock()

	e.emit(Event{CallID: c.id, State: InviteConnecting})
	return nil
}

// Reject declines an unanswered incoming call.
func (e *SIPEngine) Reject(callID string) error {
	c, err := e.lookup(callID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	answered := c.answered
	c.hungUp = true
	c.mu.Unlock()
	if !c.incoming || answered {
		return e.Hangup(callID)
	}

	if err := c.serverTx.Respond(e.response(c, 603, "Decline", nil)); err != nil {
		e.logger.Warn("failed to send decline", "call_id", callID, "error", err)
	}
	e.finish(c, nil)
	return nil
}

// Hangup ends the call in whatever phase it is in.
func (e *SIPEngine) Hangup(callID string) error {
	c, err := e.lookup(callID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return nil
	}
	c.hungUp = true
	established := c.confirmed || (c.incoming && c.answered)
	c.mu.Unlock()

	switch {
	case c.incoming && !established:
		if err := c.serverTx.Respond(e.response(c, 486, "Busy Here", nil)); err != nil {
			e.logger.Warn("failed to reject incoming call", "call_id", callID, "error", err)
		}
		e.finish(c, nil)
	case established:
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.sendBye(c)
		}()
	default:
		e.sendCancel(c)
	}
	return nil
}

// SetMute records the microphone state for the call.
func (e *SIPEngine) SetMute(callID string, muted bool) error {
	c, err := e.lookup(callID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.muted = muted
	c.mu.Unlock()
	e.logger.Debug("mute changed", "call_id", callID, "muted", muted)
	return nil
}

// Reinvite refreshes the session with a new offer.
func (e *SIPEngine) Reinvite(callID string) error {
	c, err := e.lookup(callID)
	if err != nil {
		return err
	}
	if !c.isEstablished() {
		return ErrNotAnswered
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		body := e.offer(c)
		req := e.inDialogRequest(c, sip.INVITE)
		req.AppendHeader(sip.NewHeader("Contact", e.contact()))
		req.SetBody(body)
		req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))

		res, err := e.transact(c, req)
		if err != nil {
			e.logger.Warn("reinvite failed", "call_id", c.id, "error", err)
			return
		}
		if res.StatusCode >= 200 && res.StatusCode < 300 {
			if err := c.lease.Value().WriteRequest(buildACK(req, res)); err != nil {
				e.logger.Warn("failed to ack reinvite", "call_id", c.id, "error", err)
			}
			e.logger.Info("reinvite accepted", "call_id", c.id)
			return
		}
		e.logger.Warn("reinvite rejected", "call_id", c.id, "status", res.StatusCode, "reason", res.Reason)
	}()
	return nil
}

// SendDigits relays DTMF with SIP INFO. Digits sent before the dialog is
// confirmed are held and played once it is.
func (e *SIPEngine) SendDigits(callID, digits string) error {
	c, err := e.lookup(callID)
	if err != nil {
		return err
	}
	norm, err := NormalizeDigits(digits)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if !c.confirmed {
		c.queuedDigit += norm
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	e.wg.Add(1)
	go e.playDigits(c, norm)
	return nil
}

func (e *SIPEngine) playDigits(c *call, digits string) {
	defer e.wg.Done()
	c.dtmfMu.Lock()
	defer c.dtmfMu.Unlock()

	for _, d := range digits {
		if d == pauseDigit {
			if !e.sleep(pauseDuration) {
				return
			}
			continue
		}
		req := e.inDialogRequest(c, sip.INFO)
		req.SetBody(dtmfRelayBody(d))
		req.AppendHeader(sip.NewHeader("Content-Type", "application/dtmf-relay"))
		if _, err := e.transact(c, req); err != nil {
			e.logger.Warn("dtmf info failed", "call_id", c.id, "digit", string(d), "error", err)
			return
		}
		if !e.sleep(digitDuration + digitGap) {
			return
		}
	}
}

func (e *SIPEngine) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-e.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Close hangs up live calls, drops the engine's transport reference and
// stops the SIP stack.
func (e *SIPEngine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	live := make([]*call, 0, len(e.calls))
	for _, c := range e.calls {
		live = append(live, c)
	}
	e.mu.Unlock()

	for _, c := range live {
		if c.isEstablished() {
			e.sendBye(c)
			continue
		}
		e.finish(c, phoneerr.New(phoneerr.DomainTransport, phoneerr.CodeTransportError, "engine closed"))
	}

	e.own.Release()
	e.transports.Close()
	e.cancel()
	e.wg.Wait()

	e.srv.Close()
	e.ua.Close()
	closeFile(e.logFile)
	e.logger.Info("engine closed")
	return nil
}

// finish ends a call exactly once: the call leaves the table, its
// transport lease is released and Disconnected is emitted.
func (e *SIPEngine) finish(c *call, err error) {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}
	c.ended = true
	c.mu.Unlock()

	e.mu.Lock()
	delete(e.calls, c.id)
	e.mu.Unlock()

	c.lease.Release()

	if err != nil {
		e.logger.Info("call ended", "call_id", c.id, "error", err)
	} else {
		e.logger.Info("call ended", "call_id", c.id)
	}
	e.emit(Event{CallID: c.id, State: InviteDisconnected, Err: err})
}

func (e *SIPEngine) sendBye(c *call) {
	ctx, cancel := context.WithTimeout(context.Background(), byeTimeout)
	defer cancel()

	req := e.inDialogRequest(c, sip.BYE)
	tx, err := c.lease.Value().TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		e.logger.Warn("failed to send bye", "call_id", c.id, "error", err)
		e.finish(c, nil)
		return
	}
	res, err := getResponse(ctx, tx)
	tx.Terminate()
	if err != nil {
		e.logger.Debug("no response to bye", "call_id", c.id, "error", err)
	} else if res.StatusCode >= 300 {
		e.logger.Debug("bye rejected", "call_id", c.id, "status", res.StatusCode)
	}
	e.finish(c, nil)
}

// sendCancel cancels a pending outgoing INVITE. The INVITE loop sees the
// 487 and finishes the call.
func (e *SIPEngine) sendCancel(c *call) {
	invite := c.currentInvite()

	cancelReq := sip.NewRequest(sip.CANCEL, invite.Recipient)
	cancelReq.SetTransport(invite.Transport())
	if via := invite.Via(); via != nil {
		cancelReq.AppendHeader(sip.HeaderClone(via))
	}
	if h := invite.From(); h != nil {
		cancelReq.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.To(); h != nil {
		cancelReq.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.CallID(); h != nil {
		cancelReq.AppendHeader(sip.HeaderClone(h))
	}
	if cs := invite.CSeq(); cs != nil {
		cancelReq.AppendHeader(&sip.CSeqHeader{SeqNo: cs.SeqNo, MethodName: sip.CANCEL})
	}

	tx, err := c.lease.Value().TransactionRequest(e.ctx, cancelReq, sipgo.ClientRequestBuild)
	if err != nil {
		e.logger.Warn("failed to send cancel", "call_id", c.id, "error", err)
		e.finish(c, nil)
		return
	}
	tx.Terminate()
}

// transact sends an in-dialog request and waits for its final response.
func (e *SIPEngine) transact(c *call, req *sip.Request) (*sip.Response, error) {
	ctx, cancel := context.WithTimeout(e.ctx, byeTimeout)
	defer cancel()

	tx, err := c.lease.Value().TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		return nil, fmt.Errorf("sending %s: %w", req.Method, err)
	}
	defer tx.Terminate()

	for {
		res, err := getResponse(ctx, tx)
		if err != nil {
			return nil, fmt.Errorf("waiting for %s response: %w", req.Method, err)
		}
		if res.StatusCode >= 200 {
			return res, nil
		}
	}
}

// inDialogRequest builds a request inside the established dialog of c.
func (e *SIPEngine) inDialogRequest(c *call, method sip.RequestMethod) *sip.Request {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cseq++
	invite := c.invite

	var recipient sip.Uri
	var req *sip.Request
	if c.incoming {
		recipient = invite.Recipient
		if contact := invite.Contact(); contact != nil {
			recipient = contact.Address
		}
		req = sip.NewRequest(method, *recipient.Clone())

		// Our side is the To of the original INVITE; the tag comes from
		// our responses.
		to := invite.To()
		from := &sip.FromHeader{DisplayName: to.DisplayName, Address: to.Address}
		from.Params.Add("tag", c.localTag)
		req.AppendHeader(from)

		remote := invite.From()
		toHdr := &sip.ToHeader{DisplayName: remote.DisplayName, Address: remote.Address}
		if tag, ok := remote.Params.Get("tag"); ok {
			toHdr.Params.Add("tag", tag)
		}
		req.AppendHeader(toHdr)
	} else {
		recipient = invite.Recipient
		if c.answer != nil {
			if contact := c.answer.Contact(); contact != nil {
				recipient = contact.Address
			}
		}
		req = sip.NewRequest(method, *recipient.Clone())
		if h := invite.From(); h != nil {
			req.AppendHeader(sip.HeaderClone(h))
		}
		if c.answer != nil {
			if h := c.answer.To(); h != nil {
				req.AppendHeader(sip.HeaderClone(h))
			}
		}
	}

	if h := invite.CallID(); h != nil {
		req.AppendHeader(sip.HeaderClone(h))
	}
	req.AppendHeader(&sip.CSeqHeader{SeqNo: c.cseq, MethodName: method})
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.SetTransport(invite.Transport())
	return req
}

// response builds a response to the incoming INVITE of c carrying our tag.
func (e *SIPEngine) response(c *call, code int, reason string, body []byte) *sip.Response {
	res := sip.NewResponseFromRequest(c.invite, code, reason, body)
	if to := res.To(); to != nil {
		if _, ok := to.Params.Get("tag"); !ok {
			to.Params.Add("tag", c.localTag)
		}
	}
	return res
}

func (e *SIPEngine) onInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}

	e.mu.Lock()
	existing, known := e.calls[callID]
	closed := e.closed
	e.mu.Unlock()

	if closed {
		e.respond(req, tx, 503, "Service Unavailable")
		return
	}
	if known {
		e.answerReinvite(existing, req, tx)
		return
	}

	transport := strings.ToLower(req.Transport())
	if transport == "" {
		transport = e.cfg.Transport
	}
	lease, err := e.transports.Acquire(transport)
	if err != nil {
		e.logger.Error("no transport for incoming call", "call_id", callID, "error", err)
		e.respond(req, tx, 503, "Service Unavailable")
		return
	}

	c := &call{
		id:         callID,
		incoming:   true,
		lease:      lease,
		localTag:   sip.GenerateTagN(16),
		serverTx:   tx,
		invite:     req,
		sessionID:  rand.Int64N(1 << 31),
		sdpVersion: 1,
		cseq:       1,
	}

	e.mu.Lock()
	e.calls[callID] = c
	e.mu.Unlock()

	if err := tx.Respond(e.response(c, 180, "Ringing", nil)); err != nil {
		e.logger.Warn("failed to send ringing", "call_id", callID, "error", err)
	}

	from := ""
	if f := req.From(); f != nil {
		from = f.Address.User
	}
	e.logger.Info("incoming call", "call_id", callID, "from", from, "source", req.Source())
	e.emit(Event{CallID: callID, State: InviteIncoming, From: from, Params: customParams(req)})

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		select {
		case <-tx.Done():
		case <-e.ctx.Done():
			return
		}
		c.mu.Lock()
		abandoned := !c.answered && !c.ended
		c.mu.Unlock()
		if abandoned {
			e.finish(c, phoneerr.New(phoneerr.DomainServices, phoneerr.CodeTimeout, "incoming call abandoned"))
		}
	}()
}

// answerReinvite accepts a remote session refresh with our current offer.
func (e *SIPEngine) answerReinvite(c *call, req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 200, "OK", e.offer(c))
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	res.AppendHeader(sip.NewHeader("Contact", e.contact()))
	if err := tx.Respond(res); err != nil {
		e.logger.Warn("failed to answer reinvite", "call_id", c.id, "error", err)
	}
}

func (e *SIPEngine) onAck(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}
	e.mu.Lock()
	c, ok := e.calls[callID]
	e.mu.Unlock()
	if !ok || !c.incoming {
		return
	}

	c.mu.Lock()
	confirm := c.answered && !c.confirmed && !c.ended
	if confirm {
		c.confirmed = true
	}
	digits := c.queuedDigit
	c.queuedDigit = ""
	c.mu.Unlock()

	if confirm {
		e.emit(Event{CallID: callID, State: InviteConfirmed})
		if digits != "" {
			e.wg.Add(1)
			go e.playDigits(c, digits)
		}
	}
}

func (e *SIPEngine) onBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}
	e.mu.Lock()
	c, ok := e.calls[callID]
	e.mu.Unlock()
	if !ok {
		e.respond(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}
	e.respond(req, tx, 200, "OK")
	e.logger.Info("remote hangup", "call_id", callID)
	e.finish(c, nil)
}

func (e *SIPEngine) onCancel(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}
	e.mu.Lock()
	c, ok := e.calls[callID]
	e.mu.Unlock()
	if !ok {
		e.respond(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}
	e.respond(req, tx, 200, "OK")

	c.mu.Lock()
	answered := c.answered
	c.mu.Unlock()
	if !c.incoming || answered {
		return
	}
	if err := c.serverTx.Respond(e.response(c, 487, "Request Terminated", nil)); err != nil {
		e.logger.Debug("failed to terminate cancelled invite", "call_id", callID, "error", err)
	}
	e.finish(c, nil)
}

func (e *SIPEngine) onOptions(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Accept", "application/sdp"))
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, OPTIONS, INFO"))
	if err := tx.Respond(res); err != nil {
		e.logger.Error("failed to respond to options", "error", err)
	}
}

func (e *SIPEngine) onInfo(req *sip.Request, tx sip.ServerTransaction) {
	e.respond(req, tx, 200, "OK")
}

func (e *SIPEngine) respond(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		e.logger.Error("failed to send response", "code", code, "error", err)
	}
}

func (c *call) currentInvite() *sip.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.invite
}

func (c *call) wasHungUp() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hungUp
}

func (c *call) isEstablished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.ended && (c.confirmed || (c.incoming && c.answered))
}

// customParams collects call parameters from an incoming INVITE: the
// encoded params header plus any X-PH- headers.
func customParams(req *sip.Request) map[string]string {
	params := make(map[string]string)
	if h := req.GetHeader(paramsHeader); h != nil {
		if values, err := url.ParseQuery(h.Value()); err == nil {
			for k := range values {
				params[k] = values.Get(k)
			}
		}
	}
	for _, h := range req.Headers() {
		name := h.Name()
		if len(name) > len(paramHeaderPrefix) && strings.EqualFold(name[:len(paramHeaderPrefix)], paramHeaderPrefix) {
			params[name[len(paramHeaderPrefix):]] = h.Value()
		}
	}
	return params
}

// buildACK creates the ACK for a 2xx response to invite. The ACK goes to
// the Contact of the response when present.
func buildACK(invite *sip.Request, res *sip.Response) *sip.Request {
	recipient := &invite.Recipient
	if contact := res.Contact(); contact != nil {
		recipient = &contact.Address
	}

	ack := sip.NewRequest(sip.ACK, *recipient.Clone())
	ack.SipVersion = invite.SipVersion

	if len(invite.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", invite, ack)
	}
	if h := invite.From(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := res.To(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.CallID(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if cs := invite.CSeq(); cs != nil {
		ack.AppendHeader(&sip.CSeqHeader{SeqNo: cs.SeqNo, MethodName: sip.ACK})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)
	if h := invite.Contact(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}

	ack.SetTransport(invite.Transport())
	ack.SetSource(invite.Source())
	return ack
}

func getResponse(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-tx.Done():
		return nil, fmt.Errorf("transaction terminated: %w", tx.Err())
	case res := <-tx.Responses():
		return res, nil
	}
}

func closeFile(f *os.File) {
	if f != nil {
		f.Close()
	}
}
