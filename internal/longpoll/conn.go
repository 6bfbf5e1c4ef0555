// Package longpoll keeps a reconnecting streaming connection to an HTTP or
// WebSocket endpoint and decodes the JSON messages it carries.
package longpoll

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/phonekit/phonekit/internal/phoneerr"
)

// State is the connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const (
	defaultBaseDelay     = time.Second
	defaultMaxDelay      = 60 * time.Second
	defaultAttemptRate   = 1
	defaultAttemptBurst  = 3
	headerTimeout        = 30 * time.Second
	websocketDialTimeout = 15 * time.Second
)

// Handler receives connection events. Calls come from the connection's
// reader goroutine and are never made while internal locks are held.
type Handler interface {
	Connected()
	Message(msg json.RawMessage)
	Failed(err error, willRetry bool)
	Disconnected()
}

// Options configure a Conn. Zero values select the defaults.
type Options struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// PeerName is the name the server certificate must match. Empty uses
	// the target host.
	PeerName string
	// InsecureSkipVerify disables certificate verification.
	InsecureSkipVerify bool
	// RootCAs replaces the system roots when set.
	RootCAs *x509.CertPool

	// AttemptRate and AttemptBurst bound connection attempts per second.
	AttemptRate  float64
	AttemptBurst int
}

// Conn is a reconnecting long-poll connection.
type Conn struct {
	handler Handler
	logger  *slog.Logger
	client  *http.Client
	dialer  *websocket.Dialer
	limiter *rate.Limiter

	mu      sync.Mutex
	state   State
	target  *url.URL
	header  http.Header
	backoff *backoff
	gen     uint64
	want    bool
	cancel  context.CancelFunc
	timer   *time.Timer
}

// New creates a disconnected Conn.
func New(handler Handler, opts Options, logger *slog.Logger) *Conn {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = defaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = defaultMaxDelay
	}
	if opts.MaxDelay < opts.BaseDelay {
		opts.MaxDelay = opts.BaseDelay
	}
	if opts.AttemptRate <= 0 {
		opts.AttemptRate = defaultAttemptRate
	}
	if opts.AttemptBurst <= 0 {
		opts.AttemptBurst = defaultAttemptBurst
	}

	tlsConfig := &tls.Config{
		ServerName:         opts.PeerName,
		InsecureSkipVerify: opts.InsecureSkipVerify,
		RootCAs:            opts.RootCAs,
		MinVersion:         tls.VersionTLS12,
	}

	return &Conn{
		handler: handler,
		logger:  logger.With("subsystem", "longpoll"),
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				TLSClientConfig:       tlsConfig,
				ResponseHeaderTimeout: headerTimeout,
			},
		},
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			TLSClientConfig:  tlsConfig,
			HandshakeTimeout: websocketDialTimeout,
		},
		limiter: rate.NewLimiter(rate.Limit(opts.AttemptRate), opts.AttemptBurst),
		backoff: newBackoff(opts.BaseDelay, opts.MaxDelay),
		header:  http.Header{},
	}
}

// SetTarget sets the URL and request headers for subsequent attempts. A
// live connection is re-established against the new target.
func (c *Conn) SetTarget(rawURL string, header http.Header) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return phoneerr.Wrap(phoneerr.DomainHTTP, phoneerr.CodeBadURLScheme, "parsing target url", err)
	}
	if !supportedScheme(u.Scheme) {
		return phoneerr.New(phoneerr.DomainHTTP, phoneerr.CodeBadURLScheme,
			fmt.Sprintf("unsupported url scheme %q", u.Scheme))
	}

	c.mu.Lock()
	c.target = u
	c.header = header.Clone()
	if c.header == nil {
		c.header = http.Header{}
	}
	restart := c.want && c.state != StateDisconnected
	c.mu.Unlock()

	if restart {
		c.Reconnect()
	}
	return nil
}

// State returns the current connection state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect starts connecting. It is a no-op unless disconnected.
func (c *Conn) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.target == nil {
		return errors.New("longpoll: no target set")
	}
	c.want = true
	if c.state != StateDisconnected {
		return nil
	}
	c.backoff.reset()
	c.startLocked()
	return nil
}

// Reconnect drops any current attempt and connects again immediately.
func (c *Conn) Reconnect() {
	c.mu.Lock()
	if c.target == nil {
		c.mu.Unlock()
		return
	}
	wasConnected := c.state == StateConnected
	c.want = true
	c.stopLocked()
	c.backoff.reset()
	c.startLocked()
	c.mu.Unlock()

	if wasConnected {
		c.handler.Disconnected()
	}
}

// Disconnect closes the connection and cancels any pending reconnect. No
// further attempts are made until Connect is called again.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	wasConnected := c.state == StateConnected
	c.want = false
	c.stopLocked()
	c.state = StateDisconnected
	c.mu.Unlock()

	if wasConnected {
		c.handler.Disconnected()
	}
	c.logger.Debug("disconnected")
}

// stopLocked invalidates the running attempt and any reconnect timer.
func (c *Conn) stopLocked() {
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Conn) startLocked() {
	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.state = StateConnecting

	target := *c.target
	header := c.header.Clone()

	go c.run(ctx, gen, &target, header)
}

func (c *Conn) run(ctx context.Context, gen uint64, target *url.URL, header http.Header) {
	if err := c.limiter.Wait(ctx); err != nil {
		return
	}

	c.logger.Debug("connecting", "url", redact(target))

	var err error
	switch target.Scheme {
	case "http", "https":
		err = c.streamHTTP(ctx, gen, target, header)
	case "ws", "wss":
		err = c.streamWebSocket(ctx, gen, target, header)
	default:
		err = phoneerr.New(phoneerr.DomainHTTP, phoneerr.CodeBadURLScheme,
			fmt.Sprintf("unsupported url scheme %q", target.Scheme))
	}

	if ctx.Err() != nil {
		return
	}
	c.dropped(gen, err)
}

func (c *Conn) streamHTTP(ctx context.Context, gen uint64, target *url.URL, header http.Header) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return phoneerr.Wrap(phoneerr.DomainHTTP, phoneerr.CodeConnectFailed, "building request", err)
	}
	req.Header = header
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return phoneerr.Wrap(phoneerr.DomainHTTP, phoneerr.CodeConnectFailed, "connecting", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return phoneerr.New(phoneerr.DomainHTTP, phoneerr.CodeStatus,
			fmt.Sprintf("unexpected status %d", resp.StatusCode))
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		mediaType, _, err := mime.ParseMediaType(ct)
		if err != nil || !jsonMediaType(mediaType) {
			return phoneerr.New(phoneerr.DomainHTTP, phoneerr.CodeBadResponseHeaders,
				fmt.Sprintf("unexpected content type %q", ct))
		}
	}

	if !c.connected(gen) {
		return nil
	}

	chunked := len(resp.TransferEncoding) > 0 && resp.TransferEncoding[0] == "chunked"
	dec := json.NewDecoder(resp.Body)
	for {
		var msg json.RawMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return phoneerr.New(phoneerr.DomainHTTP, phoneerr.CodeConnectFailed, "stream closed by server")
			}
			var syntaxErr *json.SyntaxError
			if chunked && !errors.As(err, &syntaxErr) {
				return phoneerr.Wrap(phoneerr.DomainHTTP, phoneerr.CodeBadChunkSize, "reading chunked body", err)
			}
			return phoneerr.Wrap(phoneerr.DomainHTTP, phoneerr.CodeConnectFailed, "reading stream", err)
		}
		if !c.deliver(gen, msg) {
			return nil
		}
	}
}

func (c *Conn) streamWebSocket(ctx context.Context, gen uint64, target *url.URL, header http.Header) error {
	ws, resp, err := c.dialer.DialContext(ctx, target.String(), header)
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return phoneerr.Wrap(phoneerr.DomainHTTP, phoneerr.CodeStatus,
				fmt.Sprintf("unexpected status %d", resp.StatusCode), err)
		}
		return phoneerr.Wrap(phoneerr.DomainHTTP, phoneerr.CodeConnectFailed, "dialing websocket", err)
	}
	defer ws.Close()

	stop := context.AfterFunc(ctx, func() { ws.Close() })
	defer stop()

	if !c.connected(gen) {
		return nil
	}

	for {
		kind, data, err := ws.ReadMessage()
		if err != nil {
			return phoneerr.Wrap(phoneerr.DomainHTTP, phoneerr.CodeConnectFailed, "reading websocket", err)
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		if !json.Valid(data) {
			c.logger.Warn("dropping invalid json frame", "bytes", len(data))
			continue
		}
		if !c.deliver(gen, json.RawMessage(data)) {
			return nil
		}
	}
}

// connected marks attempt gen as connected. It returns false when the
// attempt has been superseded.
func (c *Conn) connected(gen uint64) bool {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return false
	}
	c.state = StateConnected
	c.backoff.reset()
	c.mu.Unlock()

	c.logger.Info("connected")
	c.handler.Connected()
	return true
}

func (c *Conn) deliver(gen uint64, msg json.RawMessage) bool {
	c.mu.Lock()
	current := c.gen == gen
	c.mu.Unlock()
	if !current {
		return false
	}
	c.handler.Message(msg)
	return true
}

// dropped handles the end of attempt gen and schedules the next one.
func (c *Conn) dropped(gen uint64, err error) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	wasConnected := c.state == StateConnected
	c.cancel = nil

	willRetry := c.want && !phoneerr.HasCode(err, phoneerr.DomainHTTP, phoneerr.CodeBadURLScheme)
	if willRetry {
		c.state = StateConnecting
		delay := c.backoff.next()
		c.timer = time.AfterFunc(delay, func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if c.gen != gen || !c.want {
				return
			}
			c.timer = nil
			c.startLocked()
		})
		c.logger.Warn("stream failed, retrying", "error", err, "delay", delay)
	} else {
		c.state = StateDisconnected
		c.want = false
		c.logger.Error("stream failed", "error", err)
	}
	c.mu.Unlock()

	if wasConnected {
		c.handler.Disconnected()
	}
	if err != nil {
		c.handler.Failed(err, willRetry)
	}
}

func supportedScheme(scheme string) bool {
	switch scheme {
	case "http", "https", "ws", "wss":
		return true
	}
	return false
}

func jsonMediaType(mediaType string) bool {
	return mediaType == "application/json" ||
		strings.HasSuffix(mediaType, "+json") ||
		mediaType == "text/plain"
}

// redact strips query values from u for logging; the access token travels
// in the query string.
func redact(u *url.URL) string {
	r := *u
	r.RawQuery = ""
	return r.String()
}
