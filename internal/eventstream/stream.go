// Package eventstream is the feature-gated signaling channel that carries
// incoming call and presence events to a device.
package eventstream

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/phonekit/phonekit/internal/capability"
	"github.com/phonekit/phonekit/internal/longpoll"
	"github.com/phonekit/phonekit/internal/phoneerr"
)

// Features advertised to the stream server.
const (
	FeatureIncomingCalls   = "incoming-calls"
	FeaturePresenceEvents  = "presence-events"
	FeaturePublishPresence = "publish-presence"
)

// Matrix endpoint defaults.
const (
	DefaultHost    = "chunderm.twilio.com"
	DefaultTLSPort = 10194
	DefaultTCPPort = 10193

	apiVersion  = "2012-02-09"
	postTimeout = 30 * time.Second
)

// ErrUIContext is returned by PostMessage when called on a context marked
// with WithUIContext.
var ErrUIContext = errors.New("eventstream: blocking post refused on ui context")

type uiContextKey struct{}

// WithUIContext marks ctx as belonging to a UI thread. PostMessage blocks
// and refuses to run on such contexts.
func WithUIContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, uiContextKey{}, true)
}

// IsUIContext reports whether ctx was marked by WithUIContext.
func IsUIContext(ctx context.Context) bool {
	v, _ := ctx.Value(uiContextKey{}).(bool)
	return v
}

// Delegate receives stream events. StreamMessage returns true when it has
// fully handled the message.
type Delegate interface {
	StreamConnected(s *Stream)
	StreamDisconnected(s *Stream)
	StreamFailed(s *Stream, err error, willRetry bool)
	StreamMessage(s *Stream, msg Message) bool
	FeaturesUpdated(s *Stream)
}

// Options configure the matrix endpoint.
type Options struct {
	// Scheme is one of https, http, wss, ws. Defaults to https.
	Scheme string
	Host   string
	Port   int

	UserAgent string
	Transport longpoll.Options
}

// Stream is an event stream session for one capability token.
type Stream struct {
	token      string
	accountSID string
	clientName string

	opts     Options
	delegate Delegate
	logger   *slog.Logger
	conn     *longpoll.Conn
	client   *http.Client

	mu       sync.Mutex
	features map[string]struct{}
}

// New creates a stream for the given token. It does not connect.
func New(token string, caps capability.Capabilities, features []string, delegate Delegate, opts Options, logger *slog.Logger) (*Stream, error) {
	if caps.AccountSID == "" {
		return nil, errors.New("eventstream: capability token has no account sid")
	}
	if opts.Scheme == "" {
		opts.Scheme = "https"
	}
	if opts.Host == "" {
		opts.Host = DefaultHost
	}
	if opts.Port == 0 {
		switch opts.Scheme {
		case "https", "wss":
			opts.Port = DefaultTLSPort
		default:
			opts.Port = DefaultTCPPort
		}
	}
	if opts.Transport.PeerName == "" {
		opts.Transport.PeerName = opts.Host
	}

	s := &Stream{
		token:      token,
		accountSID: caps.AccountSID,
		clientName: caps.ClientName,
		opts:       opts,
		delegate:   delegate,
		logger:     logger.With("subsystem", "eventstream", "client", caps.ClientName),
		features:   make(map[string]struct{}),
		client: &http.Client{
			Timeout: postTimeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				TLSClientConfig: &tls.Config{
					ServerName:         opts.Transport.PeerName,
					InsecureSkipVerify: opts.Transport.InsecureSkipVerify,
					RootCAs:            opts.Transport.RootCAs,
					MinVersion:         tls.VersionTLS12,
				},
			},
		},
	}
	for _, f := range features {
		s.features[f] = struct{}{}
	}
	s.conn = longpoll.New(connHandler{s}, opts.Transport, logger)

	if err := s.conn.SetTarget(s.streamURL(), s.header()); err != nil {
		return nil, fmt.Errorf("setting stream target: %w", err)
	}
	return s, nil
}

// ClientName returns the client name the stream is registered under.
func (s *Stream) ClientName() string {
	return s.clientName
}

// Connect opens the stream.
func (s *Stream) Connect() error {
	return s.conn.Connect()
}

// Disconnect closes the stream and cancels pending reconnects.
func (s *Stream) Disconnect() {
	s.conn.Disconnect()
}

// Reconnect re-establishes the stream immediately.
func (s *Stream) Reconnect() {
	s.conn.Reconnect()
}

// State returns the transport state.
func (s *Stream) State() longpoll.State {
	return s.conn.State()
}

// AddFeature adds f to the advertised set. A live stream reconnects to
// advertise the new set.
func (s *Stream) AddFeature(f string) {
	s.mu.Lock()
	_, had := s.features[f]
	s.features[f] = struct{}{}
	s.mu.Unlock()
	if !had {
		s.featuresChanged()
	}
}

// RemoveFeature removes f from the advertised set.
func (s *Stream) RemoveFeature(f string) {
	s.mu.Lock()
	_, had := s.features[f]
	delete(s.features, f)
	s.mu.Unlock()
	if had {
		s.featuresChanged()
	}
}

// HasFeature reports whether f is advertised.
func (s *Stream) HasFeature(f string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.features[f]
	return ok
}

// Features returns the advertised set, sorted.
func (s *Stream) Features() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.features))
	for f := range s.features {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

func (s *Stream) featuresChanged() {
	if err := s.conn.SetTarget(s.streamURL(), s.header()); err != nil {
		s.logger.Error("updating stream target", "error", err)
	}
	s.logger.Info("features updated", "features", s.Features())
	s.delegate.FeaturesUpdated(s)
}

// PostMessage publishes message on subchannel and waits for the server to
// accept it. It must not be called from a UI context.
func (s *Stream) PostMessage(ctx context.Context, message []byte, subchannel, contentType string) error {
	if IsUIContext(ctx) {
		return ErrUIContext
	}
	if contentType == "" {
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.publishURL(subchannel), bytes.NewReader(message))
	if err != nil {
		return fmt.Errorf("building publish request: %w", err)
	}
	req.Header = s.header()
	req.Header.Set("Content-Type", contentType)

	resp, err := s.client.Do(req)
	if err != nil {
		return phoneerr.Wrap(phoneerr.DomainHTTP, phoneerr.CodeConnectFailed, "publishing message", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return phoneerr.New(phoneerr.DomainHTTP, phoneerr.CodeStatus,
			fmt.Sprintf("publish to %s: status %d", subchannel, resp.StatusCode))
	}
	s.logger.Debug("message published", "subchannel", subchannel, "bytes", len(message))
	return nil
}

func (s *Stream) basePath() string {
	return "/" + apiVersion + "/" + url.PathEscape(s.accountSID) + "/" + url.PathEscape(s.clientName)
}

func (s *Stream) streamURL() string {
	q := url.Values{}
	q.Set("AccessToken", s.token)
	for _, f := range s.Features() {
		q.Add("feature", f)
	}
	u := url.URL{
		Scheme:   s.opts.Scheme,
		Host:     fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port),
		Path:     s.basePath(),
		RawQuery: q.Encode(),
	}
	return u.String()
}

// publishURL is always plain HTTP(S), also when the stream uses
// WebSocket framing.
func (s *Stream) publishURL(subchannel string) string {
	scheme := s.opts.Scheme
	switch scheme {
	case "wss":
		scheme = "https"
	case "ws":
		scheme = "http"
	}
	q := url.Values{}
	q.Set("AccessToken", s.token)
	u := url.URL{
		Scheme:   scheme,
		Host:     fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port),
		Path:     s.basePath() + "/" + url.PathEscape(subchannel),
		RawQuery: q.Encode(),
	}
	return u.String()
}

func (s *Stream) header() http.Header {
	h := http.Header{}
	if s.opts.UserAgent != "" {
		h.Set("User-Agent", s.opts.UserAgent)
	}
	return h
}

// connHandler adapts transport callbacks onto the stream delegate.
type connHandler struct {
	s *Stream
}

func (h connHandler) Connected() {
	h.s.logger.Info("stream connected", "features", h.s.Features())
	h.s.delegate.StreamConnected(h.s)
}

func (h connHandler) Disconnected() {
	h.s.delegate.StreamDisconnected(h.s)
}

func (h connHandler) Failed(err error, willRetry bool) {
	h.s.delegate.StreamFailed(h.s, err, willRetry)
}

func (h connHandler) Message(raw json.RawMessage) {
	msg, err := ParseMessage(raw)
	if err != nil {
		h.s.logger.Warn("dropping stream message", "error", err)
		return
	}
	if !h.s.delegate.StreamMessage(h.s, msg) {
		h.s.logger.Debug("unhandled stream message", "event", msg.Event)
	}
}
