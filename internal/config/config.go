package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/phonekit/phonekit/internal/cmdqueue"
	"github.com/phonekit/phonekit/internal/engine"
	"github.com/phonekit/phonekit/internal/eventstream"
	"github.com/phonekit/phonekit/internal/longpoll"
)

// Config holds all runtime configuration for the PhoneKit daemon.
// Precedence: CLI flags > env vars > .env file > defaults.
type Config struct {
	DataDir   string
	HTTPAddr  string
	LogLevel  string
	LogFormat string // log output format: "text" or "json"
	EnvFile   string

	// Signaling.
	Transport       string
	CallControlHost string
	CallControlPort int
	SIPListen       string // local address for inbound SIP, empty to disable
	SIPUser         string
	SIPPassword     string
	UserAgent       string
	ExternalIP      string // address advertised in SDP
	MediaPort       int
	EngineLog       string

	// Media tuning.
	VAD               bool
	AudioQuality      int
	EchoCancelTailMs  int
	RecordLatencyMs   int
	PlaybackLatencyMs int

	// Event stream.
	MatrixScheme string
	MatrixHost   string
	MatrixPort   int
	RetryBase    time.Duration
	RetryMax     time.Duration

	// Session.
	MaxCalls         int
	NoNetworkTimeout time.Duration
	ShutdownPolicy   string

	// Capability token, inline or read from a file.
	Token       string
	TokenFile   string
	TokenSecret string // signs development tokens for the mint subcommand

	// API request limiting per remote address.
	RateLimit float64
	RateBurst int
	// APIKey, when set, is required on every API route except health.
	APIKey string
}

// defaults
const (
	defaultDataDir         = "./data"
	defaultHTTPAddr        = "127.0.0.1:8080"
	defaultLogLevel        = "info"
	defaultLogFormat       = "text"
	defaultEnvFile         = ".env"
	defaultTransport       = engine.TransportTCP
	defaultCallControlHost = "chunderm.twilio.com"
	defaultCallControlPort = 5060
	defaultMediaPort       = 16000
	defaultQuality         = 5
	defaultEchoTailMs      = 128
	defaultMatrixScheme    = "https"
	defaultRetryBase       = time.Second
	defaultRetryMax        = time.Minute
	defaultMaxCalls        = 2
	defaultNoNetwork       = 30 * time.Second
	defaultShutdownPolicy  = "drain"
	defaultRateLimit       = 20
	defaultRateBurst       = 40
)

// envPrefix is the prefix for all PhoneKit environment variables.
const envPrefix = "PHONEKIT_"

// Load parses configuration from CLI flags, environment variables and the
// optional .env file. args excludes the program name.
func Load(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("phonekit", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	cfg.register(fs)

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	envFileSet := false
	fs.Visit(func(f *flag.Flag) {
		envFileSet = envFileSet || f.Name == "env-file"
	})
	if v := os.Getenv(envName("env-file")); v != "" && !envFileSet {
		cfg.EnvFile = v
	}
	if err := loadEnvFile(cfg.EnvFile); err != nil {
		return nil, err
	}

	// Apply env var overrides for any flags not explicitly set on the command line.
	if err := applyEnvOverrides(fs); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func (c *Config) register(fs *flag.FlagSet) {
	fs.StringVar(&c.DataDir, "data-dir", defaultDataDir, "data directory for the call history database")
	fs.StringVar(&c.HTTPAddr, "http-addr", defaultHTTPAddr, "control API listen address")
	fs.StringVar(&c.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&c.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&c.EnvFile, "env-file", defaultEnvFile, "file of KEY=value pairs loaded into the environment if present")

	fs.StringVar(&c.Transport, "transport", defaultTransport, "signaling transport (udp, tcp, tls)")
	fs.StringVar(&c.CallControlHost, "call-control-host", defaultCallControlHost, "call control server host")
	fs.IntVar(&c.CallControlPort, "call-control-port", defaultCallControlPort, "call control server port")
	fs.StringVar(&c.SIPListen, "sip-listen", "", "local address for inbound SIP (e.g. 0.0.0.0:5070); empty disables")
	fs.StringVar(&c.SIPUser, "sip-user", "", "username for digest challenges")
	fs.StringVar(&c.SIPPassword, "sip-password", "", "password for digest challenges")
	fs.StringVar(&c.UserAgent, "user-agent", "phonekit", "SIP and HTTP user agent")
	fs.StringVar(&c.ExternalIP, "external-ip", "", "IP address advertised in SDP (auto-detected if empty)")
	fs.IntVar(&c.MediaPort, "media-port", defaultMediaPort, "RTP port advertised in SDP")
	fs.StringVar(&c.EngineLog, "engine-log", "", "file receiving the signaling engine's own log")

	fs.BoolVar(&c.VAD, "vad", false, "enable voice activity detection")
	fs.IntVar(&c.AudioQuality, "audio-quality", defaultQuality, "codec quality 0-10")
	fs.IntVar(&c.EchoCancelTailMs, "echo-tail-ms", defaultEchoTailMs, "echo canceller tail length in milliseconds")
	fs.IntVar(&c.RecordLatencyMs, "record-latency-ms", 0, "capture latency in milliseconds")
	fs.IntVar(&c.PlaybackLatencyMs, "playback-latency-ms", 0, "playback latency in milliseconds")

	fs.StringVar(&c.MatrixScheme, "matrix-scheme", defaultMatrixScheme, "event stream scheme (https, http, wss, ws)")
	fs.StringVar(&c.MatrixHost, "matrix-host", eventstream.DefaultHost, "event stream host")
	fs.IntVar(&c.MatrixPort, "matrix-port", 0, "event stream port (default by scheme)")
	fs.DurationVar(&c.RetryBase, "retry-base", defaultRetryBase, "first event stream reconnect delay")
	fs.DurationVar(&c.RetryMax, "retry-max", defaultRetryMax, "longest event stream reconnect delay")

	fs.IntVar(&c.MaxCalls, "max-calls", defaultMaxCalls, "maximum concurrent calls")
	fs.DurationVar(&c.NoNetworkTimeout, "no-network-timeout", defaultNoNetwork, "how long listening survives without network")
	fs.StringVar(&c.ShutdownPolicy, "shutdown-policy", defaultShutdownPolicy, "queued commands at shutdown (drain, discard)")

	fs.StringVar(&c.Token, "token", "", "capability token")
	fs.StringVar(&c.TokenFile, "token-file", "", "file containing the capability token")
	fs.StringVar(&c.TokenSecret, "token-secret", "", "secret for signing development capability tokens")

	fs.Float64Var(&c.RateLimit, "rate-limit", defaultRateLimit, "API requests per second per client")
	fs.IntVar(&c.RateBurst, "rate-burst", defaultRateBurst, "API request burst per client")
	fs.StringVar(&c.APIKey, "api-key", "", "key required on API requests (bearer or X-API-Key)")
}

// loadEnvFile adds the file's variables to the environment without
// replacing variables already set. A missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading env file %s: %w", path, err)
	}
	return nil
}

// applyEnvOverrides sets every flag not given on the command line from its
// PHONEKIT_ variable, e.g. --call-control-host from
// PHONEKIT_CALL_CONTROL_HOST.
func applyEnvOverrides(fs *flag.FlagSet) error {
	// Track which flags were explicitly set via CLI.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	var err error
	fs.VisitAll(func(f *flag.Flag) {
		if err != nil || set[f.Name] || f.Name == "env-file" {
			return
		}
		val, ok := os.LookupEnv(envName(f.Name))
		if !ok || val == "" {
			return
		}
		if serr := fs.Set(f.Name, val); serr != nil {
			err = fmt.Errorf("invalid %s: %w", envName(f.Name), serr)
		}
	})
	return err
}

func envName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	if _, _, err := net.SplitHostPort(c.HTTPAddr); err != nil {
		return fmt.Errorf("http-addr %q: %w", c.HTTPAddr, err)
	}
	if c.SIPListen != "" {
		if _, _, err := net.SplitHostPort(c.SIPListen); err != nil {
			return fmt.Errorf("sip-listen %q: %w", c.SIPListen, err)
		}
	}
	c.Transport = strings.ToLower(c.Transport)
	if err := c.EngineConfig().Validate(); err != nil {
		return err
	}
	if c.MediaPort < 1024 || c.MediaPort > 65534 || c.MediaPort%2 != 0 {
		return fmt.Errorf("media-port must be an even port between 1024 and 65534, got %d", c.MediaPort)
	}

	switch c.MatrixScheme {
	case "https", "http", "wss", "ws":
	default:
		return fmt.Errorf("matrix-scheme must be one of https, http, wss, ws; got %q", c.MatrixScheme)
	}
	if c.MatrixPort < 0 || c.MatrixPort > 65535 {
		return fmt.Errorf("matrix-port must be between 0 and 65535, got %d", c.MatrixPort)
	}
	if c.RetryBase <= 0 || c.RetryMax < c.RetryBase {
		return fmt.Errorf("retry-max (%s) must be at least retry-base (%s) and both positive", c.RetryMax, c.RetryBase)
	}

	if c.MaxCalls < 1 {
		return fmt.Errorf("max-calls must be at least 1, got %d", c.MaxCalls)
	}
	if c.NoNetworkTimeout <= 0 {
		return fmt.Errorf("no-network-timeout must be positive, got %s", c.NoNetworkTimeout)
	}
	if _, err := cmdqueue.ParsePolicy(c.ShutdownPolicy); err != nil {
		return err
	}

	if c.Token != "" && c.TokenFile != "" {
		return fmt.Errorf("token and token-file are mutually exclusive")
	}
	if c.RateLimit <= 0 || c.RateBurst < 1 {
		return fmt.Errorf("rate-limit and rate-burst must be positive")
	}

	return nil
}

// Policy returns the parsed shutdown policy.
func (c *Config) Policy() cmdqueue.Policy {
	p, _ := cmdqueue.ParsePolicy(c.ShutdownPolicy)
	return p
}

// CapabilityToken returns the configured token, reading TokenFile if set.
// It returns "" when neither is configured.
func (c *Config) CapabilityToken() (string, error) {
	if c.TokenFile == "" {
		return strings.TrimSpace(c.Token), nil
	}
	data, err := os.ReadFile(c.TokenFile)
	if err != nil {
		return "", fmt.Errorf("reading token file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// EngineConfig returns the signaling engine settings.
func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		Transport:       c.Transport,
		CallControlHost: c.CallControlHost,
		CallControlPort: c.CallControlPort,
		ListenAddr:      c.SIPListen,
		Username:        c.SIPUser,
		Password:        c.SIPPassword,
		UserAgent:       c.UserAgent,
		MediaIP:         c.MediaIP(),
		MediaPort:       c.MediaPort,
		Media: engine.MediaConfig{
			VAD:               c.VAD,
			Quality:           c.AudioQuality,
			EchoCancelTailMs:  c.EchoCancelTailMs,
			RecordLatencyMs:   c.RecordLatencyMs,
			PlaybackLatencyMs: c.PlaybackLatencyMs,
		},
		LogPath: c.EngineLog,
	}
}

// StreamOptions returns the event stream endpoint settings.
func (c *Config) StreamOptions() eventstream.Options {
	return eventstream.Options{
		Scheme:    c.MatrixScheme,
		Host:      c.MatrixHost,
		Port:      c.MatrixPort,
		UserAgent: c.UserAgent,
		Transport: longpoll.Options{
			BaseDelay: c.RetryBase,
			MaxDelay:  c.RetryMax,
			PeerName:  c.MatrixHost,
		},
	}
}

// MediaIP returns the IP address to use in SDP.
// If ExternalIP is configured, it is returned directly. Otherwise the
// function attempts to detect the machine's primary non-loopback IPv4 address.
// Falls back to "127.0.0.1" if detection fails.
func (c *Config) MediaIP() string {
	if c.ExternalIP != "" {
		return c.ExternalIP
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				return ipNet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
