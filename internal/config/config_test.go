package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/phonekit/phonekit/internal/cmdqueue"
)

// noEnvFile keeps a stray .env in the package directory out of the test.
var noEnvFile = []string{"--env-file", ""}

func load(t *testing.T, args ...string) (*Config, error) {
	t.Helper()
	return Load(append(args, noEnvFile...))
}

func TestDefaults(t *testing.T) {
	cfg, err := load(t)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.DataDir != defaultDataDir {
		t.Errorf("DataDir = %q, want %q", cfg.DataDir, defaultDataDir)
	}
	if cfg.HTTPAddr != defaultHTTPAddr {
		t.Errorf("HTTPAddr = %q, want %q", cfg.HTTPAddr, defaultHTTPAddr)
	}
	if cfg.MaxCalls != 2 {
		t.Errorf("MaxCalls = %d, want 2", cfg.MaxCalls)
	}
	if cfg.NoNetworkTimeout != 30*time.Second {
		t.Errorf("NoNetworkTimeout = %s, want 30s", cfg.NoNetworkTimeout)
	}
	if cfg.Policy() != cmdqueue.PolicyDrain {
		t.Errorf("Policy() = %s, want drain", cfg.Policy())
	}
	if cfg.LogLevel != defaultLogLevel {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, defaultLogLevel)
	}
}

func TestEnvVarOverride(t *testing.T) {
	t.Setenv("PHONEKIT_HTTP_ADDR", "0.0.0.0:9090")
	t.Setenv("PHONEKIT_DATA_DIR", "/tmp/phonekit-test")
	t.Setenv("PHONEKIT_LOG_LEVEL", "debug")
	t.Setenv("PHONEKIT_MAX_CALLS", "4")
	t.Setenv("PHONEKIT_NO_NETWORK_TIMEOUT", "45s")
	t.Setenv("PHONEKIT_CALL_CONTROL_HOST", "sip.example.com")
	t.Setenv("PHONEKIT_API_KEY", "k3y")

	cfg, err := load(t)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPAddr != "0.0.0.0:9090" {
		t.Errorf("HTTPAddr = %q, want 0.0.0.0:9090", cfg.HTTPAddr)
	}
	if cfg.DataDir != "/tmp/phonekit-test" {
		t.Errorf("DataDir = %q, want /tmp/phonekit-test", cfg.DataDir)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.MaxCalls != 4 {
		t.Errorf("MaxCalls = %d, want 4", cfg.MaxCalls)
	}
	if cfg.NoNetworkTimeout != 45*time.Second {
		t.Errorf("NoNetworkTimeout = %s, want 45s", cfg.NoNetworkTimeout)
	}
	if got := cfg.EngineConfig().CallControlHost; got != "sip.example.com" {
		t.Errorf("CallControlHost = %q, want sip.example.com", got)
	}
	if cfg.APIKey != "k3y" {
		t.Errorf("APIKey = %q, want k3y", cfg.APIKey)
	}
}

func TestCLIFlagsPrecedence(t *testing.T) {
	// CLI flags should override env vars.
	t.Setenv("PHONEKIT_MAX_CALLS", "4")
	t.Setenv("PHONEKIT_LOG_LEVEL", "debug")

	cfg, err := load(t, "--max-calls", "1", "--log-level", "warn")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.MaxCalls != 1 {
		t.Errorf("MaxCalls = %d, want 1 (CLI should override env)", cfg.MaxCalls)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn (CLI should override env)", cfg.LogLevel)
	}
}

func TestEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "phonekit.env")
	data := "PHONEKIT_MAX_CALLS=3\nPHONEKIT_SHUTDOWN_POLICY=discard\nPHONEKIT_LOG_LEVEL=error\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	// Real environment wins over the file.
	t.Setenv("PHONEKIT_LOG_LEVEL", "debug")
	t.Cleanup(func() {
		os.Unsetenv("PHONEKIT_MAX_CALLS")
		os.Unsetenv("PHONEKIT_SHUTDOWN_POLICY")
	})

	cfg, err := Load([]string{"--env-file", path})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MaxCalls != 3 {
		t.Errorf("MaxCalls = %d, want 3 from env file", cfg.MaxCalls)
	}
	if cfg.Policy() != cmdqueue.PolicyDiscard {
		t.Errorf("Policy() = %s, want discard", cfg.Policy())
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug from the environment", cfg.LogLevel)
	}
}

func TestMissingEnvFileIgnored(t *testing.T) {
	if _, err := Load([]string{"--env-file", filepath.Join(t.TempDir(), "absent.env")}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"log level", []string{"--log-level", "verbose"}},
		{"log format", []string{"--log-format", "xml"}},
		{"http addr", []string{"--http-addr", "8080"}},
		{"transport", []string{"--transport", "sctp"}},
		{"call control port", []string{"--call-control-port", "70000"}},
		{"odd media port", []string{"--media-port", "16001"}},
		{"audio quality", []string{"--audio-quality", "11"}},
		{"matrix scheme", []string{"--matrix-scheme", "ftp"}},
		{"retry window", []string{"--retry-base", "10s", "--retry-max", "1s"}},
		{"max calls", []string{"--max-calls", "0"}},
		{"shutdown policy", []string{"--shutdown-policy", "abandon"}},
		{"token and file", []string{"--token", "a.b.c", "--token-file", "tok"}},
		{"rate limit", []string{"--rate-limit", "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := load(t, tt.args...); err == nil {
				t.Fatalf("Load(%v) succeeded, want error", tt.args)
			}
		})
	}
}

func TestInvalidEnvValue(t *testing.T) {
	t.Setenv("PHONEKIT_MAX_CALLS", "lots")
	if _, err := load(t); err == nil {
		t.Fatal("expected error for non-numeric PHONEKIT_MAX_CALLS")
	}
}

func TestCapabilityToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte("  a.b.c\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := &Config{TokenFile: path}
	got, err := cfg.CapabilityToken()
	if err != nil {
		t.Fatalf("CapabilityToken() error: %v", err)
	}
	if got != "a.b.c" {
		t.Errorf("CapabilityToken() = %q, want a.b.c", got)
	}

	cfg = &Config{TokenFile: filepath.Join(t.TempDir(), "missing")}
	if _, err := cfg.CapabilityToken(); err == nil {
		t.Error("expected error for missing token file")
	}
}

func TestStreamOptions(t *testing.T) {
	cfg, err := load(t, "--matrix-scheme", "wss", "--matrix-host", "events.example.com", "--retry-base", "2s")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	opts := cfg.StreamOptions()
	if opts.Scheme != "wss" || opts.Host != "events.example.com" {
		t.Errorf("StreamOptions() = %+v", opts)
	}
	if opts.Transport.BaseDelay != 2*time.Second || opts.Transport.MaxDelay != time.Minute {
		t.Errorf("transport delays = %s/%s", opts.Transport.BaseDelay, opts.Transport.MaxDelay)
	}
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.level}
			if got := cfg.SlogLevel(); got != tt.want {
				t.Errorf("SlogLevel() = %v, want %v", got, tt.want)
			}
		})
	}
}
