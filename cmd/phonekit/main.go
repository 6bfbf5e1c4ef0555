package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/phonekit/phonekit/internal/api"
	"github.com/phonekit/phonekit/internal/callrecord"
	"github.com/phonekit/phonekit/internal/config"
	"github.com/phonekit/phonekit/internal/engine"
	"github.com/phonekit/phonekit/internal/metrics"
	"github.com/phonekit/phonekit/internal/phone"
)

func main() {
	args := os.Args[1:]
	if len(args) > 0 && args[0] == "mint" {
		if err := runMint(args[1:], os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(args); err != nil {
		slog.Error("phonekit failed", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Load(args)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	startTime := time.Now()
	logger.Info("starting phonekit",
		"http_addr", cfg.HTTPAddr,
		"call_control", fmt.Sprintf("%s:%d", cfg.CallControlHost, cfg.CallControlPort),
		"data_dir", cfg.DataDir,
	)

	store, err := callrecord.Open(cfg.DataDir, logger)
	if err != nil {
		return fmt.Errorf("opening call history: %w", err)
	}
	defer store.Close()

	eng, err := engine.NewSIPEngine(cfg.EngineConfig(), logger)
	if err != nil {
		return fmt.Errorf("creating sip engine: %w", err)
	}
	defer eng.Close()
	if err := eng.Start(); err != nil {
		return fmt.Errorf("starting sip engine: %w", err)
	}

	sess, err := phone.NewSession(eng, phone.Config{
		MaxCalls:         cfg.MaxCalls,
		NoNetworkTimeout: cfg.NoNetworkTimeout,
		ShutdownPolicy:   cfg.Policy(),
		Streams:          phone.NewStreamFactory(cfg.StreamOptions(), logger),
		Recorder:         store,
		Delegate:         &logDelegate{logger: logger.With("subsystem", "calls")},
	}, logger)
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	device := sess.Device()

	if err := installToken(cfg, device, logger); err != nil {
		logger.Error("capability token not installed", "error", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		metrics.NewCollector(device, store, sess, eng, startTime),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	handler := api.NewServer(api.Options{
		Phone:     device,
		History:   store,
		Metrics:   promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Logger:    logger,
		RateLimit: cfg.RateLimit,
		RateBurst: cfg.RateBurst,
		APIKey:    cfg.APIKey,
	})
	defer handler.Close()

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine.
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var serveErr error
	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case serveErr = <-errCh:
		logger.Error("http server error", "error", serveErr)
	}

	// Graceful shutdown with timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	logger.Info("shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if err := sess.Shutdown(ctx); err != nil {
		logger.Error("session shutdown error", "error", err)
	}

	logger.Info("phonekit stopped", "uptime", time.Since(startTime).Round(time.Second))
	return serveErr
}

// installToken loads the configured capability token and starts listening
// when it grants incoming calls.
func installToken(cfg *config.Config, device *phone.Device, logger *slog.Logger) error {
	token, err := cfg.CapabilityToken()
	if err != nil {
		return err
	}
	if token == "" {
		logger.Warn("no capability token configured, device stays offline until one is set via the api")
		return nil
	}
	if err := device.UpdateCapabilityToken(token); err != nil {
		return err
	}
	if !device.Capabilities().Incoming {
		return nil
	}
	return device.Listen()
}

// logDelegate writes device notifications to the log.
type logDelegate struct {
	logger *slog.Logger
}

func (d *logDelegate) CallStarted(c *phone.Connection, params map[string]string, incoming bool) {
	d.logger.Info("call started", "conn_id", c.ID(), "incoming", incoming, "to", params["To"])
}

func (d *logDelegate) CallConnected(c *phone.Connection) {
	d.logger.Info("call connected", "conn_id", c.ID(), "call_id", c.CallID())
}

func (d *logDelegate) CallEnded(c *phone.Connection, rec callrecord.Record, err error) {
	attrs := []any{
		"conn_id", c.ID(),
		"disposition", rec.Disposition,
		"duration", rec.Duration.Round(time.Millisecond),
	}
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	d.logger.Info("call ended", attrs...)
}

func (d *logDelegate) IncomingCall(c *phone.Connection, info phone.IncomingInfo) {
	d.logger.Info("incoming call", "conn_id", c.ID(), "from", info.From, "call_sid", info.CallSID)
}

func (d *logDelegate) PresenceUpdated(ev phone.PresenceEvent) {
	d.logger.Debug("presence updated", "client", ev.Name, "available", ev.Available)
}

func (d *logDelegate) ListeningStopped(err error) {
	if err != nil {
		d.logger.Warn("listening stopped", "error", err)
		return
	}
	d.logger.Info("listening stopped")
}
