package phone

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/phonekit/phonekit/internal/capability"
	"github.com/phonekit/phonekit/internal/cmdqueue"
	"github.com/phonekit/phonekit/internal/engine"
	"github.com/phonekit/phonekit/internal/eventstream"
)

// Session defaults.
const (
	DefaultMaxCalls         = 2
	DefaultNoNetworkTimeout = 30 * time.Second
)

// Config configures a Session.
type Config struct {
	// MaxCalls caps concurrent connections. Zero means DefaultMaxCalls.
	MaxCalls int
	// NoNetworkTimeout is how long listening survives without network.
	NoNetworkTimeout time.Duration
	ShutdownPolicy   cmdqueue.Policy

	Streams  StreamFactory
	Recorder Recorder
	Delegate Delegate
}

// Session owns the command worker, the engine and the device. All engine
// calls and connection state changes happen on its worker.
type Session struct {
	engine engine.Engine
	queue  *cmdqueue.Queue[Command]
	device *Device
	logger *slog.Logger

	// calls maps engine call ids to connections. Worker only.
	calls map[string]*Connection

	// shutdown is claimed once by Shutdown; closed stops engine events
	// once the calls have been torn down.
	shutdown atomic.Bool
	closed   atomic.Bool
}

// NewSession starts the worker for eng and returns a session whose device
// is offline until a capability token is installed.
func NewSession(eng engine.Engine, cfg Config, logger *slog.Logger) (*Session, error) {
	if eng == nil {
		return nil, errors.New("phone: engine is required")
	}
	if cfg.MaxCalls <= 0 {
		cfg.MaxCalls = DefaultMaxCalls
	}
	if cfg.NoNetworkTimeout <= 0 {
		cfg.NoNetworkTimeout = DefaultNoNetworkTimeout
	}

	s := &Session{
		engine: eng,
		logger: logger.With("subsystem", "session"),
		calls:  make(map[string]*Connection),
	}
	s.device = newDevice(s, cfg, logger)
	s.queue = cmdqueue.New(s.execute, eng, logger, cmdqueue.WithPolicy(cfg.ShutdownPolicy))

	eng.SetHandler(s.onEngineEvent)
	if err := s.queue.Start(); err != nil {
		return nil, fmt.Errorf("starting session worker: %w", err)
	}
	s.device.setOffline()

	s.logger.Info("session started",
		"max_calls", cfg.MaxCalls,
		"no_network_timeout", cfg.NoNetworkTimeout,
		"shutdown_policy", cfg.ShutdownPolicy.String(),
	)
	return s, nil
}

// Device returns the session's device.
func (s *Session) Device() *Device {
	return s.device
}

// Flush waits until every command posted so far has executed.
func (s *Session) Flush(ctx context.Context) error {
	return s.queue.Flush(ctx)
}

// QueueLen returns the number of commands waiting on the worker.
func (s *Session) QueueLen() int {
	return s.queue.Len()
}

func (s *Session) post(cmd Command) error {
	if err := s.queue.Post(cmd); err != nil {
		return fmt.Errorf("posting %s: %w", cmd.Kind, err)
	}
	return nil
}

// onEngineEvent moves engine reports onto the worker.
func (s *Session) onEngineEvent(ev engine.Event) {
	if s.closed.Load() {
		return
	}
	if err := s.post(Command{Kind: cmdEngineEvent, Event: ev}); err != nil {
		s.logger.Debug("dropping engine event", "call_id", ev.CallID, "state", ev.State, "error", err)
	}
}

// Shutdown stops listening, hangs up every call and stops the worker. Calls
// still active when ctx expires are abandoned.
func (s *Session) Shutdown(ctx context.Context) error {
	if !s.shutdown.CompareAndSwap(false, true) {
		return nil
	}

	d := s.device
	d.stopTimers()
	if err := d.Unlisten(); err != nil {
		s.logger.Warn("unlisten on shutdown", "error", err)
	}

	for _, c := range d.Connections() {
		if err := c.Disconnect(); err != nil {
			s.logger.Warn("disconnect on shutdown", "conn_id", c.id, "error", err)
		}
	}
	if err := d.waitIdle(ctx); err != nil {
		s.logger.Warn("calls still active at shutdown", "count", d.ActiveConnectionCount())
	}

	s.closed.Store(true)
	err := s.queue.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		d.records.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	s.logger.Info("session stopped")
	return err
}

// NewStreamFactory returns a StreamFactory that opens matrix event streams.
func NewStreamFactory(opts eventstream.Options, logger *slog.Logger) StreamFactory {
	return func(token string, caps capability.Capabilities, features []string, d eventstream.Delegate) (EventStream, error) {
		st, err := eventstream.New(token, caps, features, d, opts, logger)
		if err != nil {
			return nil, err
		}
		return st, nil
	}
}
