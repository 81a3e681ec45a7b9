// Package remote keeps a device reachable by its control server: it connects,
// announces itself, sends heartbeats, runs inbound commands and reports their
// results, and reconnects after any failure until it is stopped.
package remote

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"timeglass/remotectl/pkg/config"
	"timeglass/remotectl/pkg/outbound"
	"timeglass/remotectl/pkg/proto"
)

const DefaultVersion = "0.1.0"

// State is the lifecycle of a client instance as seen by the host.
type State int32

const (
	StateStopped State = iota
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	default:
		return "unknown"
	}
}

// Phase is where the supervisor loop currently is.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseActive
	PhaseDraining
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseConnecting:
		return "connecting"
	case PhaseActive:
		return "active"
	case PhaseDraining:
		return "draining"
	case PhaseStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type Options struct {
	Logger   *zap.SugaredLogger
	Executor Executor
	// Version and Platform are reported in hello and heartbeat frames.
	Version  string
	Platform string
	// Dialer overrides the dialer built from the config.
	Dialer *websocket.Dialer
	// Outbound tunes the per-session mailbox.
	Outbound outbound.Options
}

// Handle is returned by Start and is the only way the host controls a client.
type Handle struct {
	cfg    config.ClientConfig
	opts   Options
	log    *zap.SugaredLogger
	dialer *websocket.Dialer

	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	state   State
	current *session

	phase    atomic.Int32
	attempts atomic.Int64
	inflight sync.WaitGroup
}

// Start launches the supervisor loop for cfg. A disabled config yields a
// stopped handle that never dials.
func Start(cfg config.ClientConfig, opts Options) (*Handle, error) {
	if opts.Executor == nil {
		return nil, errors.New("remote: nil executor")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.Version == "" {
		opts.Version = DefaultVersion
	}
	if opts.Platform == "" {
		opts.Platform = runtime.GOOS
	}
	h := &Handle{
		cfg:  cfg,
		opts: opts,
		log:  opts.Logger.Named("supervisor"),
		done: make(chan struct{}),
	}
	if !cfg.Enabled {
		h.log.Infow("remote control disabled by config")
		h.phase.Store(int32(PhaseStopped))
		h.cancel = func() {}
		close(h.done)
		return h, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	h.dialer = opts.Dialer
	if h.dialer == nil {
		h.dialer = NewDialer(cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.state = StateRunning
	h.log.Infow("starting remote control client", "server", cfg.ServerURL, "client_id", cfg.ClientID)
	go h.loop(ctx)
	return h, nil
}

// Stop prevents further connect attempts and tears down the current session
// immediately. It does not wait for commands that are still executing.
func (h *Handle) Stop() {
	h.mu.Lock()
	if h.state == StateStopped {
		h.mu.Unlock()
		return
	}
	h.state = StateStopped
	s := h.current
	h.current = nil
	h.mu.Unlock()

	h.log.Infow("stopping remote control client")
	h.cancel()
	if s != nil {
		s.abort()
	}
}

// Done is closed once the supervisor loop has exited after Stop.
func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) Phase() Phase { return Phase(h.phase.Load()) }

// Connected reports whether a session is currently live.
func (h *Handle) Connected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current != nil
}

// ConnectAttempts counts dial attempts since Start.
func (h *Handle) ConnectAttempts() int64 { return h.attempts.Load() }

// waitCommands blocks until every spawned execution unit has reported.
func (h *Handle) waitCommands() { h.inflight.Wait() }

func (h *Handle) setPhase(p Phase) { h.phase.Store(int32(p)) }

func (h *Handle) loop(ctx context.Context) {
	defer close(h.done)
	defer h.setPhase(PhaseStopped)

	interval := h.cfg.ReconnectInterval
	for {
		if ctx.Err() != nil {
			return
		}
		h.setPhase(PhaseConnecting)
		h.attempts.Add(1)
		conn, err := Connect(ctx, h.cfg, h.dialer)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			h.log.Warnw("connect failed", "error", err, "retry_in", interval)
		} else {
			h.log.Infow("connected to control server")
			err = h.runSession(ctx, conn)
			h.log.Infow("session ended", "error", err, "reconnect_in", interval)
		}

		h.setPhase(PhaseIdle)
		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// runSession drives one connection until a terminal event and always tears
// down the router and heartbeat before returning.
func (h *Handle) runSession(ctx context.Context, conn *websocket.Conn) error {
	sctx, cancel := context.WithCancel(ctx)
	ropts := h.opts.Outbound
	ropts.Logger = h.opts.Logger.Named("router")
	s := &session{
		conn:   conn,
		router: outbound.New(conn, ropts),
		cancel: cancel,
	}

	h.mu.Lock()
	if h.state == StateStopped {
		h.mu.Unlock()
		s.abort()
		return context.Canceled
	}
	h.current = s
	h.mu.Unlock()
	h.setPhase(PhaseActive)

	var tasks sync.WaitGroup
	defer func() {
		h.setPhase(PhaseDraining)
		h.mu.Lock()
		if h.current == s {
			h.current = nil
		}
		h.mu.Unlock()
		s.abort()
		tasks.Wait()
		<-s.router.Done()
	}()

	// the reader only notices a dead writer or a stop once the connection closes
	go func() {
		select {
		case <-s.router.Done():
		case <-sctx.Done():
		}
		_ = conn.Close()
	}()

	installControlHandlers(conn, s.router)

	hello := statusFrame(proto.MsgConnect, h.cfg.ClientID, h.opts.Platform, h.opts.Version)
	if err := s.router.SubmitJSON(hello); err != nil {
		return &TransportError{Op: "hello", Err: err}
	}

	tasks.Add(1)
	go func() {
		defer tasks.Done()
		runHeartbeat(sctx, h.opts.Logger.Named("heartbeat"), h.cfg.HeartbeatInterval, s.router, func() any {
			return statusFrame(proto.MsgHeartbeat, h.cfg.ClientID, h.opts.Platform, h.opts.Version)
		})
	}()

	d := &dispatcher{
		log:      h.opts.Logger.Named("dispatcher"),
		clientID: h.cfg.ClientID,
		policy:   h.cfg.Policy,
		exec:     h.opts.Executor,
		out:      s.router,
		inflight: &h.inflight,
	}
	return h.readLoop(conn, s.router, d)
}

// readLoop consumes frames in arrival order until the connection fails or closes.
func (h *Handle) readLoop(conn *websocket.Conn, router *outbound.Router, d *dispatcher) error {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return readError(err, router)
		}
		switch mt {
		case websocket.TextMessage:
			if err := d.handleText(data); err != nil {
				d.log.Errorw("skipping malformed frame", "error", err)
			}
		default:
			d.log.Debugw("ignoring non-text frame", "type", mt, "size", len(data))
		}
	}
}
