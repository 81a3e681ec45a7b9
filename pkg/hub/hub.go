// Package hub is the control server side of the remote-control protocol. It
// accepts agent connections, tracks their liveness, issues commands and
// records the results.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"timeglass/remotectl/pkg/outbound"
	"timeglass/remotectl/pkg/proto"
	"timeglass/remotectl/pkg/store"
)

// ErrNotConnected is returned when a command targets an agent with no live connection.
var ErrNotConnected = errors.New("client is not connected")

const (
	DefaultHeartbeatTimeout = 90 * time.Second
	maxAgentFrame           = 1 << 20
	storeTimeout            = 5 * time.Second
)

type Options struct {
	Logger *zap.SugaredLogger
	Store  store.Store
	// Token is a sha256 hex digest or plaintext; empty disables auth.
	Token            string
	HeartbeatTimeout time.Duration
	// StaticDir, when set, is served at /.
	StaticDir string
	Outbound  outbound.Options
}

type agentConn struct {
	info   proto.ClientInfo
	conn   *websocket.Conn
	router *outbound.Router
}

// Hub holds every known agent. Records of disconnected agents are kept and
// marked inactive.
type Hub struct {
	log       *zap.SugaredLogger
	store     store.Store
	token     string
	staticDir string
	outOpts   outbound.Options
	upgrader  websocket.Upgrader
	now       func() time.Time

	heartbeatTimeout atomic.Int64

	mu     sync.RWMutex
	agents map[string]*agentConn
	conns  sync.WaitGroup
}

func New(opts Options) *Hub {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	h := &Hub{
		log:       opts.Logger,
		store:     opts.Store,
		token:     opts.Token,
		staticDir: opts.StaticDir,
		outOpts:   opts.Outbound,
		upgrader:  websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		now:       time.Now,
		agents:    make(map[string]*agentConn),
	}
	h.outOpts.Logger = opts.Logger.Named("outbound")
	h.heartbeatTimeout.Store(int64(opts.HeartbeatTimeout))
	return h
}

// SetHeartbeatTimeout changes how long an agent may stay silent. Used on config reload.
func (h *Hub) SetHeartbeatTimeout(d time.Duration) {
	if d > 0 {
		h.heartbeatTimeout.Store(int64(d))
	}
}

func (h *Hub) HeartbeatTimeout() time.Duration { return time.Duration(h.heartbeatTimeout.Load()) }

func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if h.token != "" && !MatchToken(requestToken(r), h.token) {
		h.log.Warnw("agent rejected: bad token", "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	clientID := ps.ByName("client_id")
	if clientID == "" {
		clientID = r.URL.Query().Get("client_id")
	}
	if clientID == "" {
		http.Error(w, "missing client_id", http.StatusBadRequest)
		return
	}
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnw("upgrade failed", "client_id", clientID, "error", err)
		return
	}
	h.conns.Add(1)
	defer h.conns.Done()
	ws.SetReadLimit(maxAgentFrame)

	ac := h.register(clientID, ws)
	log := h.log.With("client_id", clientID)
	log.Infow("agent connected", "remote", r.RemoteAddr)

	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			log.Infow("agent disconnected", "error", err)
			break
		}
		if mt != websocket.TextMessage {
			continue
		}
		var f proto.AgentFrame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Errorw("invalid frame from agent", "error", err)
			continue
		}
		h.handleFrame(ac, f)
	}
	h.unregister(clientID, ac)
}

// register installs ws as the live connection for id, replacing any previous one.
func (h *Hub) register(id string, ws *websocket.Conn) *agentConn {
	now := h.now()
	ac := &agentConn{
		info:   proto.ClientInfo{ClientID: id, ConnectedAt: now, LastHeartbeat: now, IsActive: true},
		conn:   ws,
		router: outbound.New(ws, h.outOpts),
	}
	h.mu.Lock()
	old := h.agents[id]
	if old != nil {
		ac.info.Platform = old.info.Platform
		ac.info.Version = old.info.Version
	}
	h.agents[id] = ac
	info := ac.info
	h.mu.Unlock()

	if old != nil && old.conn != nil {
		h.log.Infow("replacing previous connection", "client_id", id)
		old.close()
	}
	h.persistClient(info)
	return ac
}

func (h *Hub) unregister(id string, ac *agentConn) {
	h.mu.Lock()
	if cur := h.agents[id]; cur == ac {
		cur.info.IsActive = false
	}
	h.mu.Unlock()
	ac.close()
}

func (ac *agentConn) close() {
	ac.router.Close()
	_ = ac.conn.Close()
}

func (h *Hub) handleFrame(ac *agentConn, f proto.AgentFrame) {
	id := ac.info.ClientID
	switch f.Type {
	case proto.MsgConnect:
		h.mu.Lock()
		ac.info.Platform, ac.info.Version = f.Platform, f.Version
		ac.info.LastHeartbeat = h.now()
		info := ac.info
		h.mu.Unlock()
		h.persistClient(info)
	case proto.MsgHeartbeat:
		now := h.now()
		h.mu.Lock()
		ac.info.LastHeartbeat = now
		ac.info.IsActive = true
		h.mu.Unlock()
		if err := ac.router.SubmitJSON(proto.HeartbeatAck{Type: proto.MsgHeartbeatAck, Timestamp: proto.Timestamp(now)}); err != nil {
			h.log.Warnw("heartbeat ack not sent", "client_id", id, "error", err)
		}
		if h.store != nil {
			ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
			defer cancel()
			if err := h.store.TouchClient(ctx, id, now); err != nil {
				h.log.Warnw("touch client failed", "client_id", id, "error", err)
			}
		}
	case proto.MsgCommandResult:
		if f.Result == nil {
			h.log.Warnw("command_result without result", "client_id", id)
			return
		}
		h.log.Infow("command result received", "client_id", id, "command_id", f.Result.CommandID, "success", f.Result.Success, "message", f.Result.Message)
		if h.store != nil {
			ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
			defer cancel()
			if err := h.store.SaveResult(ctx, *f.Result); err != nil {
				h.log.Errorw("save result failed", "command_id", f.Result.CommandID, "error", err)
			}
		}
	default:
		h.log.Warnw("unknown message type from agent", "client_id", id, "type", f.Type)
	}
}

func (h *Hub) persistClient(info proto.ClientInfo) {
	if h.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	rec := &store.ClientRecord{ID: info.ClientID, Platform: info.Platform, Version: info.Version, FirstSeen: info.ConnectedAt, LastSeen: info.LastHeartbeat}
	if err := h.store.UpsertClient(ctx, rec); err != nil {
		h.log.Warnw("persist client failed", "client_id", info.ClientID, "error", err)
	}
}

// Issue sends a command to a connected agent and records it as pending.
func (h *Hub) Issue(ctx context.Context, clientID string, kind proto.CommandKind, params map[string]any) (string, error) {
	h.mu.RLock()
	ac := h.agents[clientID]
	live := ac != nil && ac.info.IsActive
	h.mu.RUnlock()
	if !live {
		return "", fmt.Errorf("%w: %s", ErrNotConnected, clientID)
	}

	cmd := proto.Command{ID: uuid.NewString(), Kind: kind, Timestamp: proto.Timestamp(h.now())}
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return "", fmt.Errorf("encode params: %w", err)
		}
		cmd.Params = b
	}
	if h.store != nil {
		rec := &store.CommandRecord{ID: cmd.ID, ClientID: clientID, Kind: kind, Params: string(cmd.Params)}
		if err := h.store.CreateCommand(ctx, rec); err != nil {
			return "", fmt.Errorf("record command: %w", err)
		}
	}
	if err := ac.router.SubmitJSON(cmd); err != nil {
		return "", fmt.Errorf("send command: %w", err)
	}
	h.log.Infow("command sent", "client_id", clientID, "command_id", cmd.ID, "type", kind)
	return cmd.ID, nil
}

// Clients lists active agents sorted by id.
func (h *Hub) Clients() []proto.ClientInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]proto.ClientInfo, 0, len(h.agents))
	for _, ac := range h.agents {
		if ac.info.IsActive {
			out = append(out, ac.info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

// Client returns the record for id, active or not.
func (h *Hub) Client(id string) (proto.ClientInfo, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ac, ok := h.agents[id]
	if !ok {
		return proto.ClientInfo{}, false
	}
	return ac.info, true
}

// Cleanup marks agents silent for longer than the heartbeat timeout inactive
// and closes their connections. It returns how many were timed out.
func (h *Hub) Cleanup() int {
	cutoff := h.now().Add(-h.HeartbeatTimeout())
	var stale []*agentConn
	h.mu.Lock()
	for id, ac := range h.agents {
		if ac.info.IsActive && ac.info.LastHeartbeat.Before(cutoff) {
			h.log.Infow("agent timed out (no heartbeat)", "client_id", id)
			ac.info.IsActive = false
			stale = append(stale, ac)
		}
	}
	h.mu.Unlock()
	for _, ac := range stale {
		ac.close()
	}
	return len(stale)
}

// RunCleanup calls Cleanup every interval until ctx is done.
func (h *Hub) RunCleanup(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			h.Cleanup()
		}
	}
}

// Close drops every agent connection and waits for their handlers to return.
func (h *Hub) Close() {
	h.mu.Lock()
	all := make([]*agentConn, 0, len(h.agents))
	for _, ac := range h.agents {
		ac.info.IsActive = false
		all = append(all, ac)
	}
	h.mu.Unlock()
	for _, ac := range all {
		ac.close()
		<-ac.router.Done()
	}
	h.conns.Wait()
}
