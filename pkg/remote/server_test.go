package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"timeglass/remotectl/pkg/config"
	"timeglass/remotectl/pkg/proto"
)

const waitFor = 3 * time.Second

// fakeServer accepts agent connections and hands each one to the test.
type fakeServer struct {
	srv      *httptest.Server
	conns    chan *serverConn
	accepted atomic.Int32
	reject   atomic.Int32
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{conns: make(chan *serverConn, 16)}
	up := websocket.Upgrader{}
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if code := fs.reject.Load(); code != 0 {
			http.Error(w, "rejected", int(code))
			return
		}
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.accepted.Add(1)
		fs.conns <- newServerConn(c, r.URL.Query())
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http") + "/ws"
}

func (fs *fakeServer) accept(t *testing.T) *serverConn {
	t.Helper()
	select {
	case sc := <-fs.conns:
		t.Cleanup(func() { _ = sc.conn.Close() })
		return sc
	case <-time.After(waitFor):
		t.Fatal("no agent connection")
		return nil
	}
}

type serverConn struct {
	conn   *websocket.Conn
	query  url.Values
	frames chan []byte
	pongs  chan string
	closed chan struct{}
	wmu    sync.Mutex
}

func newServerConn(c *websocket.Conn, q url.Values) *serverConn {
	sc := &serverConn{
		conn:   c,
		query:  q,
		frames: make(chan []byte, 256),
		pongs:  make(chan string, 8),
		closed: make(chan struct{}),
	}
	c.SetPongHandler(func(data string) error {
		sc.pongs <- data
		return nil
	})
	go func() {
		defer close(sc.closed)
		for {
			_, data, err := c.ReadMessage()
			if err != nil {
				return
			}
			sc.frames <- data
		}
	}()
	return sc
}

func (sc *serverConn) next(t *testing.T) proto.AgentFrame {
	t.Helper()
	select {
	case data := <-sc.frames:
		var f proto.AgentFrame
		require.NoError(t, json.Unmarshal(data, &f), string(data))
		return f
	case <-time.After(waitFor):
		t.Fatal("no frame from agent")
		return proto.AgentFrame{}
	}
}

// nextResult skips heartbeats until a command result arrives.
func (sc *serverConn) nextResult(t *testing.T) proto.CommandResult {
	t.Helper()
	deadline := time.Now().Add(waitFor)
	for time.Now().Before(deadline) {
		f := sc.next(t)
		if f.Type == proto.MsgCommandResult {
			require.NotNil(t, f.Result)
			return *f.Result
		}
	}
	t.Fatal("no command result")
	return proto.CommandResult{}
}

func (sc *serverConn) sendRaw(t *testing.T, data string) {
	t.Helper()
	sc.wmu.Lock()
	defer sc.wmu.Unlock()
	require.NoError(t, sc.conn.WriteMessage(websocket.TextMessage, []byte(data)))
}

func (sc *serverConn) sendCommand(t *testing.T, id string, kind proto.CommandKind) {
	t.Helper()
	b, err := json.Marshal(proto.Command{ID: id, Kind: kind, Timestamp: proto.Timestamp(time.Now())})
	require.NoError(t, err)
	sc.sendRaw(t, string(b))
}

func (sc *serverConn) closeWith(code int) {
	sc.wmu.Lock()
	defer sc.wmu.Unlock()
	_ = sc.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, "bye"), time.Now().Add(time.Second))
	_ = sc.conn.Close()
}

// fakeExec records calls and delegates to fn when set.
type fakeExec struct {
	mu    sync.Mutex
	calls []proto.Command
	fn    func(ctx context.Context, cmd proto.Command) (string, error)
}

func (e *fakeExec) Execute(ctx context.Context, cmd proto.Command) (string, error) {
	e.mu.Lock()
	e.calls = append(e.calls, cmd)
	fn := e.fn
	e.mu.Unlock()
	if fn != nil {
		return fn(ctx, cmd)
	}
	switch cmd.Kind {
	case proto.KindLockScreen:
		return "screen locked", nil
	default:
		return "shutdown scheduled", nil
	}
}

func (e *fakeExec) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

func testConfig(fs *fakeServer) config.ClientConfig {
	return config.ClientConfig{
		Enabled:           true,
		ServerURL:         fs.url(),
		AuthToken:         "t0ken",
		ClientID:          "lab-07",
		ReconnectInterval: 200 * time.Millisecond,
		HeartbeatInterval: time.Hour,
		Policy:            config.CommandPolicy{LockScreenEnabled: true, ShutdownEnabled: true},
	}
}

func startClient(t *testing.T, cfg config.ClientConfig, exec Executor) *Handle {
	t.Helper()
	h, err := Start(cfg, Options{
		Logger:   zaptest.NewLogger(t).Sugar(),
		Executor: exec,
		Version:  "9.9.9",
		Platform: "testos",
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		h.Stop()
		<-h.Done()
		h.waitCommands()
	})
	return h
}
