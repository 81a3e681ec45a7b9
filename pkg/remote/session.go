package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"timeglass/remotectl/pkg/config"
	"timeglass/remotectl/pkg/outbound"
	"timeglass/remotectl/pkg/proto"
	"timeglass/remotectl/pkg/resolver"
)

const (
	// HandshakeTimeout bounds the WebSocket upgrade.
	HandshakeTimeout = 30 * time.Second
	// MaxMessageSize is the largest inbound frame accepted.
	MaxMessageSize = 1 << 20

	dnsQueryTimeout = 2 * time.Second
	dnsCacheTTL     = 5 * time.Minute
)

// ConnectURL embeds the credentials in the connection target as query
// parameters. There is no separate auth exchange.
func ConnectURL(cfg config.ClientConfig) (string, error) {
	u, err := url.Parse(cfg.ServerURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("token", cfg.AuthToken)
	q.Set("client_id", cfg.ClientID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// redact hides the token in a connection target before it is logged.
func redact(target string) string {
	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	q := u.Query()
	if q.Has("token") {
		q.Set("token", "***")
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// NewDialer returns the dialer used for every connect attempt. When DNS
// servers are configured the server host is resolved through them.
func NewDialer(cfg config.ClientConfig) *websocket.Dialer {
	d := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: HandshakeTimeout,
	}
	if r := resolver.New(cfg.DNSServers, dnsQueryTimeout, dnsCacheTTL); r != nil {
		d.NetDialContext = r.DialContext
	}
	return d
}

// Connect opens one transport to the server. It does not retry.
func Connect(ctx context.Context, cfg config.ClientConfig, d *websocket.Dialer) (*websocket.Conn, error) {
	target, err := ConnectURL(cfg)
	if err != nil {
		return nil, &ConnectError{URL: cfg.ServerURL, Err: err}
	}
	if d == nil {
		d = NewDialer(cfg)
	}
	conn, resp, err := d.DialContext(ctx, target, nil)
	if err != nil {
		ce := &ConnectError{URL: redact(target), Err: err}
		if resp != nil {
			ce.StatusCode = resp.StatusCode
		}
		return nil, ce
	}
	conn.SetReadLimit(MaxMessageSize)
	return conn, nil
}

// session is one live connection and the tasks scoped to it.
type session struct {
	conn   *websocket.Conn
	router *outbound.Router
	cancel context.CancelFunc
}

// abort tears the session down without waiting for anything.
func (s *session) abort() {
	s.cancel()
	s.router.Close()
	_ = s.conn.Close()
}

// installControlHandlers routes pong replies through the mailbox so the router
// stays the only writer on the connection. A close from the server is not
// answered: the read loop returns a CloseError and the session is aborted.
func installControlHandlers(conn *websocket.Conn, router *outbound.Router) {
	conn.SetPingHandler(func(appData string) error {
		if err := router.Submit(outbound.Pong([]byte(appData))); err != nil {
			return fmt.Errorf("queue pong: %w", err)
		}
		return nil
	})
	conn.SetCloseHandler(func(code int, text string) error {
		return nil
	})
}

// readError classifies why the read loop stopped. A failed writer takes
// precedence since closing the connection is how it stops the reader.
func readError(err error, router *outbound.Router) error {
	if werr := router.Err(); werr != nil && !errors.Is(werr, outbound.ErrMailboxClosed) {
		return &TransportError{Op: "write", Err: werr}
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return &TransportError{Op: "read", Err: fmt.Errorf("server closed connection: %w", err)}
	}
	return &TransportError{Op: "read", Err: err}
}

func statusFrame(t proto.MsgType, clientID, platform, version string) proto.Status {
	return proto.Status{
		Type:      t,
		ClientID:  clientID,
		Timestamp: proto.Timestamp(time.Now()),
		Platform:  platform,
		Version:   strings.TrimSpace(version),
	}
}
