package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/spec-kit/support-realtime/internal/protocol"
	apperrors "github.com/spec-kit/support-realtime/pkg/util/errorutil"
)

// Conn is one open connection to the support server.
type Conn interface {
	Read(ctx context.Context) (protocol.Envelope, error)
	Write(ctx context.Context, env protocol.Envelope) error
	Close(reason string) error
}

// Transport opens connections. Dial returns an error matching
// errorutil.ErrAuth when the server refuses the credentials and
// errorutil.ErrTransientNetwork for everything that may succeed later.
type Transport interface {
	Dial(ctx context.Context) (Conn, error)
}

// WebSocketTransport dials the server's /ws endpoint.
type WebSocketTransport struct {
	URL        string
	Token      string
	HTTPClient *http.Client
	ReadLimit  int64
}

// NewWebSocketTransport builds a transport for baseURL (http, https, ws or
// wss) authenticating with token.
func NewWebSocketTransport(baseURL, token string) *WebSocketTransport {
	return &WebSocketTransport{URL: websocketURL(baseURL), Token: token, ReadLimit: 1 << 20}
}

func websocketURL(base string) string {
	u := strings.TrimRight(base, "/")
	u = strings.Replace(u, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	if !strings.HasSuffix(u, "/ws") {
		u += "/ws"
	}
	return u
}

func (t *WebSocketTransport) Dial(ctx context.Context) (Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+t.Token)

	conn, resp, err := websocket.Dial(ctx, t.URL, &websocket.DialOptions{
		HTTPClient: t.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, apperrors.NewUnauthorized(fmt.Sprintf("handshake rejected with status %d", resp.StatusCode))
		}
		return nil, apperrors.NewTransientNetworkError(fmt.Errorf("dial %s: %w", redact(t.URL), err))
	}
	if t.ReadLimit > 0 {
		conn.SetReadLimit(t.ReadLimit)
	}
	return &wsConn{conn: conn}, nil
}

func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.RawQuery = ""
	return u.String()
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) (protocol.Envelope, error) {
	var env protocol.Envelope
	if err := wsjson.Read(ctx, c.conn, &env); err != nil {
		return env, apperrors.NewTransientNetworkError(err)
	}
	return env, nil
}

func (c *wsConn) Write(ctx context.Context, env protocol.Envelope) error {
	if err := wsjson.Write(ctx, c.conn, env); err != nil {
		return apperrors.NewTransientNetworkError(err)
	}
	return nil
}

func (c *wsConn) Close(reason string) error {
	err := c.conn.Close(websocket.StatusNormalClosure, reason)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
