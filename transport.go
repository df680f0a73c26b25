package livesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Transport opens authenticated realtime connections. Dial returns only
// after the server acknowledged the handshake; a rejected handshake is
// reported as *ConnectionError.
type Transport interface {
	Dial(ctx context.Context, token string) (Conn, error)
}

// Conn is one established realtime transport session.
type Conn interface {
	// ID is the server-assigned session id from the acknowledgement.
	ID() string
	Read(ctx context.Context) (Envelope, error)
	Write(ctx context.Context, env Envelope) error
	Close(reason string) error
}

// Handshake frame types.
const (
	EventConnected    = "connected"
	EventConnectError = "connect_error"
	EventJoin         = "join"
	EventPong         = "pong"
	EventError        = "error"
)

// ============================================================================
// WSTransport
// ============================================================================

// WSTransport dials a websocket endpoint. The credential travels both as
// the token query parameter and as a Bearer Authorization header.
type WSTransport struct {
	URL               string
	HTTPClient        *http.Client
	HeartbeatInterval time.Duration
	PingTimeout       time.Duration // wait for a pong; zero means 10s
	Logger            zerolog.Logger
}

// NewWSTransport creates a websocket transport for rawURL. http(s) URLs
// are rewritten to ws(s).
func NewWSTransport(rawURL string, logger zerolog.Logger) *WSTransport {
	return &WSTransport{
		URL:               toWebsocketURL(rawURL),
		HeartbeatInterval: 25 * time.Second,
		PingTimeout:       10 * time.Second,
		Logger:            logger.With().Str("component", "ws").Logger(),
	}
}

func toWebsocketURL(raw string) string {
	raw = strings.TrimRight(raw, "/")
	switch {
	case strings.HasPrefix(raw, "https://"):
		return "wss://" + strings.TrimPrefix(raw, "https://")
	case strings.HasPrefix(raw, "http://"):
		return "ws://" + strings.TrimPrefix(raw, "http://")
	}
	return raw
}

func (t *WSTransport) dialURL(token string) (string, error) {
	u, err := url.Parse(toWebsocketURL(t.URL))
	if err != nil {
		return "", fmt.Errorf("parse websocket url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial connects, then waits for the server's connected or connect_error
// frame.
func (t *WSTransport) Dial(ctx context.Context, token string) (Conn, error) {
	target, err := t.dialURL(token)
	if err != nil {
		return nil, &ConnectionError{Detail: ErrorDetail{Message: err.Error()}, Err: err}
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	ws, resp, err := websocket.Dial(ctx, target, &websocket.DialOptions{
		HTTPClient: t.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		detail := ErrorDetail{Message: err.Error()}
		if resp != nil {
			detail.Code = handshakeCode(resp.StatusCode)
		}
		return nil, &ConnectionError{Detail: detail, Err: fmt.Errorf("websocket dial: %w", err)}
	}

	var first Envelope
	if err := wsjson.Read(ctx, ws, &first); err != nil {
		ws.Close(websocket.StatusNormalClosure, "")
		return nil, &ConnectionError{
			Detail: ErrorDetail{Message: "read handshake: " + err.Error()},
			Err:    err,
		}
	}

	switch first.Type {
	case EventConnected:
		var ack struct {
			ID string `json:"id"`
		}
		_ = json.Unmarshal(first.Payload, &ack)
		c := &wsConn{id: ack.ID, ws: ws}
		if t.HeartbeatInterval > 0 {
			hbCtx, cancel := context.WithCancel(context.Background())
			c.stopHeartbeat = cancel
			timeout := t.PingTimeout
			if timeout <= 0 {
				timeout = 10 * time.Second
			}
			go c.heartbeatLoop(hbCtx, t.HeartbeatInterval, timeout, t.Logger)
		}
		return c, nil

	case EventConnectError:
		var detail ErrorDetail
		if err := json.Unmarshal(first.Payload, &detail); err != nil || detail.Message == "" {
			detail.Message = "connection rejected"
		}
		ws.Close(websocket.StatusPolicyViolation, "rejected")
		return nil, &ConnectionError{Detail: detail, Err: errors.New(detail.Message)}

	default:
		ws.Close(websocket.StatusProtocolError, "unexpected handshake")
		msg := fmt.Sprintf("expected %q, got %q", EventConnected, first.Type)
		return nil, &ConnectionError{Detail: ErrorDetail{Message: msg}, Err: errors.New(msg)}
	}
}

func handshakeCode(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case 0:
		return ""
	}
	return fmt.Sprintf("http_%d", status)
}

type wsConn struct {
	id            string
	ws            *websocket.Conn
	stopHeartbeat context.CancelFunc

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Read(ctx context.Context) (Envelope, error) {
	var env Envelope
	if err := wsjson.Read(ctx, c.ws, &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func (c *wsConn) Write(ctx context.Context, env Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsjson.Write(ctx, c.ws, env)
}

func (c *wsConn) Close(reason string) error {
	c.closeOnce.Do(func() {
		if c.stopHeartbeat != nil {
			c.stopHeartbeat()
		}
		c.closeErr = c.ws.Close(websocket.StatusNormalClosure, reason)
	})
	return c.closeErr
}

// heartbeatLoop pings on every tick. A failed ping drops the socket without
// a close handshake, which surfaces as a read error to the connection loop.
func (c *wsConn) heartbeatLoop(ctx context.Context, interval, timeout time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, timeout)
			err := c.ws.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Warn().Err(err).Str("session", c.id).Msg("heartbeat failed")
				c.ws.CloseNow()
				return
			}
		}
	}
}
