package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"meetmesh/internal/core/domain"
	"meetmesh/internal/core/ports"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
)

// SignalingClient is the client end of the gateway socket. Send is safe for
// concurrent use.
type SignalingClient struct {
	conn   *websocket.Conn
	logger *zap.SugaredLogger

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

var _ ports.SignalSender = (*SignalingClient)(nil)

// Dial connects to the gateway. token, when set, is sent as a bearer token.
func Dial(ctx context.Context, url, token string, logger *zap.SugaredLogger) (*SignalingClient, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return &SignalingClient{conn: conn, logger: logger, done: make(chan struct{})}, nil
}

func (c *SignalingClient) Send(eventType domain.EventType, payload interface{}) error {
	ev, err := domain.NewEvent(eventType, payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return domain.ErrSessionClosed
	default:
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(ev)
}

// Run reads events and hands each to handle in arrival order until the
// connection closes or ctx is done.
func (c *SignalingClient) Run(ctx context.Context, handle func(domain.Event)) error {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPingHandler(func(data string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return c.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = c.Close()
		case <-stop:
		}
	}()

	for {
		var ev domain.Event
		if err := c.conn.ReadJSON(&ev); err != nil {
			select {
			case <-c.done:
				return ctx.Err()
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		handle(ev)
	}
}

// Close sends a close frame and releases the connection.
func (c *SignalingClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		close(c.done)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	if errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	return err
}
