package feed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Handshake builds the messages sent right after every (re)connect, such as
// the login and the channel subscriptions.
type Handshake func() ([][]byte, error)

// MessageHandler is called from the read goroutine for every data frame.
type MessageHandler func(message []byte)

// Client keeps one websocket connection alive, resubscribing after every
// reconnect. It is safe to call Run once.
type Client struct {
	name           string
	url            string
	handshake      Handshake
	handler        MessageHandler
	pongWait       time.Duration
	pingPeriod     time.Duration
	reconnectDelay time.Duration
	dialer         *websocket.Dialer
	logger         *zap.Logger

	mu         sync.Mutex
	connected  bool
	reconnects int
}

// ClientOptions configures a Client. Zero durations fall back to a 60s pong
// wait, a ping period of 9/10 of it and a 5s reconnect delay.
type ClientOptions struct {
	Name           string
	URL            string
	Handshake      Handshake
	Handler        MessageHandler
	PingInterval   time.Duration
	PongWait       time.Duration
	ReconnectDelay time.Duration
}

// NewClient creates a reconnecting websocket client.
func NewClient(opts ClientOptions, logger *zap.Logger) *Client {
	pongWait := opts.PongWait
	if pongWait <= 0 {
		pongWait = 60 * time.Second
	}
	pingPeriod := opts.PingInterval
	if pingPeriod <= 0 || pingPeriod >= pongWait {
		pingPeriod = (pongWait * 9) / 10
	}
	reconnectDelay := opts.ReconnectDelay
	if reconnectDelay <= 0 {
		reconnectDelay = 5 * time.Second
	}
	return &Client{
		name:           opts.Name,
		url:            opts.URL,
		handshake:      opts.Handshake,
		handler:        opts.Handler,
		pongWait:       pongWait,
		pingPeriod:     pingPeriod,
		reconnectDelay: reconnectDelay,
		dialer:         websocket.DefaultDialer,
		logger:         logger.With(zap.String("feed", opts.Name)),
	}
}

// Connected reports whether a session is currently established.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Reconnects returns how many sessions ended and were retried.
func (c *Client) Reconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnects
}

// Run maintains the connection until ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			c.logger.Info("WebSocket loop stopped.")
			return
		}

		conn, err := c.connect(ctx)
		if err != nil {
			c.logger.Warn("WebSocket connect failed, retrying", zap.Error(err), zap.Duration("delay", c.reconnectDelay))
			if !c.sleep(ctx) {
				return
			}
			continue
		}

		c.logger.Info("WebSocket connected.", zap.String("url", c.url))
		c.setConnected(true)
		if err := c.session(ctx, conn); err != nil {
			c.logger.Warn("WebSocket session ended", zap.Error(err))
		}
		conn.Close()
		c.setConnected(false)

		if ctx.Err() != nil {
			c.logger.Info("WebSocket loop stopped.")
			return
		}
		c.mu.Lock()
		c.reconnects++
		c.mu.Unlock()
		c.logger.Info("WebSocket disconnected, reconnecting...", zap.Duration("delay", c.reconnectDelay))
		if !c.sleep(ctx) {
			return
		}
	}
}

func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.url, err)
	}
	if c.handshake == nil {
		return conn, nil
	}
	msgs, err := c.handshake()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("build handshake: %w", err)
	}
	for _, m := range msgs {
		if err := conn.WriteMessage(websocket.TextMessage, m); err != nil {
			conn.Close()
			return nil, fmt.Errorf("send handshake: %w", err)
		}
	}
	return conn, nil
}

// session reads until the connection breaks or ctx is cancelled, pinging the
// server and extending the read deadline on every pong.
func (c *Client) session(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(c.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.pongWait))
	})

	pingStop := make(chan struct{})
	defer close(pingStop)

	go func() {
		ticker := time.NewTicker(c.pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				deadline := time.Now().Add(10 * time.Second)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					c.logger.Warn("Ping failed", zap.Error(err))
					return
				}
			case <-ctx.Done():
				// unblocks ReadMessage below
				deadline := time.Now().Add(time.Second)
				conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
				conn.SetReadDeadline(time.Now())
				return
			case <-pingStop:
				return
			}
		}
	}()

	for {
		msgType, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("read message: %w", err)
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		if c.handler != nil {
			c.handler(message)
		}
	}
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

func (c *Client) sleep(ctx context.Context) bool {
	t := time.NewTimer(c.reconnectDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
