package signal

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"huddle/pkg/protocol"
	"huddle/pkg/retry"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	// ErrReconnectExhausted is returned by Client.Run once every reconnect
	// attempt has failed.
	ErrReconnectExhausted = errors.New("signaling reconnect attempts exhausted")
	ErrSendBufferFull     = errors.New("signaling send buffer full")
)

type ClientConfig struct {
	URL          string
	WriteTimeout time.Duration
	// ReadTimeout must exceed the relay's heartbeat interval.
	ReadTimeout time.Duration
	SendBuffer  int
	Reconnect   retry.Config
}

func DefaultClientConfig(rawURL string) ClientConfig {
	return ClientConfig{
		URL:          rawURL,
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  90 * time.Second,
		SendBuffer:   256,
		Reconnect:    retry.DefaultConfig(),
	}
}

// Client is the participant side of the relay connection. It implements
// ports.Signaler, reconnects with backoff and resumes its identity with the
// token from the last set-id. Messages sent while disconnected are queued.
type Client struct {
	cfg     ClientConfig
	dialer  *websocket.Dialer
	handler func(protocol.Message)
	logger  *zap.SugaredLogger

	send chan []byte

	mu    sync.RWMutex
	id    string
	token string
}

// NewClient returns a client that hands every inbound message to handler,
// called from the reader goroutine.
func NewClient(cfg ClientConfig, handler func(protocol.Message), logger *zap.SugaredLogger) *Client {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	return &Client{
		cfg:     cfg,
		dialer:  websocket.DefaultDialer,
		handler: handler,
		logger:  logger,
		send:    make(chan []byte, cfg.SendBuffer),
	}
}

// ID returns the participant id assigned by the relay, empty before the
// first set-id.
func (c *Client) ID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id
}

// Send queues msg for the relay.
func (c *Client) Send(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Run connects and serves the connection until ctx is cancelled,
// reconnecting after every loss.
func (c *Client) Run(ctx context.Context) error {
	reconnect := c.cfg.Reconnect
	reconnect.OnRetry = func(attempt int, delay time.Duration, err error) {
		c.logger.Warnw("signaling connect failed",
			"attempt", attempt,
			"retry_in", delay,
			"error", err,
		)
	}

	for {
		conn, err := retry.RetryWithResult(ctx, reconnect, func() (*websocket.Conn, error) {
			return c.dial(ctx)
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %w", ErrReconnectExhausted, err)
		}

		err = c.serve(ctx, conn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warnw("signaling connection lost", "error", err)
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid signal url: %w", err)
	}

	c.mu.RLock()
	if c.id != "" && c.token != "" {
		q := u.Query()
		q.Set("resume", c.id)
		q.Set("token", c.token)
		u.RawQuery = q.Encode()
	}
	c.mu.RUnlock()

	conn, _, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// serve pumps messages both ways until the connection fails or ctx ends.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writePump(ctx, conn, done)
	}()

	err := c.readPump(conn)
	close(done)
	conn.Close()
	wg.Wait()
	return err
}

func (c *Client) readPump(conn *websocket.Conn) error {
	for {
		if c.cfg.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			c.logger.Infow("dropping malformed message from relay", "error", err)
			continue
		}

		switch m := msg.(type) {
		case *protocol.SetID:
			c.mu.Lock()
			c.id = m.ID
			c.token = m.Token
			c.mu.Unlock()
		case *protocol.Ping:
			if err := c.Send(protocol.Pong{TS: m.TS}); err != nil {
				c.logger.Debugw("failed to queue pong", "error", err)
			}
			continue
		}

		if c.handler != nil {
			c.handler(msg)
		}
	}
}

func (c *Client) writePump(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.cfg.WriteTimeout))
			conn.Close()
			return
		case data := <-c.send:
			conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debugw("signaling write failed", "error", err)
				conn.Close()
				return
			}
		}
	}
}
