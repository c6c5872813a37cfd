// Package ws is a signaler.Channel over a WebSocket connection that redials
// with backoff whenever the connection drops.
package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lainio/err2"
	"github.com/shynome/deepnoise/signaler"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
	maxFrameSize = 64 << 10
	sendQueue    = 256
)

var ErrQueueFull = errors.New("send queue is full")

type Options struct {
	Backoff          signaler.Backoff
	HandshakeTimeout time.Duration
	Header           http.Header
	Logger           *slog.Logger
}

type Channel struct {
	url    string
	opts   Options
	dialer *websocket.Dialer
	logger *slog.Logger

	mu     sync.Mutex
	send   chan []byte
	em     *signaler.Emitter
	cancel context.CancelFunc
	done   chan struct{}

	closeOnce sync.Once
}

var _ signaler.Channel = (*Channel)(nil)

func New(url string, opts Options) *Channel {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		url:  url,
		opts: opts,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		},
		logger: logger.With("component", "ws", "url", url),
	}
}

func (c *Channel) Open(ctx context.Context) (events <-chan signaler.Event, err error) {
	defer err2.Handle(&err, "ws open")
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.em != nil {
		return nil, fmt.Errorf("already opened")
	}
	ctx, cancel := context.WithCancel(ctx)
	c.em = signaler.NewEmitter()
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(ctx)
	return c.em.Events(), nil
}

func (c *Channel) run(ctx context.Context) {
	var cause error
	defer func() {
		c.em.Finish(cause)
		close(c.done)
	}()

	failures := 0
	for {
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			if c.opts.Backoff.Exhausted(failures) {
				cause = fmt.Errorf("%w: %w", signaler.ErrGaveUp, err)
				c.logger.Error("giving up", "attempts", failures, "err", err)
				return
			}
			delay := c.opts.Backoff.Delay(failures - 1)
			c.logger.Warn("dial failed", "err", err, "retry_in", delay)
			if signaler.Sleep(ctx, delay) != nil {
				return
			}
			continue
		}
		failures = 0
		err = c.serve(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("connection lost", "err", err)
		if signaler.Sleep(ctx, c.opts.Backoff.Delay(0)) != nil {
			return
		}
	}
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.url, c.opts.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w (status %s)", err, resp.Status)
		}
		return nil, err
	}
	return conn, nil
}

// serve pumps one connection until it breaks or ctx is done.
func (c *Channel) serve(ctx context.Context, conn *websocket.Conn) error {
	send := make(chan []byte, sendQueue)
	c.mu.Lock()
	c.send = send
	c.mu.Unlock()
	c.logger.Info("connected")
	c.em.Opened()

	connCtx, cancel := context.WithCancel(ctx)
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		c.writePump(connCtx, conn, send)
	}()
	err := c.readPump(conn)

	cancel()
	c.mu.Lock()
	if c.send == send {
		c.send = nil
	}
	c.mu.Unlock()
	conn.Close()
	<-writeDone
	return err
}

func (c *Channel) readPump(conn *websocket.Conn) error {
	conn.SetReadLimit(maxFrameSize)
	extend := func(string) error { return conn.SetReadDeadline(time.Now().Add(pongWait)) }
	if err := extend(""); err != nil {
		return err
	}
	conn.SetPongHandler(extend)
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if err := extend(""); err != nil {
			return err
		}
		if kind != websocket.TextMessage {
			continue
		}
		c.em.Message(data)
	}
}

func (c *Channel) writePump(ctx context.Context, conn *websocket.Conn, send <-chan []byte) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			flush(conn, send)
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			conn.Close()
			return
		case frame := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Warn("write failed", "err", err)
				conn.Close()
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		}
	}
}

// flush writes what is still queued, so a frame sent right before Close is
// not lost.
func flush(conn *websocket.Conn, send <-chan []byte) {
	for {
		select {
		case frame := <-send:
			if conn.WriteMessage(websocket.TextMessage, frame) != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Channel) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.send == nil {
		return signaler.ErrNotOpen
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops the channel and waits for its pumps. The event stream ends
// with a Closed event carrying a nil error.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		cancel, done := c.cancel, c.done
		c.send = nil
		c.mu.Unlock()
		if cancel == nil {
			return
		}
		cancel()
		<-done
	})
	return nil
}
