// Package sse is a signaler.Channel that receives frames as server-sent
// events and sends them as HTTP POSTs, both addressed by a topic.
package sse

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/donovanhide/eventsource"
	"github.com/google/uuid"
	"github.com/lainio/err2"
	"github.com/lainio/err2/try"
	"github.com/shynome/deepnoise/signaler"
)

const (
	sendQueue          = 256
	DefaultPostTimeout = 10 * time.Second
)

type Options struct {
	// Topic names this client on the server. A random one is used when
	// empty.
	Topic   string
	Backoff signaler.Backoff
	// PostTimeout bounds each upstream POST. Defaults to DefaultPostTimeout.
	PostTimeout time.Duration
	Logger      *slog.Logger
}

type Channel struct {
	endpoint *url.URL
	topic    string
	opts     Options
	poster   *poster
	logger   *slog.Logger

	mu     sync.Mutex
	open   bool
	queue  chan []byte
	em     *signaler.Emitter
	cancel context.CancelFunc
	done   chan struct{}

	closeOnce sync.Once
}

var _ signaler.Channel = (*Channel)(nil)

func New(endpoint string, opts Options) (ch *Channel, err error) {
	defer err2.Handle(&err, "sse endpoint %s", endpoint)
	u := try.To1(url.Parse(endpoint))
	if opts.Topic == "" {
		opts.Topic = uuid.NewString()
	}
	if opts.PostTimeout <= 0 {
		opts.PostTimeout = DefaultPostTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		endpoint: u,
		topic:    opts.Topic,
		opts:     opts,
		poster:   newPoster(u, opts.PostTimeout),
		logger:   logger.With("component", "sse", "topic", opts.Topic),
	}, nil
}

func (c *Channel) Topic() string { return c.topic }

func (c *Channel) Open(ctx context.Context) (<-chan signaler.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.em != nil {
		return nil, fmt.Errorf("sse open: already opened")
	}
	ctx, cancel := context.WithCancel(ctx)
	c.em = signaler.NewEmitter()
	c.cancel = cancel
	c.queue = make(chan []byte, sendQueue)
	c.done = make(chan struct{})
	go c.post(ctx)
	go c.run(ctx)
	return c.em.Events(), nil
}

func (c *Channel) subscribe(ctx context.Context) (stream *eventsource.Stream, err error) {
	defer err2.Handle(&err)
	req := try.To1(c.poster.newReq(http.MethodGet, c.topic, http.NoBody))
	return eventsource.SubscribeWithRequest("", req.WithContext(ctx))
}

func (c *Channel) run(ctx context.Context) {
	var cause error
	defer func() {
		c.setOpen(false)
		c.em.Finish(cause)
		close(c.done)
	}()

	failures := 0
	for {
		stream, err := c.subscribe(ctx)
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
			c.logger.Warn("subscribe failed", "err", err, "retry_in", delay)
			if signaler.Sleep(ctx, delay) != nil {
				return
			}
			continue
		}
		failures = 0
		c.setOpen(true)
		c.logger.Info("subscribed")
		c.em.Opened()

		err = c.consume(ctx, stream)
		c.setOpen(false)
		stream.Close()
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("stream lost", "err", err)
		if signaler.Sleep(ctx, c.opts.Backoff.Delay(0)) != nil {
			return
		}
	}
}

func (c *Channel) consume(ctx context.Context, stream *eventsource.Stream) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-stream.Events:
			if !ok {
				return fmt.Errorf("event stream ended")
			}
			c.em.Message([]byte(ev.Data()))
		case err, ok := <-stream.Errors:
			if !ok {
				return fmt.Errorf("event stream ended")
			}
			return err
		}
	}
}

// post delivers queued frames one by one so the server sees them in order.
func (c *Channel) post(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-c.queue:
			if err := c.postFrame(ctx, frame); err != nil {
				c.logger.Warn("post failed, frame dropped", "err", err)
			}
		}
	}
}

func (c *Channel) postFrame(ctx context.Context, frame []byte) (err error) {
	defer err2.Handle(&err)
	req := try.To1(c.poster.newReq(http.MethodPost, c.topic, bytes.NewReader(frame)))
	req.Header.Set("Content-Type", "application/json")
	res := try.To1(c.poster.doReq(req.WithContext(ctx)))
	res.Body.Close()
	return nil
}

func (c *Channel) setOpen(open bool) {
	c.mu.Lock()
	c.open = open
	c.mu.Unlock()
}

func (c *Channel) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return signaler.ErrNotOpen
	}
	select {
	case c.queue <- frame:
		return nil
	default:
		return fmt.Errorf("sse: send queue is full")
	}
}

func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		cancel, done := c.cancel, c.done
		c.open = false
		c.mu.Unlock()
		if cancel == nil {
			return
		}
		cancel()
		<-done
	})
	return nil
}
