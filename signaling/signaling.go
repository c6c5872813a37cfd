// Package signaling is the transport-level actor between the call
// coordinator and a signaler.Channel. It owns the login handshake and
// guarantees that nothing is sent before the channel is up and no call is
// started before login.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/shynome/deepnoise/actor"
	"github.com/shynome/deepnoise/protocol"
	"github.com/shynome/deepnoise/signaler"
)

var (
	ErrNotConnected = errors.New("signaling not connected")
	ErrNotLoggedIn  = errors.New("signaling not logged in")
	ErrClosed       = errors.New("signaling closed")
	ErrSessionLost  = errors.New("signaling session lost")
	ErrLoginPending = errors.New("login already in progress")
)

const (
	DefaultLoginTimeout = 2 * time.Second
	DefaultCloseTimeout = time.Second
)

type State int

const (
	Init State = iota
	Connected
	LoggedIn
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Init:
		return "init"
	case Connected:
		return "connected"
	case LoggedIn:
		return "logged-in"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Event is what the client reports to its owner.
type Event interface{ signalingEvent() }

type LoginSucceeded struct{ Nick string }

// Relogged follows a reconnect of the channel while logged in.
type Relogged struct{ Nick string }

type Received struct{ Msg protocol.Message }

// Unrecognized carries a well formed frame of an unknown type.
type Unrecognized struct {
	Name    protocol.Type
	Payload []byte
}

type SendFailed struct {
	Msg protocol.Message
	Err error
}

// SessionLost is fatal: the channel closed without being asked to.
type SessionLost struct{ Err error }

func (LoginSucceeded) signalingEvent() {}
func (Relogged) signalingEvent()       {}
func (Received) signalingEvent()       {}
func (Unrecognized) signalingEvent()   {}
func (SendFailed) signalingEvent()     {}
func (SessionLost) signalingEvent()    {}

type Options struct {
	// LoginTimeout is how long a login waits for the server to object. No
	// objection means success.
	LoginTimeout time.Duration
	CloseTimeout time.Duration
	Logger       *slog.Logger
}

type Client struct {
	ch     signaler.Channel
	opts   Options
	logger *slog.Logger
	box    *actor.Mailbox[any]
	emit   func(Event)

	ready   *actor.Future[struct{}]
	closed  *actor.Future[struct{}]
	started atomic.Bool

	// owned by the actor goroutine
	state        State
	nick         string
	pendingLogin *actor.Future[struct{}]
	loginGen     int
}

func New(ch signaler.Channel, opts Options) *Client {
	if opts.LoginTimeout <= 0 {
		opts.LoginTimeout = DefaultLoginTimeout
	}
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = DefaultCloseTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		ch:     ch,
		opts:   opts,
		logger: logger.With("component", "signaling"),
		box:    actor.NewMailbox[any](),
		ready:  actor.NewFuture[struct{}](),
		closed: actor.NewFuture[struct{}](),
		state:  Init,
	}
}

type (
	channelEvent struct{ ev signaler.Event }
	loginReq     struct {
		nick string
		fut  *actor.Future[struct{}]
	}
	loginTimeout struct{ gen int }
	sendReq      struct{ msg protocol.Message }
	closeReq     struct{}
	closeTimeout struct{}
	stateReq     struct{ fut *actor.Future[State] }
)

// Start opens the channel and runs the actor. emit is called from the
// actor goroutine and must not block.
func (c *Client) Start(ctx context.Context, emit func(Event)) (err error) {
	if !c.started.CompareAndSwap(false, true) {
		return fmt.Errorf("signaling client already started")
	}
	events, err := c.ch.Open(ctx)
	if err != nil {
		c.ready.Reject(err)
		c.box.Close()
		c.closed.Resolve(struct{}{})
		return err
	}
	c.emit = emit
	go func() {
		for ev := range events {
			c.box.Post(channelEvent{ev})
		}
	}()
	go c.box.Run(context.Background(), c.handle)
	return nil
}

// Ready waits for the channel to come up the first time.
func (c *Client) Ready(ctx context.Context) error {
	_, err := c.ready.Result(ctx)
	return err
}

// Login sends LOGIN. The future settles once the login is acknowledged,
// which happens implicitly when nothing goes wrong within LoginTimeout.
func (c *Client) Login(nick string) *actor.Future[struct{}] {
	fut := actor.NewFuture[struct{}]()
	if !c.box.Post(loginReq{nick: nick, fut: fut}) {
		fut.Reject(ErrClosed)
	}
	return fut
}

// Send queues msg. Rejections come back as SendFailed events.
func (c *Client) Send(msg protocol.Message) {
	if !c.box.Post(sendReq{msg: msg}) && c.emit != nil {
		c.emit(SendFailed{Msg: msg, Err: ErrClosed})
	}
}

// Close sends CLOSE and waits for the channel to shut down or for
// CloseTimeout. It is safe to call more than once.
func (c *Client) Close(ctx context.Context) error {
	if c.started.CompareAndSwap(false, true) {
		c.box.Close()
		c.ready.Reject(ErrClosed)
		c.closed.Resolve(struct{}{})
		return nil
	}
	c.box.Post(closeReq{})
	_, err := c.closed.Result(ctx)
	return err
}

func (c *Client) State(ctx context.Context) (State, error) {
	fut := actor.NewFuture[State]()
	if !c.box.Post(stateReq{fut: fut}) {
		return Closed, nil
	}
	return fut.Result(ctx)
}

func (c *Client) handle(m any) {
	switch m := m.(type) {
	case channelEvent:
		c.onChannel(m.ev)
	case loginReq:
		c.onLogin(m)
	case loginTimeout:
		if c.pendingLogin != nil && m.gen == c.loginGen {
			c.loginDone()
		}
	case sendReq:
		c.onSend(m.msg)
	case closeReq:
		c.onClose()
	case closeTimeout:
		if c.state == Closing {
			c.logger.Warn("close not acknowledged in time")
			c.finish()
		}
	case stateReq:
		m.fut.Resolve(c.state)
	}
}

func (c *Client) onChannel(ev signaler.Event) {
	switch ev.Kind {
	case signaler.Opened:
		switch c.state {
		case Init:
			c.state = Connected
			c.logger.Info("connected")
			c.ready.Resolve(struct{}{})
		case Connected:
			if c.pendingLogin != nil {
				c.logger.Info("reconnected during login, resending")
				c.write(protocol.Login{Nick: c.nick})
			}
		case LoggedIn:
			c.logger.Info("reconnected, logging in again", "nick", c.nick)
			if err := c.write(protocol.Login{Nick: c.nick}); err != nil {
				c.logger.Warn("re-login failed", "err", err)
				return
			}
			c.emit(Relogged{Nick: c.nick})
		}
	case signaler.Message:
		c.onFrame(ev.Data)
	case signaler.Closed:
		if c.state == Closing {
			c.finish()
			return
		}
		if c.state == Closed {
			return
		}
		err := ev.Err
		if err == nil {
			err = ErrSessionLost
		}
		c.logger.Error("session lost", "state", c.state, "err", err)
		c.ready.Reject(err)
		c.state = Closing
		if c.pendingLogin != nil {
			c.pendingLogin.Reject(fmt.Errorf("%w: %w", ErrSessionLost, err))
			c.pendingLogin = nil
		}
		c.emit(SessionLost{Err: err})
		c.finish()
	}
}

func (c *Client) onFrame(data []byte) {
	if c.state == Closed {
		return
	}
	msg, err := protocol.Decode(data)
	if _, ok := msg.(protocol.Close); ok {
		c.onRemoteClose()
		return
	}
	if c.pendingLogin != nil {
		// the server talking back is as good an ack as the timeout
		c.loginDone()
	}
	if err != nil {
		c.logger.Warn("malformed frame dropped", "err", err)
		return
	}
	if u, ok := msg.(protocol.Unrecognized); ok {
		c.logger.Warn("unrecognized message", "type", u.Name)
		c.emit(Unrecognized{Name: u.Name, Payload: u.Payload})
		return
	}
	c.logger.Debug("received", "type", msg.Kind())
	c.emit(Received{Msg: msg})
}

// onRemoteClose ends the session on a CLOSE from the server. While closing
// it is the ack of our own CLOSE.
func (c *Client) onRemoteClose() {
	if c.state == Closing {
		c.finish()
		return
	}
	c.logger.Warn("session closed by server", "state", c.state)
	c.state = Closing
	c.ready.Reject(ErrClosed)
	if c.pendingLogin != nil {
		c.pendingLogin.Reject(ErrClosed)
		c.pendingLogin = nil
	}
	c.emit(SessionLost{Err: ErrClosed})
	c.finish()
}

func (c *Client) onLogin(req loginReq) {
	switch c.state {
	case Init:
		req.fut.Reject(ErrNotConnected)
		return
	case Closing, Closed:
		req.fut.Reject(ErrClosed)
		return
	case LoggedIn:
		if req.nick == c.nick {
			req.fut.Resolve(struct{}{})
			return
		}
		req.fut.Reject(fmt.Errorf("already logged in as %s", c.nick))
		return
	}
	if c.pendingLogin != nil {
		req.fut.Reject(ErrLoginPending)
		return
	}
	if err := c.write(protocol.Login{Nick: req.nick}); err != nil {
		req.fut.Reject(fmt.Errorf("%w: %w", ErrNotConnected, err))
		return
	}
	c.nick = req.nick
	c.pendingLogin = req.fut
	c.loginGen++
	gen := c.loginGen
	time.AfterFunc(c.opts.LoginTimeout, func() { c.box.Post(loginTimeout{gen: gen}) })
}

func (c *Client) loginDone() {
	c.state = LoggedIn
	c.pendingLogin.Resolve(struct{}{})
	c.pendingLogin = nil
	c.logger.Info("logged in", "nick", c.nick)
	c.emit(LoginSucceeded{Nick: c.nick})
}

func (c *Client) onSend(msg protocol.Message) {
	var err error
	switch {
	case c.state == Closing || c.state == Closed:
		err = ErrClosed
	case c.state == Init:
		err = ErrNotConnected
	case c.state == Connected && protocol.InitiatesCall(msg):
		err = ErrNotLoggedIn
	default:
		if err = c.write(msg); err != nil && errors.Is(err, signaler.ErrNotOpen) {
			err = fmt.Errorf("%w: %w", ErrNotConnected, err)
		}
	}
	if err != nil {
		c.logger.Warn("send rejected", "type", msg.Kind(), "state", c.state, "err", err)
		c.emit(SendFailed{Msg: msg, Err: err})
	}
}

func (c *Client) write(msg protocol.Message) error {
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return c.ch.Send(frame)
}

func (c *Client) onClose() {
	switch c.state {
	case Closing, Closed:
		return
	case Connected, LoggedIn:
		if err := c.write(protocol.Close{}); err != nil {
			c.logger.Debug("close frame not sent", "err", err)
		}
	}
	c.state = Closing
	if c.pendingLogin != nil {
		c.pendingLogin.Reject(ErrClosed)
		c.pendingLogin = nil
	}
	c.ready.Reject(ErrClosed)
	time.AfterFunc(c.opts.CloseTimeout, func() { c.box.Post(closeTimeout{}) })
	go c.ch.Close()
}

// finish enters Closed and stops the actor.
func (c *Client) finish() {
	c.state = Closed
	c.logger.Info("closed")
	c.closed.Resolve(struct{}{})
	c.box.Close()
	go c.ch.Close()
}
