// Package deepnoise wires the voice call client together: a signaling
// transport, the signaling session on top of it, the WebRTC engine and the
// call coordinator.
package deepnoise

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lainio/err2"
	"github.com/lainio/err2/try"
	"github.com/shynome/deepnoise/audio"
	"github.com/shynome/deepnoise/call"
	"github.com/shynome/deepnoise/config"
	"github.com/shynome/deepnoise/negotiator"
	"github.com/shynome/deepnoise/signaler"
	"github.com/shynome/deepnoise/signaler/sse"
	"github.com/shynome/deepnoise/signaler/ws"
	"github.com/shynome/deepnoise/signaling"
)

var ErrNoChannel = errors.New("local transport needs a channel")

type Options struct {
	Config *config.Config
	UI     call.UI

	// Source and Sink default to silence and discard.
	Source audio.Source
	Sink   audio.Sink

	// Channel replaces the transport described by Config.
	Channel signaler.Channel
	// Loader replaces the model file loader described by Config.
	Loader audio.Loader
	Logger *slog.Logger
}

type Client struct {
	cfg    *config.Config
	sig    *signaling.Client
	engine *negotiator.Engine
	model  *audio.ModelWatcher
	coord  *call.Coordinator
	logger *slog.Logger
}

func New(opts Options) (c *Client, err error) {
	var engine *negotiator.Engine
	defer func() {
		if err != nil && engine != nil {
			engine.Close()
		}
	}()
	defer err2.Handle(&err, "new client")

	cfg := opts.Config
	if cfg == nil {
		return nil, fmt.Errorf("%w: missing", config.ErrInvalid)
	}
	try.To(cfg.Validate())

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("nick", cfg.Nickname)

	ch := opts.Channel
	if ch == nil {
		ch = try.To1(newChannel(cfg, logger))
	}

	engine = try.To1(negotiator.NewEngine(negotiator.Options{
		ICEServers: cfg.ICEServers(),
		ICEPort:    cfg.ICE.Port,
		Logger:     logger,
	}))

	sig := signaling.New(ch, signaling.Options{
		LoginTimeout: cfg.Signaling.LoginTimeout,
		CloseTimeout: cfg.Signaling.CloseTimeout,
		Logger:       logger,
	})

	loader := opts.Loader
	var model *audio.ModelWatcher
	if loader == nil && cfg.ModelPath != "" {
		model = try.To1(audio.WatchModel(cfg.ModelPath, logger))
		loader = model
	}

	c = &Client{
		cfg:    cfg,
		sig:    sig,
		engine: engine,
		model:  model,
		logger: logger.With("component", "client"),
	}
	c.coord = call.New(call.Options{
		Self:        cfg.Nickname,
		Sender:      sig,
		Negotiators: c.startNegotiator,
		UI:          opts.UI,
		Loader:      loader,
		Source:      opts.Source,
		Sink:        opts.Sink,
		Logger:      logger,
	})
	return c, nil
}

func newChannel(cfg *config.Config, logger *slog.Logger) (signaler.Channel, error) {
	switch cfg.Transport {
	case config.TransportWS:
		return ws.New(cfg.Server, ws.Options{
			Backoff: cfg.Backoff(),
			Logger:  logger,
		}), nil
	case config.TransportSSE:
		return sse.New(cfg.Server, sse.Options{
			Topic:   cfg.Nickname,
			Backoff: cfg.Backoff(),
			Logger:  logger,
		})
	case config.TransportLocal:
		return nil, ErrNoChannel
	}
	return nil, fmt.Errorf("%w: unknown transport %q", config.ErrInvalid, cfg.Transport)
}

func (c *Client) startNegotiator(role negotiator.Role, media negotiator.Media, emit func(negotiator.Event)) (call.Negotiator, error) {
	n, err := c.engine.Start(role, media, emit)
	if err != nil {
		return nil, err
	}
	return n, nil
}

// Start connects to the signaling server and logs in. It returns once the
// login is acknowledged.
func (c *Client) Start(ctx context.Context) (err error) {
	defer err2.Handle(&err, "start %s", c.cfg.Nickname)

	try.To(c.sig.Start(ctx, c.coord.SignalingEvent))
	try.To(c.sig.Ready(ctx))
	try.To1(c.sig.Login(c.cfg.Nickname).Result(ctx))
	c.logger.Info("ready", "server", c.cfg.Server, "transport", c.cfg.Transport)
	return nil
}

func (c *Client) Call(peer string) { c.coord.IssueOutgoingCall(peer) }

// Incoming reports a call pushed to this client out of band.
func (c *Client) Incoming(peer, callID string) { c.coord.IssueIncomingCall(peer, callID) }

func (c *Client) Accept() { c.coord.Accept() }
func (c *Client) Refuse() { c.coord.Refuse() }
func (c *Client) Hangup() { c.coord.Hangup() }

func (c *Client) Snapshot(ctx context.Context) (call.Snapshot, error) {
	return c.coord.Snapshot(ctx)
}

// Shutdown ends any call, logs out and releases the engine and the model
// watcher.
func (c *Client) Shutdown(ctx context.Context) (err error) {
	defer err2.Handle(&err, "shutdown")
	try.To(c.coord.Shutdown(ctx))
	if c.model != nil {
		try.To(c.model.Close())
	}
	try.To(c.engine.Close())
	return nil
}
