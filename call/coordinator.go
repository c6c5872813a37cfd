package call

import (
	"context"
	"errors"
	"log/slog"

	"github.com/pion/webrtc/v3"
	"github.com/shynome/deepnoise/actor"
	"github.com/shynome/deepnoise/audio"
	"github.com/shynome/deepnoise/negotiator"
	"github.com/shynome/deepnoise/protocol"
	"github.com/shynome/deepnoise/signaling"
)

type Options struct {
	// Self is the local identity used in every outbound message.
	Self        string
	Sender      Sender
	Negotiators NegotiatorFactory
	UI          UI

	// Loader builds the per-call audio transform. Nil means none.
	Loader audio.Loader
	Source audio.Source
	Sink   audio.Sink

	Logger *slog.Logger
}

type session struct {
	state  State
	peer   string
	callID string

	neg       Negotiator
	gen       int
	transform *lateTransform
	cancel    context.CancelFunc

	role      negotiator.Role
	localSet  bool
	remoteSet bool
	connected bool
	degraded  bool
}

func (s *session) active() bool { return s.state != Idle && s.state != Closed }

// Coordinator is the call actor. All of its state is touched only by the
// goroutine draining its mailbox.
type Coordinator struct {
	opts   Options
	logger *slog.Logger
	box    *actor.Mailbox[any]

	stopped *actor.Future[struct{}]

	sess     session
	calls    int
	gen      int
	shutdown bool

	observe func(from, to State)
}

type (
	outgoingIntent struct{ peer string }
	incomingNotice struct{ peer, callID string }
	acceptIntent   struct{}
	refuseIntent   struct{}
	hangupIntent   struct{}
	shutdownIntent struct{}
	signalingMsg   struct{ ev signaling.Event }
	negotiatorMsg  struct {
		gen int
		ev  negotiator.Event
	}
	modelLoaded struct {
		call int
		tr   audio.Transform
		err  error
	}
	snapshotReq struct{ fut *actor.Future[Snapshot] }
)

func New(opts Options) *Coordinator {
	return newCoordinator(opts, nil)
}

func newCoordinator(opts Options, observe func(from, to State)) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.UI == nil {
		opts.UI = nopUI{}
	}
	if opts.Negotiators == nil {
		opts.Negotiators = func(negotiator.Role, negotiator.Media, func(negotiator.Event)) (Negotiator, error) {
			return nil, errNoNegotiator
		}
	}
	c := &Coordinator{
		opts:    opts,
		logger:  logger.With("component", "call", "self", opts.Self),
		box:     actor.NewMailbox[any](),
		stopped: actor.NewFuture[struct{}](),
		sess:    session{state: Idle},
		observe: observe,
	}
	go c.box.Run(context.Background(), c.handle)
	return c
}

var errNoNegotiator = errors.New("no negotiator factory configured")

type nopUI struct{}

func (nopUI) OnModelLoadFailure(error) {}
func (nopUI) OnCallRefused()           {}
func (nopUI) OnCallEnded(EndReason)    {}
func (nopUI) OnNegotiationError(error) {}

func (c *Coordinator) post(m any) {
	if !c.box.Post(m) {
		c.logger.Debug("coordinator stopped, message dropped")
	}
}

func (c *Coordinator) IssueOutgoingCall(peer string) { c.post(outgoingIntent{peer: peer}) }

func (c *Coordinator) IssueIncomingCall(peer, callID string) {
	c.post(incomingNotice{peer: peer, callID: callID})
}

func (c *Coordinator) Accept() { c.post(acceptIntent{}) }
func (c *Coordinator) Refuse() { c.post(refuseIntent{}) }
func (c *Coordinator) Hangup() { c.post(hangupIntent{}) }

// SignalingEvent is the emit function for the signaling client.
func (c *Coordinator) SignalingEvent(ev signaling.Event) { c.post(signalingMsg{ev: ev}) }

// Shutdown ends any call, closes signaling and stops the coordinator. It
// may be called any number of times from any goroutine.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.post(shutdownIntent{})
	_, err := c.stopped.Result(ctx)
	return err
}

// Snapshot returns ErrClosed along with a placeholder once the coordinator
// has stopped.
func (c *Coordinator) Snapshot(ctx context.Context) (Snapshot, error) {
	fut := actor.NewFuture[Snapshot]()
	if !c.box.Post(snapshotReq{fut: fut}) {
		return Snapshot{State: Closed, Self: c.opts.Self, ShutDown: true}, ErrClosed
	}
	return fut.Result(ctx)
}

func (c *Coordinator) handle(m any) {
	if req, ok := m.(snapshotReq); ok {
		req.fut.Resolve(c.snapshot())
		return
	}
	if c.shutdown {
		c.logger.Debug("shut down, dropped", "msg", m)
		return
	}
	switch m := m.(type) {
	case outgoingIntent:
		c.onOutgoing(m.peer)
	case incomingNotice:
		c.onIncoming(m.peer, m.callID)
	case acceptIntent:
		c.onAccept()
	case refuseIntent:
		c.onRefuse()
	case hangupIntent:
		c.onHangup()
	case shutdownIntent:
		c.onShutdown()
	case signalingMsg:
		c.onSignaling(m.ev)
	case negotiatorMsg:
		c.onNegotiator(m.gen, m.ev)
	case modelLoaded:
		c.onModelLoaded(m)
	}
}

func (c *Coordinator) log() *slog.Logger {
	return c.logger.With("peer", c.sess.peer, "call_id", c.sess.callID, "state", c.sess.state)
}

func (c *Coordinator) violation(what string) {
	c.log().Warn("unexpected in this state, dropped", "event", what)
}

func (c *Coordinator) to(next State) {
	from := c.sess.state
	c.sess.state = next
	c.log().Info("call state", "from", from)
	if c.observe != nil {
		c.observe(from, next)
	}
}

func (c *Coordinator) snapshot() Snapshot {
	s := c.sess
	return Snapshot{
		State:                s.state,
		Self:                 c.opts.Self,
		Peer:                 s.peer,
		CallID:               s.callID,
		Calls:                c.calls,
		Role:                 s.role,
		LocalDescriptionSet:  s.localSet,
		RemoteDescriptionSet: s.remoteSet,
		Connected:            s.connected,
		Degraded:             s.degraded,
		ShutDown:             c.shutdown,
	}
}

// begin starts a new call session. The previous one, if any, is Closed.
func (c *Coordinator) begin(peer, callID string, next State) bool {
	if c.sess.active() {
		c.violation("new call while " + c.sess.state.String())
		return false
	}
	c.calls++
	c.sess = session{state: Idle, peer: peer, callID: callID, transform: &lateTransform{}}
	c.to(next)
	c.loadModel()
	return true
}

func (c *Coordinator) loadModel() {
	if c.opts.Loader == nil {
		return
	}
	call, loader := c.calls, c.opts.Loader
	ctx, cancel := context.WithCancel(context.Background())
	c.sess.cancel = cancel
	go func() {
		tr, err := loader.Load(ctx)
		c.post(modelLoaded{call: call, tr: tr, err: err})
	}()
}

func (c *Coordinator) onModelLoaded(m modelLoaded) {
	if m.call != c.calls || !c.sess.active() {
		return
	}
	if m.err != nil {
		c.log().Warn("audio transform unavailable, continuing without it", "err", m.err)
		c.sess.degraded = true
		c.opts.UI.OnModelLoadFailure(m.err)
		return
	}
	c.sess.transform.set(m.tr)
	c.log().Info("audio transform loaded")
}

func (c *Coordinator) onOutgoing(peer string) {
	if !c.begin(peer, "", Outgoing) {
		return
	}
	c.opts.Sender.Send(protocol.Call{From: c.opts.Self, To: peer})
}

func (c *Coordinator) onIncoming(peer, callID string) {
	c.begin(peer, callID, Incoming)
}

func (c *Coordinator) onAccept() {
	if c.sess.state != Incoming {
		c.violation("accept")
		return
	}
	if !c.startNegotiation(negotiator.Answerer) {
		c.opts.Sender.Send(protocol.Refuse{From: c.opts.Self, To: c.sess.peer, CallID: c.sess.callID})
		c.end(SetupFailed, false)
		return
	}
	c.to(Signalling)
	c.opts.Sender.Send(protocol.Accept{From: c.opts.Self, To: c.sess.peer, CallID: c.sess.callID})
}

func (c *Coordinator) onRefuse() {
	if c.sess.state != Incoming {
		c.violation("refuse")
		return
	}
	c.opts.Sender.Send(protocol.Refuse{From: c.opts.Self, To: c.sess.peer, CallID: c.sess.callID})
	c.release()
	c.to(Closed)
}

func (c *Coordinator) onHangup() {
	switch c.sess.state {
	case Outgoing:
		c.opts.Sender.Send(protocol.Cancel{})
	case Signalling:
		c.opts.Sender.Send(protocol.Hangup{})
	default:
		c.violation("hangup")
		return
	}
	c.end(LocalHangup, true)
}

func (c *Coordinator) onShutdown() {
	c.shutdown = true
	switch c.sess.state {
	case Outgoing:
		c.opts.Sender.Send(protocol.Cancel{})
	case Incoming:
		c.opts.Sender.Send(protocol.Refuse{From: c.opts.Self, To: c.sess.peer, CallID: c.sess.callID})
	case Signalling:
		c.opts.Sender.Send(protocol.Hangup{})
	}
	if c.sess.active() {
		c.release()
		c.to(Closed)
	}
	c.logger.Info("shutting down")
	c.box.Close()
	sender := c.opts.Sender
	go func() {
		if err := sender.Close(context.Background()); err != nil {
			c.logger.Warn("close signaling", "err", err)
		}
		c.stopped.Resolve(struct{}{})
	}()
}

// end finishes the current call and tells the UI.
func (c *Coordinator) end(reason EndReason, viaClosing bool) {
	if viaClosing {
		c.to(Closing)
	}
	c.release()
	c.to(Closed)
	c.log().Info("call ended", "reason", reason)
	c.opts.UI.OnCallEnded(reason)
}

func (c *Coordinator) release() {
	if c.sess.neg != nil {
		c.sess.neg.Close()
		c.sess.neg = nil
	}
	if c.sess.cancel != nil {
		c.sess.cancel()
		c.sess.cancel = nil
	}
}

func (c *Coordinator) startNegotiation(role negotiator.Role) bool {
	c.gen++
	gen := c.gen
	media := negotiator.Media{
		Source:    c.opts.Source,
		Sink:      c.opts.Sink,
		Transform: c.sess.transform,
	}
	neg, err := c.opts.Negotiators(role, media, func(ev negotiator.Event) {
		c.post(negotiatorMsg{gen: gen, ev: ev})
	})
	if err != nil {
		c.log().Error("cannot start negotiation", "role", role, "err", err)
		c.opts.UI.OnNegotiationError(err)
		return false
	}
	c.sess.neg = neg
	c.sess.gen = gen
	c.sess.role = role
	return true
}

func (c *Coordinator) onSignaling(ev signaling.Event) {
	switch ev := ev.(type) {
	case signaling.Received:
		c.onInbound(ev.Msg)
	case signaling.SendFailed:
		c.onSendFailed(ev)
	case signaling.SessionLost:
		if !c.sess.active() {
			c.logger.Warn("signaling session lost", "err", ev.Err)
			return
		}
		c.log().Error("signaling session lost during call", "err", ev.Err)
		c.end(TransportLost, false)
	case signaling.Unrecognized:
		c.log().Warn("unrecognized message ignored", "type", ev.Name)
	case signaling.LoginSucceeded:
		c.logger.Info("logged in", "nick", ev.Nick)
	case signaling.Relogged:
		c.logger.Info("logged in again after reconnect", "nick", ev.Nick)
	}
}

func (c *Coordinator) onSendFailed(ev signaling.SendFailed) {
	c.log().Warn("send failed", "type", ev.Msg.Kind(), "err", ev.Err)
	if !protocol.InitiatesCall(ev.Msg) {
		return
	}
	switch {
	case ev.Msg.Kind() == protocol.TypeCall && c.sess.state == Outgoing,
		ev.Msg.Kind() == protocol.TypeAccept && c.sess.state == Signalling:
		c.end(SignalingFailed, false)
	}
}

func (c *Coordinator) onInbound(msg protocol.Message) {
	if !c.sess.active() {
		c.violation(string(msg.Kind()))
		return
	}
	switch m := msg.(type) {
	case protocol.Accepted:
		if c.sess.state != Outgoing {
			c.violation("accepted")
			return
		}
		if !c.startNegotiation(negotiator.Offerer) {
			c.opts.Sender.Send(protocol.Hangup{})
			c.end(SetupFailed, false)
			return
		}
		c.to(Signalling)
		c.sess.neg.CreateOffer()
	case protocol.Refused:
		if c.sess.state != Outgoing {
			c.violation("refused")
			return
		}
		c.release()
		c.to(Closed)
		c.opts.UI.OnCallRefused()
	case protocol.Cancelled:
		if m.CallID != "" && c.sess.callID != "" && m.CallID != c.sess.callID {
			c.log().Warn("cancel for another call dropped", "cancelled", m.CallID)
			return
		}
		switch c.sess.state {
		case Incoming:
			c.end(Cancelled, false)
		case Signalling:
			c.end(Cancelled, true)
		default:
			c.violation("cancelled")
		}
	case protocol.HungUp:
		if c.sess.state != Signalling {
			c.violation("hung up")
			return
		}
		c.end(RemoteHangup, true)
	case protocol.Offer:
		if c.sess.state != Signalling {
			c.violation("offer")
			return
		}
		c.sess.neg.ApplyRemoteOffer(m.SessionDescription)
	case protocol.Answer:
		if c.sess.state != Signalling {
			c.violation("answer")
			return
		}
		c.sess.neg.ApplyRemoteAnswer(m.SessionDescription)
	case protocol.IceCandidate:
		if c.sess.state != Signalling {
			c.violation("ice candidate")
			return
		}
		c.sess.neg.AddRemoteCandidate(m.ICECandidateInit)
	default:
		c.violation(string(msg.Kind()))
	}
}

func (c *Coordinator) onNegotiator(gen int, ev negotiator.Event) {
	if c.sess.state != Signalling || gen != c.sess.gen {
		c.logger.Debug("stale negotiator event dropped", "event", ev)
		return
	}
	switch ev := ev.(type) {
	case negotiator.LocalDescription:
		c.sess.localSet = true
		switch ev.Desc.Type {
		case webrtc.SDPTypeOffer:
			c.opts.Sender.Send(protocol.NewOffer(ev.Desc, true))
		case webrtc.SDPTypeAnswer:
			c.opts.Sender.Send(protocol.NewAnswer(ev.Desc, true))
		}
	case negotiator.LocalCandidate:
		c.opts.Sender.Send(protocol.NewIceCandidate(ev.Candidate, true))
	case negotiator.RemoteDescriptionApplied:
		c.sess.remoteSet = true
	case negotiator.Failure:
		if c.sess.localSet && c.sess.remoteSet {
			c.log().Warn("negotiation error after setup, ignored", "op", ev.Op, "err", ev.Err)
			return
		}
		c.log().Error("negotiation error during setup", "op", ev.Op, "err", ev.Err)
		c.opts.UI.OnNegotiationError(ev.Err)
	case negotiator.Connected:
		c.sess.connected = true
		c.log().Info("media connected", "pair", ev.Pair)
	case negotiator.ConnectivityLost:
		c.log().Warn("connectivity lost", "ice", ev.State)
		c.end(ConnectivityLost, false)
	case negotiator.RenegotiationRequested:
		c.log().Info("renegotiation is not supported, ignored")
	}
}
