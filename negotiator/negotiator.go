// Package negotiator runs the offer/answer exchange and trickle ICE of one
// call. Every operation is queued on the negotiator's own worker and its
// outcome comes back through the emit function as an Event.
package negotiator

import (
	"context"
	"log/slog"

	"github.com/pion/webrtc/v3"
	"github.com/shynome/deepnoise/actor"
)

type Op string

const (
	OpCreateOffer   Op = "create-offer"
	OpCreateAnswer  Op = "create-answer"
	OpRemoteOffer   Op = "remote-offer"
	OpRemoteAnswer  Op = "remote-answer"
	OpAddCandidate  Op = "add-candidate"
	OpRenegotiation Op = "renegotiation"
)

type Event interface{ negotiatorEvent() }

type (
	LocalDescription         struct{ Desc webrtc.SessionDescription }
	LocalCandidate           struct{ Candidate webrtc.ICECandidateInit }
	RemoteDescriptionApplied struct{ Type webrtc.SDPType }
	Connected                struct{ Pair string }
	ConnectivityLost         struct{ State webrtc.ICEConnectionState }
	RenegotiationRequested   struct{}
)

// Failure reports an operation that did not complete. The negotiation
// itself stays usable.
type Failure struct {
	Op  Op
	Err error
}

func (LocalDescription) negotiatorEvent()         {}
func (LocalCandidate) negotiatorEvent()           {}
func (RemoteDescriptionApplied) negotiatorEvent() {}
func (Failure) negotiatorEvent()                  {}
func (Connected) negotiatorEvent()                {}
func (ConnectivityLost) negotiatorEvent()         {}
func (RenegotiationRequested) negotiatorEvent()   {}

// Negotiator owns a Context and serialises everything that touches it.
type Negotiator struct {
	nc     *Context
	emit   func(Event)
	box    *actor.Mailbox[func()]
	logger *slog.Logger

	connected bool
	hooks     hooks

	done chan struct{}
}

// hooks let the engine attach media handling. They run on the worker.
type hooks struct {
	connected func() (pair string)
	closing   func()
}

func New(pc PeerConnection, role Role, emit func(Event), logger *slog.Logger) *Negotiator {
	return newNegotiator(pc, role, emit, logger, hooks{})
}

func newNegotiator(pc PeerConnection, role Role, emit func(Event), logger *slog.Logger, h hooks) *Negotiator {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "negotiator", "role", role)
	n := &Negotiator{
		nc:     NewContext(pc, role, logger),
		emit:   emit,
		box:    actor.NewMailbox[func()](),
		logger: logger,
		hooks:  h,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(n.done)
		n.box.Run(context.Background(), func(f func()) { f() })
	}()
	return n
}

func (n *Negotiator) do(f func()) {
	if !n.box.Post(f) {
		n.logger.Debug("negotiator closed, operation dropped")
	}
}

func (n *Negotiator) send(ev Event) {
	if n.nc.closed {
		return
	}
	n.emit(ev)
}

func (n *Negotiator) fail(op Op, err error) {
	n.logger.Warn("negotiation failed", "op", op, "err", err)
	n.send(Failure{Op: op, Err: err})
}

func (n *Negotiator) CreateOffer() {
	n.do(func() {
		offer, err := n.nc.CreateOffer()
		if err != nil {
			n.fail(OpCreateOffer, err)
			return
		}
		n.sendLocal(offer)
	})
}

func (n *Negotiator) ApplyRemoteOffer(desc webrtc.SessionDescription) {
	n.do(func() {
		flushErrs, err := n.nc.ApplyRemoteOffer(desc)
		if err != nil {
			n.fail(OpRemoteOffer, err)
			return
		}
		n.logFlush(flushErrs)
		n.send(RemoteDescriptionApplied{Type: webrtc.SDPTypeOffer})
		answer, err := n.nc.CreateAnswer()
		if err != nil {
			n.fail(OpCreateAnswer, err)
			return
		}
		n.sendLocal(answer)
	})
}

func (n *Negotiator) ApplyRemoteAnswer(desc webrtc.SessionDescription) {
	n.do(func() {
		flushErrs, err := n.nc.ApplyRemoteAnswer(desc)
		if err != nil {
			n.fail(OpRemoteAnswer, err)
			return
		}
		n.logFlush(flushErrs)
		n.send(RemoteDescriptionApplied{Type: webrtc.SDPTypeAnswer})
	})
}

func (n *Negotiator) AddRemoteCandidate(cand webrtc.ICECandidateInit) {
	n.do(func() {
		if err := n.nc.AddRemoteCandidate(cand); err != nil {
			n.logger.Warn("remote candidate dropped", "candidate", cand.Candidate, "err", err)
		}
	})
}

func (n *Negotiator) logFlush(errs []error) {
	for _, err := range errs {
		n.logger.Warn("buffered candidate dropped", "err", err)
	}
}

func (n *Negotiator) sendLocal(desc webrtc.SessionDescription) {
	n.send(LocalDescription{Desc: desc})
	for _, c := range n.nc.drainLocal() {
		n.send(LocalCandidate{Candidate: c})
	}
}

// LocalCandidateGathered feeds a candidate found by the ICE agent. A nil
// candidate marks the end of gathering.
func (n *Negotiator) LocalCandidateGathered(c *webrtc.ICECandidate) {
	if c == nil {
		n.do(func() { n.logger.Debug("candidate gathering complete") })
		return
	}
	init := c.ToJSON()
	n.do(func() {
		for _, ready := range n.nc.LocalCandidate(init) {
			n.send(LocalCandidate{Candidate: ready})
		}
	})
}

func (n *Negotiator) ICEStateChanged(state webrtc.ICEConnectionState) {
	n.do(func() {
		n.logger.Info("ice connection state", "state", state)
		switch state {
		case webrtc.ICEConnectionStateConnected:
			if n.connected {
				return
			}
			n.connected = true
			var pair string
			if n.hooks.connected != nil {
				pair = n.hooks.connected()
			}
			n.logger.Info("connected", "pair", pair)
			n.send(Connected{Pair: pair})
		case webrtc.ICEConnectionStateFailed:
			n.send(ConnectivityLost{State: state})
		case webrtc.ICEConnectionStateDisconnected, webrtc.ICEConnectionStateClosed:
			if n.connected {
				n.send(ConnectivityLost{State: state})
			}
		}
	})
}

// NegotiationNeeded is only reported: renegotiation is not supported.
func (n *Negotiator) NegotiationNeeded() {
	n.do(func() {
		if !n.nc.localSet {
			// raised by adding the initial track
			return
		}
		n.logger.Info("renegotiation requested, ignored")
		n.send(RenegotiationRequested{})
	})
}

// State returns the negotiation progress, read on the worker.
func (n *Negotiator) State(ctx context.Context) (State, error) {
	f := actor.NewFuture[State]()
	if !n.box.Post(func() { f.Resolve(n.nc.State()) }) {
		return State{Role: n.nc.role, Closed: true}, nil
	}
	return f.Result(ctx)
}

// Close releases the PeerConnection and stops the worker once the
// operations already queued have run. No event is emitted afterwards.
func (n *Negotiator) Close() {
	n.do(func() {
		if n.nc.closed {
			return
		}
		if n.hooks.closing != nil {
			n.hooks.closing()
		}
		if err := n.nc.Close(); err != nil {
			n.logger.Warn("close peer connection", "err", err)
		}
	})
	n.box.Close()
}

// Wait blocks until the worker has stopped.
func (n *Negotiator) Wait(ctx context.Context) error {
	select {
	case <-n.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
