// Package call holds the call coordinator: the actor that owns the state of
// the current call, turns user intents and inbound signaling into protocol
// messages and negotiation steps, and reports call outcomes to the UI.
package call

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v3"
	"github.com/shynome/deepnoise/negotiator"
	"github.com/shynome/deepnoise/protocol"
)

var ErrClosed = errors.New("coordinator is shut down")

type State int

const (
	Idle State = iota
	Outgoing
	Incoming
	Signalling
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Outgoing:
		return "outgoing"
	case Incoming:
		return "incoming"
	case Signalling:
		return "signalling"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// EndReason tells the UI why a call ended.
type EndReason int

const (
	LocalHangup EndReason = iota + 1
	RemoteHangup
	Cancelled
	ConnectivityLost
	TransportLost
	SignalingFailed
	SetupFailed
)

func (r EndReason) String() string {
	switch r {
	case LocalHangup:
		return "local-hangup"
	case RemoteHangup:
		return "remote-hangup"
	case Cancelled:
		return "cancelled"
	case ConnectivityLost:
		return "connectivity-lost"
	case TransportLost:
		return "transport-lost"
	case SignalingFailed:
		return "signaling-failed"
	case SetupFailed:
		return "setup-failed"
	}
	return fmt.Sprintf("reason(%d)", int(r))
}

// UI receives call outcomes. Methods are called from the coordinator
// goroutine and must return quickly.
type UI interface {
	OnModelLoadFailure(err error)
	OnCallRefused()
	OnCallEnded(reason EndReason)
	OnNegotiationError(err error)
}

// Sender is the signaling client as seen by the coordinator. Send must not
// block; failures come back as signaling events.
type Sender interface {
	Send(msg protocol.Message)
	Close(ctx context.Context) error
}

// Negotiator drives one call's offer/answer exchange.
type Negotiator interface {
	CreateOffer()
	ApplyRemoteOffer(desc webrtc.SessionDescription)
	ApplyRemoteAnswer(desc webrtc.SessionDescription)
	AddRemoteCandidate(cand webrtc.ICECandidateInit)
	Close()
}

var _ Negotiator = (*negotiator.Negotiator)(nil)

// NegotiatorFactory starts the negotiation of a call in the given role.
// Events must be passed to emit, which never blocks.
type NegotiatorFactory func(role negotiator.Role, media negotiator.Media, emit func(negotiator.Event)) (Negotiator, error)

// Snapshot is a copy of the current call as seen by the coordinator.
type Snapshot struct {
	State  State
	Self   string
	Peer   string
	CallID string
	// Calls counts the calls started so far.
	Calls int

	Role                 negotiator.Role
	LocalDescriptionSet  bool
	RemoteDescriptionSet bool
	Connected            bool
	// Degraded is set when the audio transform could not be loaded.
	Degraded bool

	ShutDown bool
}
