package negotiator

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pion/ice/v2"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v3"
)

var (
	ErrNegotiation  = errors.New("negotiation error")
	ErrBadCandidate = errors.New("malformed candidate")
	ErrClosed       = errors.New("negotiation closed")
)

type Role int

const (
	Offerer Role = iota + 1
	Answerer
)

func (r Role) String() string {
	switch r {
	case Offerer:
		return "offerer"
	case Answerer:
		return "answerer"
	}
	return "none"
}

// PeerConnection is the part of *webrtc.PeerConnection a Context drives.
type PeerConnection interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	Close() error
}

var _ PeerConnection = (*webrtc.PeerConnection)(nil)

// Context is one round of offer/answer over a PeerConnection together with
// the trickle queues around it. It is not safe for concurrent use; the
// Negotiator confines it to its worker.
type Context struct {
	pc     PeerConnection
	role   Role
	logger *slog.Logger

	localSet     bool
	remoteSet    bool
	offerPending bool
	closed       bool

	pendingLocal  []webrtc.ICECandidateInit
	pendingRemote []webrtc.ICECandidateInit
}

func NewContext(pc PeerConnection, role Role, logger *slog.Logger) *Context {
	if logger == nil {
		logger = slog.Default()
	}
	return &Context{pc: pc, role: role, logger: logger}
}

// State is a copy of the negotiation progress.
type State struct {
	Role          Role
	LocalSet      bool
	RemoteSet     bool
	OfferPending  bool
	PendingRemote int
	Closed        bool
}

func (c *Context) State() State {
	return State{
		Role:          c.role,
		LocalSet:      c.localSet,
		RemoteSet:     c.remoteSet,
		OfferPending:  c.offerPending,
		PendingRemote: len(c.pendingRemote),
		Closed:        c.closed,
	}
}

func (c *Context) CreateOffer() (offer webrtc.SessionDescription, err error) {
	if c.closed {
		return offer, ErrClosed
	}
	if c.role != Offerer {
		return offer, fmt.Errorf("%w: %s cannot create an offer", ErrNegotiation, c.role)
	}
	if c.localSet {
		return offer, fmt.Errorf("%w: local description already set", ErrNegotiation)
	}
	if offer, err = c.pc.CreateOffer(nil); err != nil {
		return offer, fmt.Errorf("%w: create offer: %w", ErrNegotiation, err)
	}
	if err = c.pc.SetLocalDescription(offer); err != nil {
		return offer, fmt.Errorf("%w: set local offer: %w", ErrNegotiation, err)
	}
	c.localSet = true
	c.offerPending = true
	return offer, nil
}

// ApplyRemoteOffer sets a remote offer. There is no glare handling: an
// offerer with its own offer outstanding rejects it.
func (c *Context) ApplyRemoteOffer(desc webrtc.SessionDescription) ([]error, error) {
	if c.closed {
		return nil, ErrClosed
	}
	if c.role == Offerer && c.offerPending {
		return nil, fmt.Errorf("%w: remote offer while local offer is pending", ErrNegotiation)
	}
	return c.applyRemote(desc, webrtc.SDPTypeOffer)
}

func (c *Context) CreateAnswer() (answer webrtc.SessionDescription, err error) {
	if c.closed {
		return answer, ErrClosed
	}
	if !c.remoteSet {
		return answer, fmt.Errorf("%w: answer without remote offer", ErrNegotiation)
	}
	if c.localSet {
		return answer, fmt.Errorf("%w: local description already set", ErrNegotiation)
	}
	if answer, err = c.pc.CreateAnswer(nil); err != nil {
		return answer, fmt.Errorf("%w: create answer: %w", ErrNegotiation, err)
	}
	if err = c.pc.SetLocalDescription(answer); err != nil {
		return answer, fmt.Errorf("%w: set local answer: %w", ErrNegotiation, err)
	}
	c.localSet = true
	return answer, nil
}

func (c *Context) ApplyRemoteAnswer(desc webrtc.SessionDescription) ([]error, error) {
	if c.closed {
		return nil, ErrClosed
	}
	if !c.offerPending {
		return nil, fmt.Errorf("%w: answer without outstanding offer", ErrNegotiation)
	}
	flushErrs, err := c.applyRemote(desc, webrtc.SDPTypeAnswer)
	if err == nil {
		c.offerPending = false
	}
	return flushErrs, err
}

// applyRemote sets the remote description and flushes buffered candidates
// in arrival order. Candidate failures are returned apart from err.
func (c *Context) applyRemote(desc webrtc.SessionDescription, want webrtc.SDPType) (flushErrs []error, err error) {
	if c.remoteSet {
		return nil, fmt.Errorf("%w: remote description already set", ErrNegotiation)
	}
	if err = ValidateDescription(desc, want); err != nil {
		return nil, err
	}
	if err = c.pc.SetRemoteDescription(desc); err != nil {
		return nil, fmt.Errorf("%w: set remote %s: %w", ErrNegotiation, want, err)
	}
	c.remoteSet = true
	pending := c.pendingRemote
	c.pendingRemote = nil
	for _, cand := range pending {
		if err := c.pc.AddICECandidate(cand); err != nil {
			flushErrs = append(flushErrs, fmt.Errorf("%w: %w", ErrBadCandidate, err))
		}
	}
	return flushErrs, nil
}

// AddRemoteCandidate applies cand, or buffers it until the remote
// description is set. The error is only informative: a rejected candidate
// never ends the negotiation.
func (c *Context) AddRemoteCandidate(cand webrtc.ICECandidateInit) error {
	if c.closed {
		return ErrClosed
	}
	if err := ValidateCandidate(cand); err != nil {
		return err
	}
	if !c.remoteSet {
		c.pendingRemote = append(c.pendingRemote, cand)
		return nil
	}
	if err := c.pc.AddICECandidate(cand); err != nil {
		return fmt.Errorf("%w: %w", ErrBadCandidate, err)
	}
	return nil
}

// LocalCandidate returns the candidates that may be sent now: none while
// the local description is not set yet, otherwise the backlog plus cand.
func (c *Context) LocalCandidate(cand webrtc.ICECandidateInit) []webrtc.ICECandidateInit {
	if c.closed {
		return nil
	}
	c.pendingLocal = append(c.pendingLocal, cand)
	if !c.localSet {
		return nil
	}
	return c.drainLocal()
}

func (c *Context) drainLocal() []webrtc.ICECandidateInit {
	ready := c.pendingLocal
	c.pendingLocal = nil
	return ready
}

// Close releases the PeerConnection. Only the first call does anything.
func (c *Context) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.pendingLocal, c.pendingRemote = nil, nil
	return c.pc.Close()
}

// ValidateDescription checks that desc has the expected type, parses and
// carries an audio section.
func ValidateDescription(desc webrtc.SessionDescription, want webrtc.SDPType) error {
	if desc.Type != want {
		return fmt.Errorf("%w: expected %s, got %s", ErrNegotiation, want, desc.Type)
	}
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(desc.SDP)); err != nil {
		return fmt.Errorf("%w: bad %s sdp: %w", ErrNegotiation, want, err)
	}
	for _, m := range parsed.MediaDescriptions {
		if m.MediaName.Media == "audio" {
			return nil
		}
	}
	return fmt.Errorf("%w: %s has no audio section", ErrNegotiation, want)
}

func ValidateCandidate(cand webrtc.ICECandidateInit) error {
	raw := strings.TrimPrefix(cand.Candidate, "candidate:")
	if raw == "" {
		return fmt.Errorf("%w: empty", ErrBadCandidate)
	}
	if _, err := ice.UnmarshalCandidate(raw); err != nil {
		return fmt.Errorf("%w: %w", ErrBadCandidate, err)
	}
	return nil
}
