// Package protocol is the wire taxonomy spoken with the signaling server.
//
// Every frame is a JSON envelope {"type": TYPE, "payload": "<json>"} whose
// payload is itself JSON encoded into a string. Decoding also accepts a
// payload given as a plain JSON object.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v3"
)

type Type string

const (
	TypeLogin        Type = "LOGIN"
	TypeCall         Type = "CALL"
	TypeAccept       Type = "ACCEPT"
	TypeRefuse       Type = "REFUSE"
	TypeAccepted     Type = "ACCEPTED"
	TypeRefused      Type = "REFUSED"
	TypeCancel       Type = "CANCEL"
	TypeCancelled    Type = "CANCELLED"
	TypeHangup       Type = "HANGUP"
	TypeHungUp       Type = "HUNG_UP"
	TypeOffer        Type = "OFFER"
	TypeAnswer       Type = "ANSWER"
	TypeIceCandidate Type = "ICE_CANDIDATE"
	TypeClose        Type = "CLOSE"
)

var ErrMalformed = errors.New("malformed message")

// Envelope is the outer frame.
type Envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Message is implemented by every payload type of the taxonomy.
type Message interface {
	Kind() Type
}

type Login struct {
	Nick string `json:"nick"`
}

type Call struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type Accept struct {
	From   string `json:"from"`
	To     string `json:"to"`
	CallID string `json:"call_id"`
}

type Refuse struct {
	From   string `json:"from"`
	To     string `json:"to"`
	CallID string `json:"call_id"`
}

type Accepted struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type Refused struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type Cancel struct{}

// Cancelled may name the call it ends. An empty CallID ends whatever call
// is ringing.
type Cancelled struct {
	CallID string `json:"call_id,omitempty"`
}

type Hangup struct{}

type HungUp struct {
	From   string `json:"from"`
	CallID string `json:"call_id,omitempty"`
}

// Offer, Answer and IceCandidate travel both ways. Outbound marks the ones
// produced locally; it never reaches the wire.
type Offer struct {
	webrtc.SessionDescription
	Outbound bool `json:"-"`
}

type Answer struct {
	webrtc.SessionDescription
	Outbound bool `json:"-"`
}

type IceCandidate struct {
	webrtc.ICECandidateInit
	Outbound bool `json:"-"`
}

type Close struct{}

// Unrecognized is what Decode returns for a well formed envelope with an
// unknown type.
type Unrecognized struct {
	Name    Type
	Payload []byte
}

func (Login) Kind() Type          { return TypeLogin }
func (Call) Kind() Type           { return TypeCall }
func (Accept) Kind() Type         { return TypeAccept }
func (Refuse) Kind() Type         { return TypeRefuse }
func (Accepted) Kind() Type       { return TypeAccepted }
func (Refused) Kind() Type        { return TypeRefused }
func (Cancel) Kind() Type         { return TypeCancel }
func (Cancelled) Kind() Type      { return TypeCancelled }
func (Hangup) Kind() Type         { return TypeHangup }
func (HungUp) Kind() Type         { return TypeHungUp }
func (Offer) Kind() Type          { return TypeOffer }
func (Answer) Kind() Type         { return TypeAnswer }
func (IceCandidate) Kind() Type   { return TypeIceCandidate }
func (Close) Kind() Type          { return TypeClose }
func (u Unrecognized) Kind() Type { return u.Name }

// InitiatesCall reports whether msg may only be sent by a logged in client.
func InitiatesCall(msg Message) bool {
	switch msg.Kind() {
	case TypeCall, TypeAccept, TypeRefuse:
		return true
	}
	return false
}

func NewOffer(desc webrtc.SessionDescription, outbound bool) Offer {
	return Offer{SessionDescription: desc, Outbound: outbound}
}

func NewAnswer(desc webrtc.SessionDescription, outbound bool) Answer {
	return Answer{SessionDescription: desc, Outbound: outbound}
}

func NewIceCandidate(c webrtc.ICECandidateInit, outbound bool) IceCandidate {
	return IceCandidate{ICECandidateInit: c, Outbound: outbound}
}

// Encode builds the text frame for msg.
func Encode(msg Message) ([]byte, error) {
	if _, ok := msg.(Unrecognized); ok {
		return nil, fmt.Errorf("encode %s: %w", msg.Kind(), ErrMalformed)
	}
	inner, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", msg.Kind(), err)
	}
	payload, err := json.Marshal(string(inner))
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: msg.Kind(), Payload: payload})
}

type decoder func(raw []byte) (Message, error)

func decodeAs[T Message](raw []byte) (Message, error) {
	var m T
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

var decoders = map[Type]decoder{
	TypeLogin:        decodeAs[Login],
	TypeCall:         decodeAs[Call],
	TypeAccept:       decodeAs[Accept],
	TypeRefuse:       decodeAs[Refuse],
	TypeAccepted:     decodeAs[Accepted],
	TypeRefused:      decodeAs[Refused],
	TypeCancel:       decodeAs[Cancel],
	TypeCancelled:    decodeAs[Cancelled],
	TypeHangup:       decodeAs[Hangup],
	TypeHungUp:       decodeAs[HungUp],
	TypeOffer:        decodeAs[Offer],
	TypeAnswer:       decodeAs[Answer],
	TypeIceCandidate: decodeAs[IceCandidate],
	TypeClose:        decodeAs[Close],
}

// Decode parses a text frame. Unknown types come back as Unrecognized with a
// nil error; broken frames and payloads fail with ErrMalformed.
func Decode(data []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	raw, err := innerPayload(env.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformed, env.Type, err)
	}
	decode, ok := decoders[env.Type]
	if !ok {
		return Unrecognized{Name: env.Type, Payload: raw}, nil
	}
	msg, err := decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformed, env.Type, err)
	}
	return msg, nil
}

func innerPayload(payload json.RawMessage) ([]byte, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		return []byte("{}"), nil
	}
	if payload[0] != '"' {
		return payload, nil
	}
	var s string
	if err := json.Unmarshal(payload, &s); err != nil {
		return nil, err
	}
	if s == "" {
		return []byte("{}"), nil
	}
	return []byte(s), nil
}
