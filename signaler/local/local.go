// Package local is an in-process signaling server. A Hub plays the role of
// the backend: it tracks logged in clients, hands out call ids, pushes
// incoming calls through a Notifier and relays session descriptions and
// candidates between the two parties of a conversation. Each client talks
// to it through a Server, which is a signaler.Channel.
package local

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/shynome/deepnoise/protocol"
	"github.com/shynome/deepnoise/signaler"
)

var ErrDropped = errors.New("connection dropped by hub")

// Notifier delivers an incoming call to the callee out of band, the way a
// push notification would.
type Notifier func(to, caller, callID string)

type state string

const (
	stateInit       state = "INIT"
	stateLoggedIn   state = "LOGGED_IN"
	stateRendezvous state = "RENDEZVOUS"
	stateSignalling state = "SIGNALLING"
)

type conversation struct {
	id        string
	caller    string
	callee    string
	endpoints map[string]*Server
}

func (c *conversation) signal(sender *Server, msg protocol.Message) {
	for nick, ep := range c.endpoints {
		if nick != sender.nick {
			ep.deliver(msg)
		}
	}
}

type Hub struct {
	mu      sync.Mutex
	pool    map[string]*Server
	calls   map[string]*conversation
	notify  Notifier
	logger  *slog.Logger
	servers []*Server
}

func NewHub() *Hub {
	return &Hub{
		pool:   make(map[string]*Server),
		calls:  make(map[string]*conversation),
		logger: slog.Default().With("component", "hub"),
	}
}

func (hub *Hub) SetLogger(logger *slog.Logger) {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	hub.logger = logger.With("component", "hub")
}

func (hub *Hub) SetNotifier(fn Notifier) {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	hub.notify = fn
}

// Register attaches server to the hub. A server must be registered before
// it is opened.
func (hub *Hub) Register(server *Server) {
	if server == nil {
		return
	}
	hub.mu.Lock()
	defer hub.mu.Unlock()
	server.hub = hub
	hub.servers = append(hub.servers, server)
}

// Find returns the server a nick is logged in through.
func (hub *Hub) Find(nick string) *Server {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	return hub.pool[nick]
}

// Calls returns the number of calls the hub is tracking.
func (hub *Hub) Calls() int {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	return len(hub.calls)
}

// Drop cuts the connection of nick as if the network had failed. The
// client sees a terminal Closed event carrying ErrDropped.
func (hub *Hub) Drop(nick string) bool {
	hub.mu.Lock()
	s := hub.pool[nick]
	if s != nil {
		s.disconnect(ErrDropped)
	}
	hub.mu.Unlock()
	return s != nil
}

// Kick closes the session of nick from the server side: the client gets a
// CLOSE and then the end of its event stream.
func (hub *Hub) Kick(nick string) bool {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	s := hub.pool[nick]
	if s == nil {
		return false
	}
	s.deliver(protocol.Close{})
	s.disconnect(nil)
	return true
}

func (hub *Hub) endCall(id string) {
	if _, ok := hub.calls[id]; !ok {
		hub.logger.Error("tried to end non-existent call", "call_id", id)
		return
	}
	delete(hub.calls, id)
}

type Server struct {
	hub *Hub

	em           *signaler.Emitter
	disconnected bool

	state state
	nick  string
	conv  *conversation
}

var _ signaler.Channel = (*Server)(nil)

func NewServer() *Server {
	return &Server{state: stateInit}
}

func (s *Server) Open(ctx context.Context) (<-chan signaler.Event, error) {
	hub := s.hub
	if hub == nil {
		return nil, fmt.Errorf("server need register to a local hub")
	}
	hub.mu.Lock()
	defer hub.mu.Unlock()
	if s.em != nil {
		return nil, fmt.Errorf("server already opened")
	}
	s.em = signaler.NewEmitter()
	s.em.Opened()
	context.AfterFunc(ctx, func() { s.Close() })
	return s.em.Events(), nil
}

func (s *Server) Send(frame []byte) error {
	hub := s.hub
	if hub == nil {
		return signaler.ErrNotOpen
	}
	hub.mu.Lock()
	if s.em == nil || s.disconnected {
		hub.mu.Unlock()
		return signaler.ErrNotOpen
	}
	msg, err := protocol.Decode(frame)
	if err != nil {
		hub.logger.Error("bad frame", "nick", s.nick, "err", err)
		hub.mu.Unlock()
		return nil
	}
	after := s.dispatch(msg)
	hub.mu.Unlock()
	if after != nil {
		after()
	}
	return nil
}

func (s *Server) Close() error {
	hub := s.hub
	if hub == nil {
		return nil
	}
	hub.mu.Lock()
	defer hub.mu.Unlock()
	s.disconnect(nil)
	return nil
}

func (s *Server) deliver(msg protocol.Message) {
	if s.em == nil || s.disconnected {
		return
	}
	frame, err := protocol.Encode(msg)
	if err != nil {
		s.hub.logger.Error("encode", "type", msg.Kind(), "err", err)
		return
	}
	s.em.Message(frame)
}

// disconnect leaves any call and ends the event stream. hub.mu is held.
func (s *Server) disconnect(cause error) {
	if s.disconnected || s.em == nil {
		return
	}
	switch s.state {
	case stateSignalling:
		s.hangup()
	case stateRendezvous:
		s.cancel()
	}
	if s.nick != "" && s.hub.pool[s.nick] == s {
		delete(s.hub.pool, s.nick)
	}
	s.disconnected = true
	s.em.Finish(cause)
}

// dispatch runs one client message. It may return a func to call once
// hub.mu is released.
func (s *Server) dispatch(msg protocol.Message) func() {
	switch m := msg.(type) {
	case protocol.Close:
		s.disconnect(nil)
		return nil
	case protocol.Login:
		if s.state == stateInit {
			return s.login(m)
		}
	case protocol.Call:
		if s.state == stateLoggedIn {
			return s.call(m)
		}
	case protocol.Accept:
		if s.state == stateLoggedIn {
			s.accept(m)
			return nil
		}
	case protocol.Refuse:
		if s.state == stateLoggedIn {
			s.refuse(m)
			return nil
		}
	case protocol.Cancel:
		switch s.state {
		case stateRendezvous:
			s.cancel()
			return nil
		case stateSignalling:
			// the callee accepted while the cancel was in flight
			s.hangup()
			return nil
		}
	case protocol.Hangup:
		if s.state == stateSignalling {
			s.hangup()
			return nil
		}
	case protocol.Offer, protocol.Answer, protocol.IceCandidate:
		if s.state == stateSignalling {
			s.conv.signal(s, msg)
			return nil
		}
	}
	s.hub.logger.Error("no handler", "nick", s.nick, "state", s.state, "type", msg.Kind())
	return nil
}

func (s *Server) login(m protocol.Login) func() {
	hub := s.hub
	if m.Nick == "" {
		hub.logger.Error("login without nick")
		return nil
	}
	if other, ok := hub.pool[m.Nick]; ok && other != s {
		hub.logger.Error("duplicate user nick", "nick", m.Nick)
		return nil
	}
	s.nick = m.Nick
	s.state = stateLoggedIn
	hub.pool[m.Nick] = s
	hub.logger.Info("logged in", "nick", m.Nick)
	return nil
}

func (s *Server) call(m protocol.Call) func() {
	hub := s.hub
	if _, ok := hub.pool[m.To]; !ok || m.To == s.nick {
		hub.logger.Error("call to unreachable user", "from", s.nick, "to", m.To)
		return nil
	}
	conv := &conversation{
		id:        uuid.NewString(),
		caller:    s.nick,
		callee:    m.To,
		endpoints: make(map[string]*Server),
	}
	hub.calls[conv.id] = conv
	s.conv = conv
	s.state = stateRendezvous
	hub.logger.Info("incoming call pushed", "from", s.nick, "to", m.To, "call_id", conv.id)

	notify, caller := hub.notify, s.nick
	if notify == nil {
		return nil
	}
	return func() { notify(m.To, caller, conv.id) }
}

func (s *Server) accept(m protocol.Accept) {
	hub := s.hub
	conv := hub.calls[m.CallID]
	if conv == nil {
		hub.logger.Info("accept: call has been cancelled", "call_id", m.CallID)
		s.deliver(protocol.Cancelled{CallID: m.CallID})
		return
	}
	caller := hub.pool[m.To]
	if caller == nil {
		hub.logger.Error("accept: user not found", "nick", m.To)
		return
	}
	s.conv = conv
	conv.endpoints[s.nick] = s
	s.state = stateSignalling
	caller.onAccepted(s.nick)
}

func (s *Server) refuse(m protocol.Refuse) {
	hub := s.hub
	conv := hub.calls[m.CallID]
	if conv == nil {
		hub.logger.Info("refuse: call has been cancelled", "call_id", m.CallID)
		s.deliver(protocol.Cancelled{CallID: m.CallID})
		return
	}
	caller := hub.pool[m.To]
	if caller == nil {
		hub.logger.Error("refuse: user not found", "nick", m.To)
		return
	}
	hub.endCall(conv.id)
	caller.onRefused(s.nick)
	hub.logger.Info("refused", "from", s.nick, "to", m.To)
}

func (s *Server) cancel() {
	hub := s.hub
	conv := s.conv
	hub.endCall(conv.id)
	s.conv = nil
	s.state = stateLoggedIn
	// a callee that already learned about the call hears about the cancel
	if callee := hub.pool[conv.callee]; callee != nil && callee.state == stateLoggedIn {
		callee.deliver(protocol.Cancelled{CallID: conv.id})
	}
	hub.logger.Info("call cancelled", "call_id", conv.id, "by", s.nick)
}

func (s *Server) hangup() {
	conv := s.conv
	delete(conv.endpoints, s.nick)
	for _, other := range conv.endpoints {
		other.deliver(protocol.HungUp{From: s.nick, CallID: conv.id})
		other.conv = nil
		other.state = stateLoggedIn
	}
	s.hub.endCall(conv.id)
	s.conv = nil
	s.state = stateLoggedIn
	s.hub.logger.Info("call hangup", "call_id", conv.id, "by", s.nick)
}

func (s *Server) onAccepted(callee string) {
	if s.state != stateRendezvous {
		s.hub.logger.Error("accepted call in wrong state", "nick", s.nick, "state", s.state)
		return
	}
	s.conv.endpoints[s.nick] = s
	s.state = stateSignalling
	s.deliver(protocol.Accepted{From: s.nick, To: callee})
}

func (s *Server) onRefused(callee string) {
	if s.state != stateRendezvous {
		s.hub.logger.Error("refused call in wrong state", "nick", s.nick, "state", s.state)
		return
	}
	s.conv = nil
	s.state = stateLoggedIn
	s.deliver(protocol.Refused{From: s.nick, To: callee})
}
