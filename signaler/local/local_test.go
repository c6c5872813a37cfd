package local

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lainio/err2/assert"
	"github.com/lainio/err2/try"
	"github.com/pion/webrtc/v3"
	"github.com/shynome/deepnoise/protocol"
	"github.com/shynome/deepnoise/signaler"
)

type peer struct {
	t      *testing.T
	server *Server
	events <-chan signaler.Event
}

func connect(t *testing.T, hub *Hub, nick string) *peer {
	s := NewServer()
	hub.Register(s)
	p := &peer{t: t, server: s, events: try.To1(s.Open(context.Background()))}
	assert.Equal(p.event().Kind, signaler.Opened)
	p.send(protocol.Login{Nick: nick})
	return p
}

func (p *peer) send(msg protocol.Message) {
	try.To(p.server.Send(try.To1(protocol.Encode(msg))))
}

func (p *peer) event() signaler.Event {
	p.t.Helper()
	select {
	case ev := <-p.events:
		return ev
	case <-time.After(2 * time.Second):
		p.t.Fatal("timeout waiting for event")
	}
	return signaler.Event{}
}

func (p *peer) recv() protocol.Message {
	p.t.Helper()
	ev := p.event()
	assert.Equal(ev.Kind, signaler.Message)
	return try.To1(protocol.Decode(ev.Data))
}

func (p *peer) quiet() {
	p.t.Helper()
	select {
	case ev := <-p.events:
		p.t.Fatalf("unexpected event %s %s", ev.Kind, ev.Data)
	case <-time.After(20 * time.Millisecond):
	}
}

type push struct{ to, caller, callID string }

func newHub() (*Hub, chan push) {
	hub := NewHub()
	pushes := make(chan push, 4)
	hub.SetNotifier(func(to, caller, callID string) {
		pushes <- push{to, caller, callID}
	})
	return hub, pushes
}

func TestCallAcceptRelay(t *testing.T) {
	hub, pushes := newHub()
	alice, bob := connect(t, hub, "alice"), connect(t, hub, "bob")

	alice.send(protocol.Call{From: "alice", To: "bob"})
	p := <-pushes
	assert.Equal(p.to, "bob")
	assert.Equal(p.caller, "alice")
	assert.That(p.callID != "")

	bob.send(protocol.Accept{From: "bob", To: "alice", CallID: p.callID})
	acc, ok := alice.recv().(protocol.Accepted)
	assert.That(ok)
	assert.Equal(acc.From, "alice")
	assert.Equal(acc.To, "bob")

	offer := protocol.NewOffer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "o"}, true)
	alice.send(offer)
	got, ok := bob.recv().(protocol.Offer)
	assert.That(ok)
	assert.Equal(got.SDP, "o")

	bob.send(protocol.NewAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "a"}, true))
	ans, ok := alice.recv().(protocol.Answer)
	assert.That(ok)
	assert.Equal(ans.SDP, "a")
	alice.quiet()

	bob.send(protocol.Hangup{})
	hung, ok := alice.recv().(protocol.HungUp)
	assert.That(ok)
	assert.Equal(hung.From, "bob")
	assert.Equal(hung.CallID, p.callID)
	assert.Equal(hub.Calls(), 0)

	// both sides are free for a new call
	bob.send(protocol.Call{From: "bob", To: "alice"})
	assert.Equal((<-pushes).to, "alice")
}

func TestRefuse(t *testing.T) {
	hub, pushes := newHub()
	alice, bob := connect(t, hub, "alice"), connect(t, hub, "bob")

	alice.send(protocol.Call{From: "alice", To: "bob"})
	p := <-pushes
	bob.send(protocol.Refuse{From: "bob", To: "alice", CallID: p.callID})
	ref, ok := alice.recv().(protocol.Refused)
	assert.That(ok)
	assert.Equal(ref.To, "bob")
	assert.Equal(hub.Calls(), 0)
}

func TestCancelBeforeAccept(t *testing.T) {
	hub, pushes := newHub()
	alice, bob := connect(t, hub, "alice"), connect(t, hub, "bob")

	alice.send(protocol.Call{From: "alice", To: "bob"})
	p := <-pushes
	alice.send(protocol.Cancel{})
	c, ok := bob.recv().(protocol.Cancelled)
	assert.That(ok)
	assert.Equal(c.CallID, p.callID)

	// a late accept is answered with CANCELLED
	bob.send(protocol.Accept{From: "bob", To: "alice", CallID: p.callID})
	c, ok = bob.recv().(protocol.Cancelled)
	assert.That(ok)
	assert.Equal(c.CallID, p.callID)
	alice.quiet()
}

func TestCancelNamesCall(t *testing.T) {
	hub, pushes := newHub()
	alice, bob := connect(t, hub, "alice"), connect(t, hub, "bob")
	carol := connect(t, hub, "carol")

	carol.send(protocol.Call{From: "carol", To: "bob"})
	fromCarol := <-pushes
	alice.send(protocol.Call{From: "alice", To: "bob"})
	fromAlice := <-pushes
	assert.That(fromAlice.callID != fromCarol.callID)

	alice.send(protocol.Cancel{})
	c, ok := bob.recv().(protocol.Cancelled)
	assert.That(ok)
	assert.Equal(c.CallID, fromAlice.callID)
	assert.Equal(hub.Calls(), 1)

	bob.send(protocol.Accept{From: "bob", To: "carol", CallID: fromCarol.callID})
	_, ok = carol.recv().(protocol.Accepted)
	assert.That(ok)
}

func TestOutOfStateIgnored(t *testing.T) {
	hub, _ := newHub()
	alice := connect(t, hub, "alice")
	bob := NewServer()
	hub.Register(bob)
	events := try.To1(bob.Open(context.Background()))
	<-events

	// CALL before LOGIN does nothing
	try.To(bob.Send(try.To1(protocol.Encode(protocol.Call{From: "bob", To: "alice"}))))
	assert.Equal(hub.Calls(), 0)
	alice.send(protocol.Hangup{})
	alice.quiet()
}

func TestDropAndClose(t *testing.T) {
	hub, pushes := newHub()
	alice, bob := connect(t, hub, "alice"), connect(t, hub, "bob")
	alice.send(protocol.Call{From: "alice", To: "bob"})
	p := <-pushes
	bob.send(protocol.Accept{From: "bob", To: "alice", CallID: p.callID})
	alice.recv()

	assert.That(hub.Drop("bob"))
	ev := bob.event()
	assert.Equal(ev.Kind, signaler.Closed)
	assert.That(errors.Is(ev.Err, ErrDropped))
	assert.That(errors.Is(bob.server.Send([]byte("{}")), signaler.ErrNotOpen))

	_, ok := alice.recv().(protocol.HungUp)
	assert.That(ok)
	assert.That(hub.Find("bob") == nil)

	alice.send(protocol.Close{})
	ev = alice.event()
	assert.Equal(ev.Kind, signaler.Closed)
	assert.That(ev.Err == nil)
	try.To(alice.server.Close())
}

func TestOpenNeedsHub(t *testing.T) {
	_, err := NewServer().Open(context.Background())
	assert.That(err != nil)
}
