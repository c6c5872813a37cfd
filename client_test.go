package deepnoise

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lainio/err2/assert"
	"github.com/lainio/err2/try"
	"github.com/shynome/deepnoise/call"
	"github.com/shynome/deepnoise/config"
	"github.com/shynome/deepnoise/signaler/local"
)

type recordUI struct {
	mu    sync.Mutex
	ended []call.EndReason
}

func (u *recordUI) OnModelLoadFailure(error) {}
func (u *recordUI) OnCallRefused()           {}
func (u *recordUI) OnNegotiationError(error) {}

func (u *recordUI) OnCallEnded(r call.EndReason) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.ended = append(u.ended, r)
}

func (u *recordUI) reasons() []call.EndReason {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]call.EndReason(nil), u.ended...)
}

type peer struct {
	*Client
	ui *recordUI
}

func newPeer(t *testing.T, hub *local.Hub, nick string) peer {
	server := local.NewServer()
	hub.Register(server)

	cfg := config.Default()
	cfg.Nickname = nick
	cfg.Transport = config.TransportLocal
	cfg.Signaling.LoginTimeout = 50 * time.Millisecond

	ui := &recordUI{}
	c := try.To1(New(Options{Config: cfg, UI: ui, Channel: server}))
	t.Cleanup(func() { c.Shutdown(context.Background()) })
	return peer{Client: c, ui: ui}
}

func waitFor(t *testing.T, c *Client, cond func(call.Snapshot) bool) call.Snapshot {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		s := try.To1(c.Snapshot(context.Background()))
		if cond(s) {
			return s
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out, last snapshot %+v", s)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCallOverHub(t *testing.T) {
	hub := local.NewHub()
	alice := newPeer(t, hub, "alice")
	bob := newPeer(t, hub, "bob")
	peers := map[string]peer{"alice": alice, "bob": bob}
	hub.SetNotifier(func(to, caller, callID string) {
		peers[to].Incoming(caller, callID)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	try.To(alice.Start(ctx))
	try.To(bob.Start(ctx))

	alice.Call("bob")
	s := waitFor(t, bob.Client, func(s call.Snapshot) bool { return s.State == call.Incoming })
	assert.Equal(s.Peer, "alice")
	assert.That(s.CallID != "")
	assert.Equal(hub.Calls(), 1)

	bob.Accept()
	negotiated := func(s call.Snapshot) bool {
		return s.State == call.Signalling && s.LocalDescriptionSet && s.RemoteDescriptionSet
	}
	a := waitFor(t, alice.Client, negotiated)
	b := waitFor(t, bob.Client, negotiated)
	assert.Equal(a.Role.String(), "offerer")
	assert.Equal(b.Role.String(), "answerer")

	alice.Hangup()
	waitFor(t, bob.Client, func(s call.Snapshot) bool { return s.State == call.Closed })
	waitFor(t, alice.Client, func(s call.Snapshot) bool { return s.State == call.Closed })
	assert.DeepEqual(alice.ui.reasons(), []call.EndReason{call.LocalHangup})
	assert.DeepEqual(bob.ui.reasons(), []call.EndReason{call.RemoteHangup})
	assert.Equal(hub.Calls(), 0)
}

func TestRefusedOverHub(t *testing.T) {
	hub := local.NewHub()
	alice := newPeer(t, hub, "alice")
	bob := newPeer(t, hub, "bob")
	hub.SetNotifier(func(to, caller, callID string) {
		if to == "bob" {
			bob.Incoming(caller, callID)
		}
	})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	try.To(alice.Start(ctx))
	try.To(bob.Start(ctx))

	alice.Call("bob")
	waitFor(t, bob.Client, func(s call.Snapshot) bool { return s.State == call.Incoming })
	bob.Refuse()
	waitFor(t, alice.Client, func(s call.Snapshot) bool { return s.State == call.Closed })
	assert.Equal(len(alice.ui.reasons()), 0)

	try.To(alice.Shutdown(ctx))
	s, err := alice.Snapshot(ctx)
	assert.That(errors.Is(err, call.ErrClosed))
	assert.That(s.ShutDown)
}

func TestKickedDuringCall(t *testing.T) {
	hub := local.NewHub()
	alice := newPeer(t, hub, "alice")
	bob := newPeer(t, hub, "bob")
	hub.SetNotifier(func(to, caller, callID string) {
		if to == "bob" {
			bob.Incoming(caller, callID)
		}
	})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	try.To(alice.Start(ctx))
	try.To(bob.Start(ctx))

	alice.Call("bob")
	waitFor(t, bob.Client, func(s call.Snapshot) bool { return s.State == call.Incoming })
	bob.Accept()
	waitFor(t, alice.Client, func(s call.Snapshot) bool { return s.State == call.Signalling })

	assert.That(hub.Kick("alice"))
	waitFor(t, alice.Client, func(s call.Snapshot) bool { return s.State == call.Closed })
	waitFor(t, bob.Client, func(s call.Snapshot) bool { return s.State == call.Closed })
	assert.DeepEqual(alice.ui.reasons(), []call.EndReason{call.TransportLost})
	assert.DeepEqual(bob.ui.reasons(), []call.EndReason{call.RemoteHangup})
	assert.Equal(hub.Calls(), 0)
}

func TestNewValidates(t *testing.T) {
	_, err := New(Options{Config: config.Default()})
	assert.That(errors.Is(err, config.ErrInvalid))

	cfg := config.Default()
	cfg.Nickname = "alice"
	cfg.Transport = config.TransportLocal
	_, err = New(Options{Config: cfg})
	assert.That(errors.Is(err, ErrNoChannel))
}
