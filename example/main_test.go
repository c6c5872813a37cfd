package main

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/lainio/err2/assert"
	"github.com/lainio/err2/try"
	"github.com/shynome/deepnoise"
	"github.com/shynome/deepnoise/call"
)

func waitState(t *testing.T, c *deepnoise.Client, want func(call.Snapshot) bool) call.Snapshot {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		s := try.To1(c.Snapshot(context.Background()))
		if want(s) || time.Now().After(deadline) {
			return s
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestCall(t *testing.T) {
	ctx := context.Background()
	hub := newHub()
	callee, _ := startCallee(ctx, hub)
	defer callee.Shutdown(ctx)
	caller := startCaller(ctx, hub)
	defer caller.Shutdown(ctx)

	caller.Call("callee")
	s := waitState(t, caller, func(s call.Snapshot) bool { return s.RemoteDescriptionSet })
	assert.Equal(s.State, call.Signalling)
	s = waitState(t, callee, func(s call.Snapshot) bool { return s.LocalDescriptionSet })
	assert.Equal(s.State, call.Signalling)
	assert.Equal(s.Peer, "caller")

	caller.Hangup()
	s = waitState(t, callee, func(s call.Snapshot) bool { return s.State == call.Closed })
	assert.Equal(s.State, call.Closed)
}

func TestCallAgain(t *testing.T) {
	ctx := context.Background()
	hub := newHub()
	callee, _ := startCallee(ctx, hub)
	defer callee.Shutdown(ctx)
	caller := startCaller(ctx, hub)
	defer caller.Shutdown(ctx)

	for i := 1; i <= 2; i++ {
		caller.Call("callee")
		waitState(t, callee, func(s call.Snapshot) bool { return s.State == call.Signalling })
		callee.Hangup()
		s := waitState(t, caller, func(s call.Snapshot) bool { return s.State == call.Closed && s.Calls == i })
		assert.Equal(s.Calls, i)
		assert.Equal(s.State, call.Closed)
	}
}

var debug = false

func TestMain(m *testing.M) {
	debug = strings.HasSuffix(os.Args[0], "__debug_bin")
	if !debug {
		loglevel = slog.LevelError
	}
	os.Exit(m.Run())
}
