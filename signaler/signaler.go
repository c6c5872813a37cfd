// Package signaler defines the transport a signaling client talks through.
//
// A Channel carries opaque text frames to and from the signaling server and
// owns reconnection: every successful (re)connect is reported as Opened, and
// a channel that gives up or is closed reports one final Closed before its
// event stream ends.
package signaler

import (
	"context"
	"errors"
	"sync"

	"github.com/shynome/deepnoise/actor"
)

var (
	ErrNotOpen = errors.New("channel is not open")
	ErrGaveUp  = errors.New("channel gave up reconnecting")
)

type Channel interface {
	// Open starts connecting. The returned stream must be drained until it
	// is closed.
	Open(ctx context.Context) (<-chan Event, error)
	// Send queues one text frame. It fails with ErrNotOpen while the
	// channel is not connected.
	Send(frame []byte) error
	Close() error
}

type EventKind int

const (
	Opened EventKind = iota + 1
	Closed
	Message
)

func (k EventKind) String() string {
	switch k {
	case Opened:
		return "opened"
	case Closed:
		return "closed"
	case Message:
		return "message"
	}
	return "unknown"
}

type Event struct {
	Kind EventKind
	Data []byte
	// Err is the cause of a Closed event, nil after a local Close.
	Err error
}

// Emitter hands events to a consumer in order without ever blocking the
// producing goroutine.
type Emitter struct {
	box  *actor.Mailbox[Event]
	out  chan Event
	once sync.Once
}

func NewEmitter() *Emitter {
	e := &Emitter{
		box: actor.NewMailbox[Event](),
		out: make(chan Event),
	}
	go func() {
		defer close(e.out)
		e.box.Run(context.Background(), func(ev Event) { e.out <- ev })
	}()
	return e
}

func (e *Emitter) Events() <-chan Event { return e.out }

func (e *Emitter) Opened() { e.box.Post(Event{Kind: Opened}) }

func (e *Emitter) Message(data []byte) { e.box.Post(Event{Kind: Message, Data: data}) }

// Finish emits the terminal Closed event. Only the first call has effect.
func (e *Emitter) Finish(cause error) {
	e.once.Do(func() {
		e.box.Post(Event{Kind: Closed, Err: cause})
		e.box.Close()
	})
}
