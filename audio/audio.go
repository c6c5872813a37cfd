// Package audio holds what the call pipeline needs around the media
// engine: the per-call speech transform applied on playback, a G.711 µ-law
// codec for the PCMU track, and simple PCM sources and sinks.
package audio

import (
	"context"
	"time"
)

const (
	SampleRate    = 8000
	FrameSamples  = 160
	FrameDuration = 20 * time.Millisecond
)

// Transform processes one frame of 16 bit PCM in place. A Transform keeps
// state between frames and belongs to a single call.
type Transform interface {
	Process(frame []int16)
}

type TransformFunc func(frame []int16)

func (f TransformFunc) Process(frame []int16) { f(frame) }

// Identity leaves audio untouched. Calls fall back to it when the model
// cannot be loaded.
var Identity Transform = TransformFunc(func([]int16) {})

// Loader builds a fresh Transform for a call.
type Loader interface {
	Load(ctx context.Context) (Transform, error)
}

type LoaderFunc func(ctx context.Context) (Transform, error)

func (f LoaderFunc) Load(ctx context.Context) (Transform, error) { return f(ctx) }

// Framer feeds a Transform with frames of a fixed size whatever the size of
// the incoming chunks, and passes processed frames on to out.
type Framer struct {
	size int
	tr   Transform
	buf  []int16
	out  func([]int16)
}

func NewFramer(size int, tr Transform, out func([]int16)) *Framer {
	if size <= 0 {
		size = FrameSamples
	}
	if tr == nil {
		tr = Identity
	}
	return &Framer{
		size: size,
		tr:   tr,
		buf:  make([]int16, 0, size),
		out:  out,
	}
}

func (f *Framer) Write(pcm []int16) {
	for len(pcm) > 0 {
		n := min(f.size-len(f.buf), len(pcm))
		f.buf = append(f.buf, pcm[:n]...)
		pcm = pcm[n:]
		if len(f.buf) == f.size {
			f.tr.Process(f.buf)
			f.out(f.buf)
			f.buf = f.buf[:0]
		}
	}
}

// Pending returns the number of buffered samples not yet processed.
func (f *Framer) Pending() int { return len(f.buf) }
