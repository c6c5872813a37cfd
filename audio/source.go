package audio

import (
	"math"
	"sync"
)

// Source produces the local side of a call, one frame per Read.
type Source interface {
	Read(frame []int16) error
}

// Sink consumes played back audio.
type Sink interface {
	Write(frame []int16) error
}

type silence struct{}

func (silence) Read(frame []int16) error {
	clear(frame)
	return nil
}

var Silence Source = silence{}

// Tone is a sine wave source.
type Tone struct {
	Freq      float64
	Amplitude int16
	n         int
}

func (t *Tone) Read(frame []int16) error {
	amp := float64(t.Amplitude)
	if amp == 0 {
		amp = math.MaxInt16 / 4
	}
	for i := range frame {
		frame[i] = int16(amp * math.Sin(2*math.Pi*t.Freq*float64(t.n)/SampleRate))
		t.n++
	}
	return nil
}

type discard struct{}

func (discard) Write([]int16) error { return nil }

var Discard Sink = discard{}

// Meter is a Sink that only keeps count of what it was given.
type Meter struct {
	mu      sync.Mutex
	samples int
	peak    int16
}

func (m *Meter) Write(frame []int16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples += len(frame)
	for _, s := range frame {
		if s < 0 {
			s = -s
		}
		if s > m.peak {
			m.peak = s
		}
	}
	return nil
}

func (m *Meter) Samples() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.samples
}

func (m *Meter) Peak() int16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peak
}
