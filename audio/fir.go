package audio

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/lainio/err2"
	"github.com/lainio/err2/try"
	"gopkg.in/yaml.v3"
)

var ErrBadModel = errors.New("bad filter model")

// FIR is a finite impulse response filter.
type FIR struct {
	kernel  []float64
	history []int16
	pos     int
}

func NewFIR(taps []float64) (*FIR, error) {
	if len(taps) == 0 {
		return nil, fmt.Errorf("%w: no taps", ErrBadModel)
	}
	return &FIR{
		kernel:  append([]float64(nil), taps...),
		history: make([]int16, len(taps)),
	}, nil
}

// LowPassTaps builds a Blackman windowed sinc kernel. cutoff is a fraction
// of the sample rate in (0, 0.5).
func LowPassTaps(cutoff float64, size int) ([]float64, error) {
	if cutoff <= 0 || cutoff >= 0.5 {
		return nil, fmt.Errorf("%w: cutoff %v out of (0, 0.5)", ErrBadModel, cutoff)
	}
	if size < 1 {
		return nil, fmt.Errorf("%w: kernel size %d", ErrBadModel, size)
	}
	taps := make([]float64, size)
	var sum float64
	for i := range taps {
		m := float64(i - size/2)
		if m == 0 {
			taps[i] = 2 * math.Pi * cutoff
		} else {
			taps[i] = math.Sin(2*math.Pi*cutoff*m) / m
			taps[i] *= 0.42 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(size)) +
				0.08*math.Cos(4*math.Pi*float64(i)/float64(size))
		}
		sum += taps[i]
	}
	for i := range taps {
		taps[i] /= sum
	}
	return taps, nil
}

func (f *FIR) Process(frame []int16) {
	n := len(f.kernel)
	for i, s := range frame {
		f.history[f.pos] = s
		var acc float64
		idx := f.pos
		for _, k := range f.kernel {
			acc += k * float64(f.history[idx])
			if idx == 0 {
				idx = n
			}
			idx--
		}
		f.pos = (f.pos + 1) % n
		frame[i] = clamp16(acc)
	}
}

func clamp16(v float64) int16 {
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(math.Round(v))
}

// Model is the on-disk description of a filter: either explicit taps or a
// low pass given by cutoff and kernel size.
type Model struct {
	Taps       []float64 `yaml:"taps"`
	Cutoff     float64   `yaml:"cutoff"`
	KernelSize int       `yaml:"kernel_size"`
}

func ParseModel(data []byte) (*Model, error) {
	m := new(Model)
	if err := yaml.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadModel, err)
	}
	return m, nil
}

func (m *Model) Build() (*FIR, error) {
	if len(m.Taps) > 0 {
		return NewFIR(m.Taps)
	}
	taps, err := LowPassTaps(m.Cutoff, m.KernelSize)
	if err != nil {
		return nil, err
	}
	return NewFIR(taps)
}

// FileLoader reads a Model from Path on every Load, so each call starts
// with fresh filter state.
type FileLoader struct {
	Path string
}

func (l FileLoader) Load(ctx context.Context) (tr Transform, err error) {
	defer err2.Handle(&err, "load model %s", l.Path)
	try.To(ctx.Err())
	data := try.To1(os.ReadFile(l.Path))
	m := try.To1(ParseModel(data))
	return m.Build()
}
