package call

import (
	"sync/atomic"

	"github.com/shynome/deepnoise/audio"
)

// lateTransform passes audio through untouched until the real transform has
// been loaded, which may finish after media started flowing.
type lateTransform struct {
	tr atomic.Pointer[audio.Transform]
}

func (l *lateTransform) set(tr audio.Transform) { l.tr.Store(&tr) }

func (l *lateTransform) Process(frame []int16) {
	if tr := l.tr.Load(); tr != nil {
		(*tr).Process(frame)
	}
}
