package actor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lainio/err2/assert"
)

func TestMailboxFIFO(t *testing.T) {
	box := NewMailbox[int]()
	for i := 0; i < 100; i++ {
		box.Post(i)
	}
	box.Close()

	var got []int
	box.Run(context.Background(), func(v int) { got = append(got, v) })

	assert.Equal(len(got), 100)
	for i, v := range got {
		assert.Equal(v, i)
	}
}

func TestMailboxPostAfterClose(t *testing.T) {
	box := NewMailbox[string]()
	assert.That(box.Post("a"))
	box.Close()
	assert.That(!box.Post("b"))
	assert.Equal(box.Len(), 1)
}

func TestMailboxConcurrentProducers(t *testing.T) {
	box := NewMailbox[int]()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu   sync.Mutex
		seen = map[int][]int{}
		done = make(chan struct{})
	)
	go func() {
		defer close(done)
		box.Run(ctx, func(v int) {
			mu.Lock()
			seen[v/1000] = append(seen[v/1000], v%1000)
			mu.Unlock()
		})
	}()

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				box.Post(p*1000 + i)
			}
		}(p)
	}
	wg.Wait()
	box.Close()
	<-done

	// per-sender order is preserved
	for p := 0; p < 4; p++ {
		assert.Equal(len(seen[p]), 200)
		for i, v := range seen[p] {
			assert.Equal(v, i)
		}
	}
}

func TestMailboxRunStopsOnContext(t *testing.T) {
	box := NewMailbox[int]()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		box.Run(ctx, func(int) {})
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestFutureSingleResolution(t *testing.T) {
	f := NewFuture[string]()
	assert.That(f.Resolve("first"))
	assert.That(!f.Resolve("second"))
	assert.That(!f.Reject(errors.New("late")))

	v, err := f.Result(context.Background())
	assert.That(err == nil)
	assert.Equal(v, "first")
}

func TestFutureReject(t *testing.T) {
	boom := errors.New("boom")
	f := NewFuture[int]()
	f.Reject(boom)
	_, err := f.Result(context.Background())
	assert.That(errors.Is(err, boom))
}

func TestFutureResultTimeout(t *testing.T) {
	f := NewFuture[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := f.Result(ctx)
	assert.That(errors.Is(err, context.DeadlineExceeded))
}
