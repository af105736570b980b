package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeSweeper struct {
	mu      sync.Mutex
	results []int
	err     error
	calls   int
}

func (f *fakeSweeper) SweepStale(ctx context.Context, limit int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	if len(f.results) == 0 {
		return 0, nil
	}
	n := f.results[0]
	f.results = f.results[1:]
	return n, nil
}

func (f *fakeSweeper) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestSweeper_Run(t *testing.T) {
	t.Run("sweeps on every tick until cancelled", func(t *testing.T) {
		fake := &fakeSweeper{}
		s := NewSweeper(fake, 5*time.Millisecond, 10)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			s.Run(ctx)
			close(done)
		}()

		assert.Eventually(t, func() bool { return fake.Calls() >= 3 }, time.Second, time.Millisecond)
		cancel()

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("sweeper did not stop after cancel")
		}
	})

	t.Run("drains full batches", func(t *testing.T) {
		fake := &fakeSweeper{results: []int{10, 10, 3}}
		s := NewSweeper(fake, time.Hour, 10)

		s.sweep(context.Background())
		assert.Equal(t, 3, fake.Calls())
	})

	t.Run("stops batch on error", func(t *testing.T) {
		fake := &fakeSweeper{err: errors.New("store down")}
		s := NewSweeper(fake, time.Hour, 10)

		s.sweep(context.Background())
		assert.Equal(t, 1, fake.Calls())
	})
}

func TestNewSweeper_Defaults(t *testing.T) {
	s := NewSweeper(&fakeSweeper{}, 0, 0)
	assert.Equal(t, time.Minute, s.interval)
	assert.Equal(t, 100, s.batchSize)
}
