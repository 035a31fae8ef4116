package xsync

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLatch(t *testing.T) {
	l := NewLatch()
	assert.False(t, l.Test())

	done := make(chan struct{})
	go func() {
		l.Wait()
		close(done)
	}()

	l.Trigger()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not return after Trigger")
	}
	assert.True(t, l.Test())

	// Triggering twice is a no-op.
	l.Trigger()
	select {
	case <-l.WaitChan():
	default:
		t.Fatal("WaitChan must be closed after Trigger")
	}
}

func TestSemaphore(t *testing.T) {
	const capacity = 3
	const numWorkers = 20
	s := NewSemaphore(capacity)

	var current, peak, total atomic.Int32
	var wg sync.WaitGroup
	for range numWorkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Acquire()
			defer s.Release()
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			current.Add(-1)
			total.Add(1)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(numWorkers), total.Load())
	assert.LessOrEqual(t, peak.Load(), int32(capacity))
}

func TestSemaphoreResize(t *testing.T) {
	s := NewSemaphore(1)
	s.Acquire()

	acquired := make(chan struct{})
	go func() {
		s.Acquire()
		close(acquired)
	}()
	select {
	case <-acquired:
		t.Fatal("second Acquire must block at capacity 1")
	case <-time.After(50 * time.Millisecond):
	}

	// Growing the capacity releases the waiter.
	s.Resize(2)
	select {
	case <-acquired:
	case <-time.After(5 * time.Second):
		t.Fatal("Acquire did not proceed after Resize")
	}
	s.Release()
	s.Release()
}

func TestSemaphoreUnlimited(t *testing.T) {
	s := NewSemaphore(0)
	for range 100 {
		s.Acquire()
	}
	for range 100 {
		s.Release()
	}
}
