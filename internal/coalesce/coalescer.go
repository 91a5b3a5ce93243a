package coalesce

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"
)

// ============================================================================
// REQUEST COALESCER - one upstream call fans out to all identical waiters
// ============================================================================

// slot is one in-flight upstream call. done closes exactly once, after val
// and err are set.
type slot[T any] struct {
	done    chan struct{}
	val     T
	err     error
	waiters int64
}

// Coalescer deduplicates concurrent identical requests by fingerprint. The
// first caller becomes the producer; later callers attach as waiters and
// receive the producer's result. The slot map is the only shared mutable
// structure; the mutex is never held across I/O.
type Coalescer[T any] struct {
	mu    sync.Mutex
	slots map[string]*slot[T]

	// producerTimeout bounds the detached producer call. The producer
	// outlives waiter cancellation, so it needs its own deadline.
	producerTimeout time.Duration

	coalesced   atomic.Int64
	peakWaiters atomic.Int64
}

func New[T any](producerTimeout time.Duration) *Coalescer[T] {
	if producerTimeout <= 0 {
		producerTimeout = 60 * time.Second
	}
	return &Coalescer[T]{
		slots:           make(map[string]*slot[T]),
		producerTimeout: producerTimeout,
	}
}

// Do returns the result for fingerprint, invoking producer at most once
// across all concurrent callers. The bool reports whether this caller
// coalesced onto an existing slot.
//
// Cancellation: ctx cancels only this caller's wait. The producer runs on a
// detached context bounded by producerTimeout; if it fails or times out, all
// waiters receive the same error.
func (c *Coalescer[T]) Do(ctx context.Context, fingerprint string, producer func(context.Context) (T, error)) (T, bool, error) {
	c.mu.Lock()
	if s, ok := c.slots[fingerprint]; ok {
		n := atomic.AddInt64(&s.waiters, 1)
		c.mu.Unlock()

		c.coalesced.Add(1)
		c.updatePeak(n)
		return c.wait(ctx, s)
	}

	s := &slot[T]{done: make(chan struct{})}
	c.slots[fingerprint] = s
	c.mu.Unlock()

	go func() {
		pctx, cancel := context.WithTimeout(context.Background(), c.producerTimeout)
		defer cancel()

		val, err := producer(pctx)

		c.mu.Lock()
		delete(c.slots, fingerprint)
		c.mu.Unlock()

		s.val, s.err = val, err
		close(s.done)
	}()

	res, _, err := c.wait(ctx, s)
	return res, false, err
}

func (c *Coalescer[T]) wait(ctx context.Context, s *slot[T]) (T, bool, error) {
	select {
	case <-s.done:
		return s.val, true, s.err
	case <-ctx.Done():
		var zero T
		return zero, true, ctx.Err()
	}
}

func (c *Coalescer[T]) updatePeak(n int64) {
	for {
		cur := c.peakWaiters.Load()
		if n <= cur || c.peakWaiters.CompareAndSwap(cur, n) {
			return
		}
	}
}

// CoalescedRequests returns how many callers attached to an existing slot.
func (c *Coalescer[T]) CoalescedRequests() int64 { return c.coalesced.Load() }

// PeakConcurrentWaiters returns the highest waiter count seen on one slot.
func (c *Coalescer[T]) PeakConcurrentWaiters() int64 { return c.peakWaiters.Load() }

// InFlight reports the number of open slots.
func (c *Coalescer[T]) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.slots)
}

// Fingerprint hashes the coalescing identity of a request. Streaming and
// non-streaming requests get disjoint fingerprints via the stream flag.
func Fingerprint(projectID, provider, model string, stream bool, canonicalBody []byte) string {
	h := sha256.New()
	h.Write([]byte(projectID))
	h.Write([]byte{0})
	h.Write([]byte(provider))
	h.Write([]byte{0})
	h.Write([]byte(model))
	h.Write([]byte{0})
	if stream {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}
	h.Write([]byte{0})
	h.Write(canonicalBody)
	return hex.EncodeToString(h.Sum(nil))
}
