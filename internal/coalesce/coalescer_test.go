package coalesce

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoSingleCaller(t *testing.T) {
	c := New[string](time.Second)

	out, coalesced, err := c.Do(context.Background(), "fp", func(ctx context.Context) (string, error) {
		return "result", nil
	})
	require.NoError(t, err)
	assert.False(t, coalesced)
	assert.Equal(t, "result", out)
	assert.Equal(t, 0, c.InFlight())
}

func TestDoCoalescesConcurrentIdenticalCallers(t *testing.T) {
	c := New[int](5 * time.Second)

	var calls atomic.Int64
	release := make(chan struct{})
	producer := func(ctx context.Context) (int, error) {
		calls.Add(1)
		<-release
		return 42, nil
	}

	const n = 10
	var wg sync.WaitGroup
	results := make([]int, n)
	coalescedCount := atomic.Int64{}

	// First caller claims the slot before the rest attach.
	wg.Add(1)
	go func() {
		defer wg.Done()
		v, _, err := c.Do(context.Background(), "fp", producer)
		assert.NoError(t, err)
		results[0] = v
	}()
	require.Eventually(t, func() bool { return c.InFlight() == 1 }, time.Second, time.Millisecond)

	for i := 1; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, coalesced, err := c.Do(context.Background(), "fp", producer)
			assert.NoError(t, err)
			if coalesced {
				coalescedCount.Add(1)
			}
			results[i] = v
		}(i)
	}
	require.Eventually(t, func() bool { return c.CoalescedRequests() == n-1 }, time.Second, time.Millisecond)

	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load(), "producer must run exactly once")
	assert.Equal(t, int64(n-1), coalescedCount.Load())
	for i, v := range results {
		assert.Equal(t, 42, v, "caller %d", i)
	}
	assert.GreaterOrEqual(t, c.PeakConcurrentWaiters(), int64(n-1))
	assert.Equal(t, 0, c.InFlight())
}

func TestDoDistinctFingerprintsDoNotCoalesce(t *testing.T) {
	c := New[int](time.Second)

	var calls atomic.Int64
	producer := func(ctx context.Context) (int, error) {
		calls.Add(1)
		return 1, nil
	}

	_, _, err := c.Do(context.Background(), "a", producer)
	require.NoError(t, err)
	_, _, err = c.Do(context.Background(), "b", producer)
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load())
}

func TestDoPropagatesProducerError(t *testing.T) {
	c := New[int](time.Second)
	boom := errors.New("upstream down")

	_, _, err := c.Do(context.Background(), "fp", func(ctx context.Context) (int, error) {
		return 0, boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestWaiterCancellationDoesNotCancelProducer(t *testing.T) {
	c := New[int](5 * time.Second)

	producerDone := make(chan error, 1)
	release := make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_, _, err := c.Do(ctx, "fp", func(pctx context.Context) (int, error) {
			<-release
			producerDone <- pctx.Err()
			return 7, nil
		})
		_ = err
	}()
	require.Eventually(t, func() bool { return c.InFlight() == 1 }, time.Second, time.Millisecond)

	// The initiating caller walks away; the producer must keep going on its
	// detached context.
	cancel()
	close(release)

	select {
	case perr := <-producerDone:
		assert.NoError(t, perr)
	case <-time.After(time.Second):
		t.Fatal("producer never completed")
	}
}

func TestWaiterContextCancellationReturnsEarly(t *testing.T) {
	c := New[int](5 * time.Second)
	release := make(chan struct{})
	defer close(release)

	go c.Do(context.Background(), "fp", func(ctx context.Context) (int, error) {
		<-release
		return 1, nil
	})
	require.Eventually(t, func() bool { return c.InFlight() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, coalesced, err := c.Do(ctx, "fp", func(ctx context.Context) (int, error) {
		t.Fatal("second caller must not become a producer")
		return 0, nil
	})
	assert.True(t, coalesced)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestProducerTimeout(t *testing.T) {
	c := New[int](30 * time.Millisecond)

	_, _, err := c.Do(context.Background(), "fp", func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFingerprint(t *testing.T) {
	body := []byte(`{"m":[{"r":"user","c":"hi"}]}`)

	base := Fingerprint("p1", "openai", "gpt-4o", false, body)
	assert.Len(t, base, 64)

	assert.Equal(t, base, Fingerprint("p1", "openai", "gpt-4o", false, body))
	assert.NotEqual(t, base, Fingerprint("p2", "openai", "gpt-4o", false, body))
	assert.NotEqual(t, base, Fingerprint("p1", "groq", "gpt-4o", false, body))
	assert.NotEqual(t, base, Fingerprint("p1", "openai", "gpt-4o-mini", false, body))
	assert.NotEqual(t, base, Fingerprint("p1", "openai", "gpt-4o", false, []byte("other")))

	// Streaming and non-streaming identities never collide.
	assert.NotEqual(t, base, Fingerprint("p1", "openai", "gpt-4o", true, body))
}
