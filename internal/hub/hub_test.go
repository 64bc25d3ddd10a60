package hub

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/mjpeg-relay/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/mjpeg-relay/pkg/types"
)

func frameN(n int) types.Frame {
	return types.NewFrame([]byte(strconv.Itoa(n)))
}

func seqOf(t *testing.T, f types.Frame) int {
	t.Helper()
	n, err := strconv.Atoi(string(f.Payload()))
	require.NoError(t, err)
	return n
}

func publishRange(t *testing.T, h *Hub, from, to int) {
	t.Helper()
	for i := from; i < to; i++ {
		require.NoError(t, h.Publish(frameN(i)))
	}
}

func nextWithin(t *testing.T, s *Subscription) (types.Frame, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.Next(ctx)
}

func TestSubscriptionReceivesInOrder(t *testing.T) {
	h := New(8, LagSkip, nil)
	s := h.Subscribe()
	defer s.Close()

	publishRange(t, h, 0, 3)

	for i := 0; i < 3; i++ {
		f, err := nextWithin(t, s)
		require.NoError(t, err)
		assert.Equal(t, i, seqOf(t, f))
	}
}

func TestSubscribeDoesNotReplayHistory(t *testing.T) {
	h := New(8, LagSkip, nil)
	publishRange(t, h, 0, 2)

	s := h.Subscribe()
	defer s.Close()
	publishRange(t, h, 2, 3)

	f, err := nextWithin(t, s)
	require.NoError(t, err)
	assert.Equal(t, 2, seqOf(t, f))
}

func TestLaggingSubscriberSkipsToOldestRetained(t *testing.T) {
	const capacity, k = 4, 3
	m := metrics.New()
	h := New(capacity, LagSkip, m)
	s := h.Subscribe()
	defer s.Close()

	publishRange(t, h, 0, capacity+k)

	f, err := nextWithin(t, s)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, seqOf(t, f), k)

	prev := seqOf(t, f)
	for i := 1; i < capacity; i++ {
		f, err := nextWithin(t, s)
		require.NoError(t, err)
		assert.Greater(t, seqOf(t, f), prev)
		prev = seqOf(t, f)
	}
	assert.Equal(t, capacity+k-1, prev)
	assert.Equal(t, uint64(k), h.Stats().Skipped)
	assert.Equal(t, uint64(k), m.FramesSkipped.Load())
}

func TestLagReportPolicy(t *testing.T) {
	h := New(2, LagReport, nil)
	s := h.Subscribe()
	defer s.Close()

	publishRange(t, h, 0, 5)

	_, err := nextWithin(t, s)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLagged))
	var lagErr *LagError
	require.True(t, errors.As(err, &lagErr))
	assert.Equal(t, uint64(3), lagErr.Missed)

	f, err := nextWithin(t, s)
	require.NoError(t, err)
	assert.Equal(t, 3, seqOf(t, f))
}

func TestNextBlocksUntilPublish(t *testing.T) {
	h := New(4, LagSkip, nil)
	s := h.Subscribe()
	defer s.Close()

	got := make(chan types.Frame, 1)
	go func() {
		f, err := nextWithin(t, s)
		if err == nil {
			got <- f
		}
		close(got)
	}()

	select {
	case <-got:
		t.Fatal("Next returned before anything was published")
	case <-time.After(50 * time.Millisecond):
	}

	publishRange(t, h, 0, 1)
	f, ok := <-got
	require.True(t, ok)
	assert.Equal(t, 0, seqOf(t, f))
}

func TestNextHonoursContext(t *testing.T) {
	h := New(4, LagSkip, nil)
	s := h.Subscribe()
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCloseDrainsThenEnds(t *testing.T) {
	h := New(4, LagSkip, nil)
	s := h.Subscribe()
	defer s.Close()

	publishRange(t, h, 0, 2)
	cause := errors.New("transcoder exited")
	h.Close(cause)

	for i := 0; i < 2; i++ {
		f, err := nextWithin(t, s)
		require.NoError(t, err)
		assert.Equal(t, i, seqOf(t, f))
	}

	_, err := nextWithin(t, s)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, cause, h.Err())
	assert.ErrorIs(t, h.Publish(frameN(9)), ErrClosed)
	assert.True(t, h.Closed())
}

func TestCloseWakesWaiters(t *testing.T) {
	h := New(4, LagSkip, nil)
	s := h.Subscribe()
	defer s.Close()

	done := make(chan error, 1)
	go func() {
		_, err := nextWithin(t, s)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	h.Close(nil)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("waiter not released by Close")
	}
}

func TestSubscriptionCloseReleasesSlot(t *testing.T) {
	h := New(4, LagSkip, nil)
	a := h.Subscribe()
	b := h.Subscribe()
	assert.NotEqual(t, a.ID(), b.ID())
	assert.Equal(t, 2, h.Subscribers())

	a.Close()
	a.Close()
	assert.Equal(t, 1, h.Subscribers())

	b.Close()
	assert.Equal(t, 0, h.Stats().Subscribers)
}

func TestPublishNeverBlocksOnIdleSubscriber(t *testing.T) {
	h := New(3, LagSkip, nil)
	idle := h.Subscribe()
	defer idle.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			_ = h.Publish(frameN(i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked by an idle subscriber")
	}

	st := h.Stats()
	assert.Equal(t, uint64(10000), st.Published)
	assert.Equal(t, 3, st.Retained)
}

func TestCapacityFloor(t *testing.T) {
	h := New(0, LagSkip, nil)
	assert.Equal(t, 1, h.Capacity())
}

func TestIndependentlyPacedSubscribers(t *testing.T) {
	const total = 500
	h := New(16, LagSkip, nil)

	paces := []time.Duration{0, 10 * time.Microsecond, 200 * time.Microsecond, time.Millisecond}
	var wg sync.WaitGroup
	results := make([][]int, len(paces))

	for i, pace := range paces {
		s := h.Subscribe()
		wg.Add(1)
		go func(i int, s *Subscription, pace time.Duration) {
			defer wg.Done()
			defer s.Close()
			for {
				f, err := s.Next(context.Background())
				if err != nil {
					return
				}
				n, _ := strconv.Atoi(string(f.Payload()))
				results[i] = append(results[i], n)
				time.Sleep(pace)
			}
		}(i, s, pace)
	}

	for i := 0; i < total; i++ {
		require.NoError(t, h.Publish(frameN(i)))
		if i%50 == 0 {
			time.Sleep(time.Millisecond)
		}
	}
	h.Close(nil)
	wg.Wait()

	for i, seen := range results {
		require.NotEmpty(t, seen, "subscriber %d saw nothing", i)
		for j := 1; j < len(seen); j++ {
			assert.Greater(t, seen[j], seen[j-1], "subscriber %d out of order", i)
		}
		assert.Equal(t, total-1, seen[len(seen)-1], "subscriber %d missed the tail", i)
	}
	assert.Equal(t, 0, h.Subscribers())
}

func TestParseLagPolicy(t *testing.T) {
	p, err := ParseLagPolicy("report")
	require.NoError(t, err)
	assert.Equal(t, LagReport, p)
	assert.Equal(t, "report", p.String())

	p, err = ParseLagPolicy("")
	require.NoError(t, err)
	assert.Equal(t, LagSkip, p)

	_, err = ParseLagPolicy("block")
	assert.Error(t, err)
}
