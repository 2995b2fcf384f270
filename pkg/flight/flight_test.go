package flight

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoCoalescesConcurrentCalls(t *testing.T) {
	g := New[string](0)
	release := make(chan struct{})
	var calls int32

	const callers = 10
	var started, wg sync.WaitGroup
	started.Add(callers)
	results := make([]string, callers)
	sources := make([]Source, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			started.Done()
			v, src, err := g.Do(context.Background(), "k", func(context.Context) (string, error) {
				atomic.AddInt32(&calls, 1)
				<-release
				return "value", nil
			})
			assert.NoError(t, err)
			results[i] = v
			sources[i] = src
		}(i)
	}
	started.Wait()
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	executed := 0
	for i := range results {
		assert.Equal(t, "value", results[i])
		if sources[i] == Executed {
			executed++
		}
	}
	assert.Equal(t, 1, executed)
}

func TestDoReplaysWithinWindow(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	g := New[int](time.Second).WithClock(func() time.Time { return now })
	var calls int

	fn := func(context.Context) (int, error) {
		calls++
		return calls, nil
	}

	v, src, err := g.Do(context.Background(), "k", fn)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	assert.Equal(t, Executed, src)

	now = now.Add(500 * time.Millisecond)
	v, src, err = g.Do(context.Background(), "k", fn)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	assert.Equal(t, Cached, src)

	now = now.Add(time.Second)
	v, src, err = g.Do(context.Background(), "k", fn)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
	assert.Equal(t, Executed, src)
	assert.Equal(t, 2, calls)
}

func TestDoReplaysErrorsAndEvicts(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	g := New[int](time.Second).WithClock(func() time.Time { return now })
	boom := errors.New("boom")

	_, _, err := g.Do(context.Background(), "a", func(context.Context) (int, error) { return 0, boom })
	assert.ErrorIs(t, err, boom)
	_, src, err := g.Do(context.Background(), "a", func(context.Context) (int, error) { return 1, nil })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, Cached, src)

	_, _, _ = g.Do(context.Background(), "b", func(context.Context) (int, error) { return 2, nil })
	assert.Equal(t, 2, g.held())

	now = now.Add(2 * time.Second)
	_, _, _ = g.Do(context.Background(), "c", func(context.Context) (int, error) { return 3, nil })
	assert.Equal(t, 1, g.held())

	g.Forget("c")
	assert.Equal(t, 0, g.held())
}

func TestDoDetachesWorkFromCallerContext(t *testing.T) {
	g := New[string](0)
	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan error, 1)
	entered := make(chan struct{})
	returned := make(chan struct{})

	go func() {
		defer close(returned)
		_, src, err := g.Do(ctx, "k", func(work context.Context) (string, error) {
			close(entered)
			time.Sleep(30 * time.Millisecond)
			finished <- work.Err()
			return "done", nil
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, Executed, src)
	}()

	<-entered
	cancel()
	<-returned
	select {
	case err := <-finished:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("work did not complete")
	}
}

func TestDoRunsOncePerWindowUnderContention(t *testing.T) {
	const (
		iterations = 2000
		callers    = 8
	)
	for i := 0; i < iterations; i++ {
		g := New[int](time.Hour)
		var runs int32
		var wg sync.WaitGroup
		wg.Add(callers)
		for j := 0; j < callers; j++ {
			go func() {
				defer wg.Done()
				v, _, err := g.Do(context.Background(), "k", func(context.Context) (int, error) {
					runtime.Gosched()
					return int(atomic.AddInt32(&runs, 1)), nil
				})
				assert.NoError(t, err)
				assert.Equal(t, 1, v)
			}()
		}
		wg.Wait()
		require.Equal(t, int32(1), atomic.LoadInt32(&runs), "iteration %d ran more than once", i)
	}
}

func TestCancelledWaiterReportsShared(t *testing.T) {
	g := New[string](0)
	release := make(chan struct{})
	entered := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		_, src, err := g.Do(context.Background(), "k", func(context.Context) (string, error) {
			close(entered)
			<-release
			return "v", nil
		})
		assert.NoError(t, err)
		assert.Equal(t, Executed, src)
	}()
	<-entered

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, src, err := g.Do(ctx, "k", func(context.Context) (string, error) { return "other", nil })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Shared, src)

	close(release)
	<-done
}
