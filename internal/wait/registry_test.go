// ABOUTME: Tests for the wait registry: supersession, polling, focus, and timeouts.
// ABOUTME: Covers the blocking Await loop and concurrent delivery.

package wait

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry[string] {
	t.Helper()
	r := NewRegistry[string](Config{MaxTime: time.Minute})
	t.Cleanup(r.Close)
	return r
}

func TestRegistry_RegisterAssignsIncreasingIDs(t *testing.T) {
	r := newTestRegistry(t)

	a := r.Register("k1", Options{})
	b := r.Register("k2", Options{})
	c := r.Register("k1", Options{})

	assert.Less(t, a.ID(), b.ID())
	assert.Less(t, b.ID(), c.ID())
	assert.Equal(t, Single, a.Kind())
	assert.Equal(t, "k1", c.Key())
}

func TestRegistry_NewEntrySupersedesOld(t *testing.T) {
	r := newTestRegistry(t)

	a := r.Register("bot1_chan1_user1", Options{})
	b := r.Register("bot1_chan1_user1", Options{})

	_, err := r.IsAlive(a)
	assert.ErrorIs(t, err, ErrCancelled)

	alive, err := r.IsAlive(b)
	require.NoError(t, err)
	assert.True(t, alive)
	assert.Same(t, b, r.Lookup("bot1_chan1_user1"))
}

func TestRegistry_SupersededWaiterObservesCancelled(t *testing.T) {
	r := newTestRegistry(t)
	a := r.Register("k", Options{})

	done := make(chan Result[string], 1)
	go func() {
		done <- r.Await(context.Background(), a, AwaitOptions[string]{})
	}()

	time.Sleep(10 * time.Millisecond)
	r.Register("k", Options{})

	select {
	case res := <-done:
		assert.Equal(t, Cancelled, res.Status)
		assert.ErrorIs(t, res.Err(), ErrCancelled)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by supersession")
	}
}

func TestRegistry_SinglePollClearsValue(t *testing.T) {
	r := newTestRegistry(t)
	e := r.Register("k", Options{})

	_, ok := r.Poll(e)
	assert.False(t, ok)

	require.NoError(t, r.Deliver(e, "first", ""))
	require.NoError(t, r.Deliver(e, "second", ""))

	v, ok := r.Poll(e)
	require.True(t, ok)
	assert.Equal(t, "second", v, "single entries keep only the latest value")

	_, ok = r.Poll(e)
	assert.False(t, ok)
}

func TestRegistry_ChannelPollIsFIFO(t *testing.T) {
	r := newTestRegistry(t)
	e := r.Channel("k", "m1", Options{})

	require.NoError(t, r.Deliver(e, "a", ""))
	require.NoError(t, r.Deliver(e, "b", ""))
	require.NoError(t, r.Deliver(e, "c", "m1"))

	for _, want := range []string{"a", "b", "c"} {
		v, ok := r.Poll(e)
		require.True(t, ok)
		assert.Equal(t, want, v)
	}
	_, ok := r.Poll(e)
	assert.False(t, ok)
}

func TestRegistry_DeliverOutOfFocus(t *testing.T) {
	r := newTestRegistry(t)
	e := r.Channel("bot1_chan1", "M1", Options{})

	err := r.Deliver(e, "msg", "M2")
	assert.ErrorIs(t, err, ErrOutOfFocus)

	_, ok := r.Poll(e)
	assert.False(t, ok, "out-of-focus value must not be buffered")
}

func TestRegistry_DeliverToStaleEntry(t *testing.T) {
	r := newTestRegistry(t)
	a := r.Register("k", Options{})
	r.Register("k", Options{})

	assert.ErrorIs(t, r.Deliver(a, "x", ""), ErrCancelled)
}

func TestRegistry_ChannelReuseRefocuses(t *testing.T) {
	r := newTestRegistry(t)

	first := r.Channel("k", "M1", Options{})
	second := r.Channel("k", "M2", Options{})

	assert.Same(t, first, second)
	assert.False(t, r.OnFocus(first, "M1"))
	assert.True(t, r.OnFocus(first, "M2"))
	assert.True(t, r.KnowsToken(first, "M1"))
	assert.False(t, r.KnowsToken(first, "M3"))
}

func TestRegistry_ChannelCleanReplaces(t *testing.T) {
	r := newTestRegistry(t)

	first := r.Channel("k", "M1", Options{})
	second := r.Channel("k", "M2", Options{Clean: true})

	assert.NotSame(t, first, second)
	_, err := r.IsAlive(first)
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestRegistry_Timeout(t *testing.T) {
	r := newTestRegistry(t)
	e := r.Register("k", Options{MaxTime: time.Second})

	alive, err := r.IsAlive(e)
	require.NoError(t, err)
	assert.True(t, alive)

	time.Sleep(1100 * time.Millisecond)

	alive, err = r.IsAlive(e)
	require.NoError(t, err, "a timed-out entry is still mapped, just not alive")
	assert.False(t, alive)

	res := r.Await(context.Background(), e, AwaitOptions[string]{})
	assert.Equal(t, TimedOut, res.Status)
	assert.ErrorIs(t, res.Err(), ErrCancelled)
	assert.Nil(t, r.Lookup("k"))
}

func TestRegistry_TimedOutEntryKeepsStatusAfterLookup(t *testing.T) {
	r := newTestRegistry(t)
	e := r.Register("k", Options{MaxTime: 20 * time.Millisecond})

	require.Eventually(t, func() bool {
		alive, _ := r.IsAlive(e)
		return !alive
	}, time.Second, 5*time.Millisecond)

	assert.Nil(t, r.Lookup("k"), "dead entries are not handed out")
	assert.Equal(t, 1, r.Len(), "the waiter has not released it yet")

	res := r.Await(context.Background(), e, AwaitOptions[string]{})
	assert.Equal(t, TimedOut, res.Status)
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_StaleTimerIgnoredAfterRearm(t *testing.T) {
	r := newTestRegistry(t)
	e := r.Channel("k", "M1", Options{})

	r.mu.Lock()
	stale := e.armed
	r.mu.Unlock()

	assert.Same(t, e, r.Channel("k", "M2", Options{}))
	r.expire(e, stale)

	alive, err := r.IsAlive(e)
	require.NoError(t, err)
	assert.True(t, alive, "a timer from the previous arm must not expire the entry")

	r.mu.Lock()
	current := e.armed
	r.mu.Unlock()
	r.expire(e, current)

	alive, err = r.IsAlive(e)
	require.NoError(t, err)
	assert.False(t, alive)
}

func TestRegistry_CancelFocus(t *testing.T) {
	r := newTestRegistry(t)
	r.Register("single", Options{})
	e := r.Channel("chan", "M1", Options{})
	r.Channel("chan", "M2", Options{})

	assert.False(t, r.CancelFocus("single", ""), "single entries are not channel waits")
	assert.False(t, r.CancelFocus("chan", "M1"), "M1 lost the focus")
	assert.False(t, r.CancelFocus("missing", "M2"))
	assert.True(t, r.CancelFocus("chan", "M2"))

	_, err := r.IsAlive(e)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_Cancel(t *testing.T) {
	r := newTestRegistry(t)
	e := r.Register("k", Options{})

	r.Cancel(e)

	_, err := r.IsAlive(e)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, 0, r.Len())
	assert.False(t, r.CancelKey("k"))
}

func TestRegistry_CancelDoesNotRemoveNewerEntry(t *testing.T) {
	r := newTestRegistry(t)
	old := r.Register("k", Options{})
	fresh := r.Register("k", Options{})

	r.Cancel(old)

	assert.Same(t, fresh, r.Lookup("k"))
}

func TestRegistry_AwaitMatched(t *testing.T) {
	r := newTestRegistry(t)
	e := r.Register("k", Options{})

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = r.Deliver(e, "hello", "")
	}()

	res := r.Await(context.Background(), e, AwaitOptions[string]{})
	require.True(t, res.Ok())
	assert.Equal(t, "hello", res.Value)
	assert.NoError(t, res.Err())
	assert.Nil(t, r.Lookup("k"), "fulfilled single entries are removed")
}

func TestRegistry_AwaitFilterDropsRejected(t *testing.T) {
	r := newTestRegistry(t)
	e := r.Register("k", Options{})

	go func() {
		_ = r.Deliver(e, "no", "")
		time.Sleep(10 * time.Millisecond)
		_ = r.Deliver(e, "yes", "")
	}()

	res := r.Await(context.Background(), e, AwaitOptions[string]{
		Filter: func(v string) bool { return v == "yes" },
	})
	require.True(t, res.Ok())
	assert.Equal(t, "yes", res.Value)
}

func TestRegistry_AwaitOutOfFocusWhenRefocused(t *testing.T) {
	r := newTestRegistry(t)
	e := r.Channel("k", "M1", Options{})

	done := make(chan Result[string], 1)
	go func() {
		done <- r.Await(context.Background(), e, AwaitOptions[string]{Focus: "M1"})
	}()

	time.Sleep(10 * time.Millisecond)
	r.Channel("k", "M2", Options{})

	select {
	case res := <-done:
		assert.Equal(t, OutOfFocus, res.Status)
		assert.ErrorIs(t, res.Err(), ErrOutOfFocus)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by refocus")
	}

	alive, err := r.IsAlive(e)
	require.NoError(t, err)
	assert.True(t, alive, "channel entry stays alive for the new focus owner")
}

func TestRegistry_ChannelEntrySurvivesMatch(t *testing.T) {
	r := newTestRegistry(t)
	e := r.Channel("k", "M1", Options{})
	require.NoError(t, r.Deliver(e, "a", ""))

	res := r.Await(context.Background(), e, AwaitOptions[string]{Focus: "M1"})
	require.True(t, res.Ok())
	assert.Same(t, e, r.Lookup("k"))
}

func TestRegistry_AwaitContextCancel(t *testing.T) {
	r := newTestRegistry(t)
	e := r.Register("k", Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := r.Await(ctx, e, AwaitOptions[string]{})
	assert.Equal(t, Cancelled, res.Status)
	assert.Nil(t, r.Lookup("k"))
}

func TestRegistry_Close(t *testing.T) {
	r := NewRegistry[string](Config{})
	e := r.Register("k", Options{})

	r.Close()

	_, err := r.IsAlive(e)
	assert.ErrorIs(t, err, ErrCancelled)

	late := r.Register("k", Options{})
	res := r.Await(context.Background(), late, AwaitOptions[string]{})
	assert.Equal(t, Cancelled, res.Status)
}

func TestRegistry_ForcedFlag(t *testing.T) {
	r := newTestRegistry(t)
	e := r.Register("k", Options{Forced: true})
	assert.True(t, r.Forced(e))

	c := r.Channel("c", "M1", Options{})
	assert.False(t, r.Forced(c))
	r.Channel("c", "M2", Options{Forced: true})
	assert.True(t, r.Forced(c))
}

func TestRegistry_ConcurrentRegisterKeepsOneLiveEntry(t *testing.T) {
	r := newTestRegistry(t)

	var wg sync.WaitGroup
	entries := make([]*Entry[string], 50)
	for i := range entries {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entries[i] = r.Register("shared", Options{})
		}(i)
	}
	wg.Wait()

	live := 0
	for _, e := range entries {
		if _, err := r.IsAlive(e); err == nil {
			live++
		}
	}
	assert.Equal(t, 1, live)
	assert.Equal(t, 1, r.Len())
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "matched", Matched.String())
	assert.Equal(t, "timed_out", TimedOut.String())
	assert.Equal(t, "cancelled", Cancelled.String())
	assert.Equal(t, "out_of_focus", OutOfFocus.String())
	assert.True(t, IsSignal(ErrOutOfFocus))
	assert.False(t, IsSignal(context.Canceled))
}
