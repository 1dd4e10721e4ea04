package eventbus

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddListenerIdempotent(t *testing.T) {
	b := New(8)
	var calls int32
	fn := func(Event) { atomic.AddInt32(&calls, 1) }

	b.AddListener("topic", "a", fn, Normal)
	b.AddListener("topic", "a", fn, Normal)

	b.mu.Lock()
	n := len(b.listeners["topic"])
	b.mu.Unlock()
	assert.Equal(t, 1, n)
}

func TestPriorityOrdering(t *testing.T) {
	b := New(8)
	var order []string
	var mu sync.Mutex
	record := func(name string) ListenerFunc {
		return func(Event) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}
	}

	b.AddListener("t", "low", record("low"), Low)
	b.AddListener("t", "high", record("high"), High)
	b.AddListener("t", "normal", record("normal"), Normal)

	b.Start()
	require.NoError(t, b.Trigger(Event{Topic: "t", MaxResponders: -1}))
	require.NoError(t, b.Close())

	assert.Equal(t, []string{"high", "normal", "low"}, order)
}

func TestTriggerBeforeStartFails(t *testing.T) {
	b := New(8)
	err := b.Trigger(Event{Topic: "t"})
	assert.Error(t, err)
}

func TestAsyncBusySkipsReentrantCall(t *testing.T) {
	b := New(8)
	var running int32
	var maxConcurrent int32
	release := make(chan struct{})

	b.AddListener("t", "slow", func(Event) {
		cur := atomic.AddInt32(&running, 1)
		for {
			old := atomic.LoadInt32(&maxConcurrent)
			if cur <= old || atomic.CompareAndSwapInt32(&maxConcurrent, old, cur) {
				break
			}
		}
		<-release
		atomic.AddInt32(&running, -1)
	}, Normal)

	b.Start()
	require.NoError(t, b.AsyncTrigger(Event{Topic: "t", MaxResponders: -1}))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, b.AsyncTrigger(Event{Topic: "t", MaxResponders: -1}))
	time.Sleep(20 * time.Millisecond)

	close(release)
	require.NoError(t, b.Close())

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxConcurrent))
	assert.Equal(t, 0, b.BusyCount())
}

func TestAllowBusyTriggerBypassesSkip(t *testing.T) {
	b := New(8)
	var concurrent int32
	var maxConcurrent int32
	release := make(chan struct{})

	b.AddListener("t", "slow", func(Event) {
		cur := atomic.AddInt32(&concurrent, 1)
		for {
			old := atomic.LoadInt32(&maxConcurrent)
			if cur <= old || atomic.CompareAndSwapInt32(&maxConcurrent, old, cur) {
				break
			}
		}
		<-release
		atomic.AddInt32(&concurrent, -1)
	}, Normal)

	b.Start()
	require.NoError(t, b.AsyncTrigger(Event{Topic: "t", MaxResponders: -1, AllowBusyTrigger: true}))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, b.AsyncTrigger(Event{Topic: "t", MaxResponders: -1, AllowBusyTrigger: true}))
	time.Sleep(20 * time.Millisecond)

	close(release)
	require.NoError(t, b.Close())

	assert.Equal(t, int32(2), atomic.LoadInt32(&maxConcurrent))
}

func TestDisableAllEventsHaltsDispatch(t *testing.T) {
	b := New(8)
	var calls int32
	b.AddListener("t", "a", func(Event) { atomic.AddInt32(&calls, 1) }, Normal)
	b.Start()
	b.DisableAllEvents()
	require.NoError(t, b.Trigger(Event{Topic: "t", MaxResponders: -1}))
	require.NoError(t, b.Close())
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestMaxRespondersCap(t *testing.T) {
	b := New(8)
	var calls int32
	for _, id := range []string{"a", "b", "c"} {
		b.AddListener("t", id, func(Event) { atomic.AddInt32(&calls, 1) }, Normal)
	}
	b.Start()
	require.NoError(t, b.Trigger(Event{Topic: "t", MaxResponders: 2}))
	require.NoError(t, b.Close())
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestRemoveListener(t *testing.T) {
	b := New(8)
	var calls int32
	fn := func(Event) { atomic.AddInt32(&calls, 1) }
	b.AddListener("t", "a", fn, Normal)
	b.RemoveListener("t", "a")
	b.Start()
	require.NoError(t, b.Trigger(Event{Topic: "t", MaxResponders: -1}))
	require.NoError(t, b.Close())
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}
