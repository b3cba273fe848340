package transport

import (
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestBusDeliversInOrderAndSurvivesPanics 验证事件按发布顺序送达，单个监听者 panic 不影响其他监听者
func TestBusDeliversInOrderAndSurvivesPanics(t *testing.T) {
	bus := NewBus(log.New(io.Discard, "", 0))

	var mu sync.Mutex
	var got []string
	bus.Subscribe(func(e Event) { panic("boom") })
	bus.Subscribe(func(e Event) {
		mu.Lock()
		got = append(got, e.(TranscriptDelta).Text)
		mu.Unlock()
	})

	for _, s := range []string{"one", "two", "three"} {
		bus.Publish(TranscriptDelta{Text: s})
	}
	bus.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"one", "two", "three"}, got)
}

// TestOnFiltersByType 验证 On 只收到指定类型
func TestOnFiltersByType(t *testing.T) {
	bus := NewBus(nil)

	samples := make(chan LatencySample, 4)
	unsubscribe := On(bus, func(e LatencySample) { samples <- e })

	bus.Publish(TranscriptDelta{Text: "x"}, LatencySample{RTT: time.Millisecond})
	select {
	case s := <-samples:
		assert.Equal(t, time.Millisecond, s.RTT)
	case <-time.After(time.Second):
		t.Fatal("sample not delivered")
	}

	unsubscribe()
	unsubscribe()
	bus.Publish(LatencySample{RTT: 2 * time.Millisecond})
	bus.Close()
	require.Empty(t, samples)

	// 关闭后发布被静默丢弃
	bus.Publish(LatencySample{})
	bus.Close()
}

func TestOutboundQueueOrdering(t *testing.T) {
	q := NewOutboundQueue(2)

	_, evicted := q.Push(QueuedMessage{Payload: Text([]byte("a"))})
	assert.False(t, evicted)
	q.Push(QueuedMessage{Payload: Binary([]byte("b"))})
	dropped, evicted := q.Push(QueuedMessage{Payload: Text([]byte("c"))})
	require.True(t, evicted)
	assert.Equal(t, "a", string(dropped.Data))
	assert.Equal(t, 1, q.CountKind(KindBinary))

	head, ok := q.PopFront()
	require.True(t, ok)
	q.PushFront(head)
	assert.Equal(t, "b", string(q.Snapshot()[0].Data))
	assert.EqualValues(t, 1, q.Evicted())
}

func TestSupervisorSingleOutstandingTimer(t *testing.T) {
	clock := newFakeClock()
	sup := NewSupervisor(Backoff{Base: time.Second, Max: time.Minute}, 3, clock)

	fired := 0
	outcome, attempt, delay := sup.Schedule(func(uint64) { fired++ })
	assert.Equal(t, ScheduleArmed, outcome)
	assert.Equal(t, 1, attempt)
	assert.Equal(t, time.Second, delay)

	outcome, _, _ = sup.Schedule(func(uint64) { fired++ })
	assert.Equal(t, ScheduleSkipped, outcome)
	assert.Len(t, clock.Active(), 1)

	sup.Disable()
	assert.Empty(t, clock.Active())
	outcome, _, _ = sup.Schedule(func(uint64) { fired++ })
	assert.Equal(t, ScheduleSkipped, outcome)

	clock.Advance(time.Hour)
	assert.Equal(t, 0, fired)
}
