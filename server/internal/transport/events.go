package transport

import (
	"encoding/json"
	"log"
	"sync"
	"time"
)

// Event 传输层对外发布的事件。每种事件是独立的具体类型，监听方用 type switch 或 On 订阅。
type Event interface {
	EventName() string
}

// StateChanged 连接状态变化。
type StateChanged struct {
	From ConnectionState
	To   ConnectionState
	Err  error
}

// TranscriptDelta 远端推送的增量转写。
type TranscriptDelta struct {
	Text string
}

// TranscriptFinal 一句话的最终转写；Order 为上游一并给出的结构化抽取（可为空）。
type TranscriptFinal struct {
	Text       string
	Confidence float64
	Order      json.RawMessage
}

// ResponseText 远端代理的文本回复。
type ResponseText struct {
	Text string
}

// OrderDetected 上游 NLU 抽取出的订单提示（原始 JSON，由编排层解码）。
type OrderDetected struct {
	Order json.RawMessage
}

// Progress 远端确认已消费的音频块数。
type Progress struct {
	Acked int
}

// RemoteError 远端通过事件通道报告的应用层错误。
type RemoteError struct {
	Code    string
	Message string
}

// AudioChunk 远端下行的二进制音频。
type AudioChunk struct {
	Data []byte
}

// QueueEvicted 出站队列溢出，最旧的一条被丢弃。
type QueueEvicted struct {
	Kind       MessageKind
	EnqueuedAt time.Time
	Evicted    int64
}

// ReconnectScheduled 已安排一次重连。
type ReconnectScheduled struct {
	Attempt int
	Delay   time.Duration
}

// ReconnectExhausted 重连次数耗尽，需要调用方显式 Connect 才会恢复。
type ReconnectExhausted struct {
	Attempts  int
	LastError string
}

// LatencySample 一次保活往返的时延。
type LatencySample struct {
	RTT     time.Duration
	Average time.Duration
}

func (StateChanged) EventName() string { return "state_changed" }
func (TranscriptDelta) EventName() string { return "transcript.delta" }
func (TranscriptFinal) EventName() string { return "transcript.final" }
func (ResponseText) EventName() string { return "response.text" }
func (OrderDetected) EventName() string { return "order.detected" }
func (Progress) EventName() string { return "progress" }
func (RemoteError) EventName() string { return "error" }
func (AudioChunk) EventName() string { return "audio" }
func (QueueEvicted) EventName() string { return "queue_evicted" }
func (ReconnectScheduled) EventName() string { return "reconnect_scheduled" }
func (ReconnectExhausted) EventName() string { return "reconnect_exhausted" }
func (LatencySample) EventName() string { return "latency_sample" }

// Listener 事件监听函数。
type Listener func(Event)

// Bus 显式的观察者列表。
//
// Publish 永不阻塞：事件先进入无界队列，由单个分发协程按发布顺序依次交给所有监听者。
// 这样会话在持锁状态下发布事件也不会和回调里的再次调用互相等待。
type Bus struct {
	mu        sync.Mutex
	cond      *sync.Cond
	listeners map[int]Listener
	nextID    int
	pending   []Event
	closed    bool
	done      chan struct{}
	logger    *log.Logger
}

// NewBus 创建事件总线并启动分发协程。
func NewBus(logger *log.Logger) *Bus {
	if logger == nil {
		logger = log.Default()
	}
	b := &Bus{
		listeners: make(map[int]Listener),
		done:      make(chan struct{}),
		logger:    logger,
	}
	b.cond = sync.NewCond(&b.mu)
	go b.dispatchLoop()
	return b
}

// Subscribe 注册监听者，返回取消函数。
func (b *Bus) Subscribe(l Listener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.listeners[id] = l

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.listeners, id)
			b.mu.Unlock()
		})
	}
}

// On 只订阅某一种事件类型。
func On[T Event](b *Bus, fn func(T)) func() {
	return b.Subscribe(func(e Event) {
		if typed, ok := e.(T); ok {
			fn(typed)
		}
	})
}

// Publish 追加事件，关闭后静默丢弃。
func (b *Bus) Publish(events ...Event) {
	if len(events) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.pending = append(b.pending, events...)
	b.cond.Signal()
}

// Close 分发完已发布的事件后停止。
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		<-b.done
		return
	}
	b.closed = true
	b.cond.Signal()
	b.mu.Unlock()
	<-b.done
}

func (b *Bus) dispatchLoop() {
	defer close(b.done)

	for {
		b.mu.Lock()
		for len(b.pending) == 0 && !b.closed {
			b.cond.Wait()
		}
		if len(b.pending) == 0 && b.closed {
			b.mu.Unlock()
			return
		}
		batch := b.pending
		b.pending = nil
		listeners := make([]Listener, 0, len(b.listeners))
		for id := 0; id < b.nextID; id++ {
			if l, ok := b.listeners[id]; ok {
				listeners = append(listeners, l)
			}
		}
		b.mu.Unlock()

		for _, evt := range batch {
			for _, l := range listeners {
				b.deliver(l, evt)
			}
		}
	}
}

func (b *Bus) deliver(l Listener, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Printf("[Transport] listener panic on %s: %v", evt.EventName(), r)
		}
	}()
	l(evt)
}
