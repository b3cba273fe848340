package transport

import "time"

// maxOutstandingPings 未收到回复的探测最多保留这么多，更早的视为丢失。
const maxOutstandingPings = 8

// Keepalive 连接期间按固定间隔发送探测，并用匹配的回复计算往返时延。
// 不加锁，由 Session 在自己的锁内调用。
type Keepalive struct {
	interval time.Duration
	clock    Clock

	timer   Timer
	gen     uint64
	nextID  int64
	pending map[int64]time.Time
}

func NewKeepalive(interval time.Duration, clock Clock) *Keepalive {
	if clock == nil {
		clock = realClock{}
	}
	return &Keepalive{
		interval: interval,
		clock:    clock,
		pending:  make(map[int64]time.Time),
	}
}

// Schedule 安排下一次探测；interval<=0 时不启用。
func (k *Keepalive) Schedule(fire func(gen uint64)) {
	if k.interval <= 0 || k.timer != nil {
		return
	}
	gen := k.gen
	k.timer = k.clock.AfterFunc(k.interval, func() { fire(gen) })
}

// Fired 回调开始时校验代次。
func (k *Keepalive) Fired(gen uint64) bool {
	if gen != k.gen || k.timer == nil {
		return false
	}
	k.timer = nil
	return true
}

// NextPing 分配一个探测 id 并记录发送时间。
func (k *Keepalive) NextPing(now time.Time) int64 {
	k.nextID++
	k.pending[k.nextID] = now
	for id := range k.pending {
		if id <= k.nextID-maxOutstandingPings {
			delete(k.pending, id)
		}
	}
	return k.nextID
}

// Pong 匹配回复，返回往返时延。
func (k *Keepalive) Pong(id int64, now time.Time) (time.Duration, bool) {
	sent, ok := k.pending[id]
	if !ok {
		return 0, false
	}
	delete(k.pending, id)
	rtt := now.Sub(sent)
	if rtt < 0 {
		rtt = 0
	}
	return rtt, true
}

// Stop 停掉定时器并丢弃未回复的探测。
func (k *Keepalive) Stop() {
	if k.timer != nil {
		k.timer.Stop()
		k.timer = nil
	}
	k.gen++
	clear(k.pending)
}

func (k *Keepalive) Running() bool { return k.timer != nil }

// LatencyWindow 固定容量的时延滚动窗口。
type LatencyWindow struct {
	samples []time.Duration
	max     int
	next    int
	sum     time.Duration
}

func NewLatencyWindow(max int) *LatencyWindow {
	if max <= 0 {
		max = 1
	}
	return &LatencyWindow{samples: make([]time.Duration, 0, max), max: max}
}

// Add 加入一个样本，满了覆盖最旧的。
func (w *LatencyWindow) Add(d time.Duration) {
	if len(w.samples) < w.max {
		w.samples = append(w.samples, d)
		w.sum += d
		return
	}
	w.sum -= w.samples[w.next]
	w.samples[w.next] = d
	w.sum += d
	w.next = (w.next + 1) % w.max
}

// Average 窗口内的平均值，没有样本时为 0。
func (w *LatencyWindow) Average() time.Duration {
	if len(w.samples) == 0 {
		return 0
	}
	return w.sum / time.Duration(len(w.samples))
}

func (w *LatencyWindow) Len() int { return len(w.samples) }
