package transport

// FlowController 限制在途未确认的音频块数量。
type FlowController struct {
	maxUnacked int
	maxQueued  int
	inFlight   int
}

// NewFlowController maxUnacked<=0 表示不做流控；maxQueued 是达到上限后还允许排队等待确认的块数。
func NewFlowController(maxUnacked, maxQueued int) *FlowController {
	return &FlowController{maxUnacked: maxUnacked, maxQueued: maxQueued}
}

// CanSend 是否还有发送额度。
func (f *FlowController) CanSend() bool {
	return f.maxUnacked <= 0 || f.inFlight < f.maxUnacked
}

// CanQueue 额度用尽时，是否还能再排一个块（queued 为队列中已有的二进制块数）。
func (f *FlowController) CanQueue(queued int) bool {
	return queued < f.maxQueued
}

// OnSent 记录一块已发出。
func (f *FlowController) OnSent() {
	f.inFlight++
}

// Ack 远端确认 n 块，返回实际释放的额度。
func (f *FlowController) Ack(n int) int {
	if n <= 0 {
		n = 1
	}
	if n > f.inFlight {
		n = f.inFlight
	}
	f.inFlight -= n
	return n
}

// Reset 新连接上的额度从零开始，旧连接的在途块不会再被确认。
func (f *FlowController) Reset() {
	f.inFlight = 0
}

func (f *FlowController) InFlight() int { return f.inFlight }
