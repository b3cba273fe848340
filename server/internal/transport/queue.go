package transport

// OutboundQueue 有界 FIFO 出站队列，满了丢弃最旧的一条。
// 不加锁，由 Session 在自己的锁内操作。
type OutboundQueue struct {
	items   []QueuedMessage
	max     int
	evicted int64
}

// NewOutboundQueue 创建队列，max<=0 时不限长度。
func NewOutboundQueue(max int) *OutboundQueue {
	return &OutboundQueue{max: max}
}

// Push 追加到队尾；溢出时返回被挤掉的最旧消息。
func (q *OutboundQueue) Push(msg QueuedMessage) (QueuedMessage, bool) {
	var dropped QueuedMessage
	evicted := false
	if q.max > 0 && len(q.items) >= q.max {
		dropped = q.items[0]
		q.items = q.items[1:]
		q.evicted++
		evicted = true
	}
	q.items = append(q.items, msg)
	return dropped, evicted
}

// PushFront 把发送失败的消息放回队头。
func (q *OutboundQueue) PushFront(msg QueuedMessage) {
	q.items = append([]QueuedMessage{msg}, q.items...)
}

// Peek 查看队头。
func (q *OutboundQueue) Peek() (QueuedMessage, bool) {
	if len(q.items) == 0 {
		return QueuedMessage{}, false
	}
	return q.items[0], true
}

// PopFront 取出队头。
func (q *OutboundQueue) PopFront() (QueuedMessage, bool) {
	msg, ok := q.Peek()
	if !ok {
		return msg, false
	}
	q.items[0] = QueuedMessage{}
	q.items = q.items[1:]
	return msg, true
}

func (q *OutboundQueue) Len() int { return len(q.items) }

// CountKind 队列中某类消息的数量。
func (q *OutboundQueue) CountKind(kind MessageKind) int {
	n := 0
	for _, m := range q.items {
		if m.Kind == kind {
			n++
		}
	}
	return n
}

// Evicted 累计被挤掉的条数。
func (q *OutboundQueue) Evicted() int64 { return q.evicted }

// Snapshot 按顺序复制当前内容。
func (q *OutboundQueue) Snapshot() []QueuedMessage {
	out := make([]QueuedMessage, len(q.items))
	copy(out, q.items)
	return out
}
