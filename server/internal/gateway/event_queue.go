package gateway

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

var (
	ErrQueueFull   = errors.New("event queue full")
	ErrQueueClosed = errors.New("event queue closed")
)

// Job 队列里的一个任务
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

// EventQueue 为单个会话串行执行任务（Actor Model）
// 同一会话同一时刻只有一轮对话在处理，后到的转写排队等待
type EventQueue struct {
	sessionID string
	jobs      chan *queuedJob
	timeout   time.Duration
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	logger    *log.Logger

	mu        sync.Mutex
	total     int64
	processed int64
	failed    int64
	dropped   int64
}

type queuedJob struct {
	job       Job
	timestamp time.Time
	resultCh  chan error
}

// QueueStats 队列统计
type QueueStats struct {
	SessionID string `json:"session_id"`
	Total     int64  `json:"total"`
	Processed int64  `json:"processed"`
	Failed    int64  `json:"failed"`
	Dropped   int64  `json:"dropped"`
	Pending   int    `json:"pending"`
	Capacity  int    `json:"capacity"`
}

const (
	// 超过容量的任务直接丢弃（背压）
	defaultQueueCapacity = 64
	defaultJobTimeout    = 10 * time.Second
)

// NewEventQueue 创建队列并启动处理协程
func NewEventQueue(sessionID string, capacity int, logger *log.Logger) *EventQueue {
	if logger == nil {
		logger = log.Default()
	}
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &EventQueue{
		sessionID: sessionID,
		jobs:      make(chan *queuedJob, capacity),
		timeout:   defaultJobTimeout,
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
	}

	q.wg.Add(1)
	go q.processLoop()
	return q
}

// Enqueue 异步入队，队列满时返回 ErrQueueFull
func (q *EventQueue) Enqueue(job Job) error {
	return q.enqueue(&queuedJob{job: job, timestamp: time.Now()})
}

// EnqueueSync 入队并等待执行完成，返回任务自身的错误
func (q *EventQueue) EnqueueSync(ctx context.Context, job Job) error {
	item := &queuedJob{job: job, timestamp: time.Now(), resultCh: make(chan error, 1)}

	select {
	case <-q.ctx.Done():
		return ErrQueueClosed
	default:
	}

	select {
	case <-q.ctx.Done():
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	case q.jobs <- item:
		q.mu.Lock()
		q.total++
		q.mu.Unlock()
	}

	select {
	case err := <-item.resultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-q.ctx.Done():
		return ErrQueueClosed
	}
}

func (q *EventQueue) enqueue(item *queuedJob) error {
	select {
	case <-q.ctx.Done():
		return ErrQueueClosed
	default:
	}

	select {
	case q.jobs <- item:
		q.mu.Lock()
		q.total++
		q.mu.Unlock()
		return nil
	default:
		q.mu.Lock()
		q.dropped++
		q.mu.Unlock()
		q.logger.Printf("[EventQueue:%s] ⚠️ queue full, dropping job %s", q.sessionID, item.job.Name)
		return ErrQueueFull
	}
}

func (q *EventQueue) processLoop() {
	defer q.wg.Done()

	for {
		select {
		case <-q.ctx.Done():
			return
		case item := <-q.jobs:
			q.run(item)
		}
	}
}

func (q *EventQueue) run(item *queuedJob) {
	start := time.Now()
	wait := start.Sub(item.timestamp)

	ctx, cancel := context.WithTimeout(q.ctx, q.timeout)
	defer cancel()

	err := q.safeRun(ctx, item.job)
	elapsed := time.Since(start)

	q.mu.Lock()
	q.processed++
	if err != nil {
		q.failed++
	}
	q.mu.Unlock()

	if err != nil {
		q.logger.Printf("[EventQueue:%s] ❌ job %s failed: %v (wait=%v run=%v)", q.sessionID, item.job.Name, err, wait, elapsed)
	}
	if elapsed > q.timeout/2 {
		q.logger.Printf("[EventQueue:%s] ⚠️ slow job %s: %v", q.sessionID, item.job.Name, elapsed)
	}

	if item.resultCh != nil {
		item.resultCh <- err
	}
}

func (q *EventQueue) safeRun(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("job panicked")
			q.logger.Printf("[EventQueue:%s] job %s panic: %v", q.sessionID, job.Name, r)
		}
	}()
	return job.Run(ctx)
}

// Close 停止处理，未执行的任务被丢弃
func (q *EventQueue) Close() error {
	q.closeOnce.Do(func() {
		q.cancel()
		q.wg.Wait()

		stats := q.Stats()
		q.logger.Printf("[EventQueue:%s] closed: total=%d processed=%d failed=%d dropped=%d pending=%d",
			q.sessionID, stats.Total, stats.Processed, stats.Failed, stats.Dropped, stats.Pending)
	})
	return nil
}

// Stats 统计快照
func (q *EventQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	return QueueStats{
		SessionID: q.sessionID,
		Total:     q.total,
		Processed: q.processed,
		Failed:    q.failed,
		Dropped:   q.dropped,
		Pending:   len(q.jobs),
		Capacity:  cap(q.jobs),
	}
}
