package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Config 传输会话配置。
type Config struct {
	URL    string
	Header http.Header

	MaxQueueSize     int
	MaxUnackedChunks int
	MaxQueuedChunks  int

	ReconnectBase        time.Duration
	ReconnectMax         time.Duration
	ReconnectJitter      time.Duration
	MaxReconnectAttempts int

	KeepaliveInterval time.Duration
	LatencyWindow     int
	ConnectTimeout    time.Duration

	// Debug 打印每条收发消息
	Debug bool
}

// DefaultConfig 默认参数。
func DefaultConfig() Config {
	return Config{
		MaxQueueSize:         256,
		MaxUnackedChunks:     8,
		ReconnectBase:        500 * time.Millisecond,
		ReconnectMax:         30 * time.Second,
		ReconnectJitter:      250 * time.Millisecond,
		MaxReconnectAttempts: 5,
		KeepaliveInterval:    15 * time.Second,
		LatencyWindow:        20,
		ConnectTimeout:       15 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = def.MaxQueueSize
	}
	if c.MaxUnackedChunks <= 0 {
		c.MaxUnackedChunks = def.MaxUnackedChunks
	}
	if c.MaxQueuedChunks <= 0 {
		c.MaxQueuedChunks = c.MaxUnackedChunks
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = def.ReconnectBase
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = def.ReconnectMax
	}
	if c.ReconnectJitter < 0 {
		c.ReconnectJitter = 0
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if c.LatencyWindow <= 0 {
		c.LatencyWindow = def.LatencyWindow
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	return c
}

// Option 会话可选项。
type Option func(*Session)

// WithDialer 替换拨号器（默认 gorilla websocket）。
func WithDialer(d Dialer) Option {
	return func(s *Session) { s.dialer = d }
}

// WithNegotiator 拨号前先做带外协商，协商结果覆盖 Config.URL/Header。
func WithNegotiator(n NegotiatorFunc) Option {
	return func(s *Session) { s.negotiator = n }
}

// WithClock 替换时间源。
func WithClock(c Clock) Option {
	return func(s *Session) { s.clock = c }
}

// WithJitter 替换退避抖动的随机源。
func WithJitter(fn func(max time.Duration) time.Duration) Option {
	return func(s *Session) { s.jitterFn = fn }
}

// WithLogger 替换日志输出。
func WithLogger(l *log.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithID 日志里标识会话。
func WithID(id string) Option {
	return func(s *Session) { s.id = id }
}

// Session 持有唯一一条到远端语音处理端点的连接。
//
// 会话拥有它所有的定时器与协程：Disconnect 同步停掉保活与重连定时器，Close 在此基础上关闭事件总线。
// 每次建立或拆除连接都会推进 gen，过期的读循环、拨号结果和定时器回调据此被丢弃。
type Session struct {
	mu sync.Mutex

	id         string
	cfg        Config
	dialer     Dialer
	negotiator NegotiatorFunc
	clock      Clock
	jitterFn   func(max time.Duration) time.Duration
	logger     *log.Logger
	tracer     trace.Tracer

	state         ConnectionState
	conn          Conn
	gen           uint64
	cancelAttempt context.CancelFunc
	closed        bool

	queue     *OutboundQueue
	flow      *FlowController
	sup       *Supervisor
	keepalive *Keepalive
	latency   *LatencyWindow
	metrics   Metrics

	bus *Bus
}

// NewSession 创建会话，初始状态 disconnected。
func NewSession(cfg Config, opts ...Option) *Session {
	cfg = cfg.withDefaults()
	s := &Session{
		cfg:    cfg,
		clock:  realClock{},
		logger: log.Default(),
		tracer: otel.Tracer("voiceorder/transport"),
		state:  StateDisconnected,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.dialer == nil {
		s.dialer = &WebsocketDialer{HandshakeTimeout: cfg.ConnectTimeout, WriteTimeout: 10 * time.Second}
	}

	s.queue = NewOutboundQueue(cfg.MaxQueueSize)
	s.flow = NewFlowController(cfg.MaxUnackedChunks, cfg.MaxQueuedChunks)
	s.sup = NewSupervisor(Backoff{
		Base:     cfg.ReconnectBase,
		Max:      cfg.ReconnectMax,
		Jitter:   cfg.ReconnectJitter,
		jitterFn: s.jitterFn,
	}, cfg.MaxReconnectAttempts, s.clock)
	s.keepalive = NewKeepalive(cfg.KeepaliveInterval, s.clock)
	s.latency = NewLatencyWindow(cfg.LatencyWindow)
	s.bus = NewBus(s.logger)
	return s
}

// Subscribe 注册事件监听，返回取消函数。
func (s *Session) Subscribe(l Listener) func() {
	return s.bus.Subscribe(l)
}

// Bus 事件总线，配合 On 按类型订阅。
func (s *Session) Bus() *Bus { return s.bus }

// State 当前连接状态。
func (s *Session) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Metrics 计数快照。
func (s *Session) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.metrics
	m.State = s.state
	m.QueueDepth = s.queue.Len()
	m.MessagesEvicted = s.queue.Evicted()
	m.InFlightChunks = s.flow.InFlight()
	m.ReconnectAttempt = s.sup.Attempt()
	m.ReconnectPending = s.sup.Pending()
	m.ReconnectEnabled = s.sup.Enabled()
	m.ReconnectExhausted = s.sup.Exhausted()
	m.KeepaliveRunning = s.keepalive.Running()
	m.AverageLatency = s.latency.Average()
	m.LatencySamples = s.latency.Len()
	return m
}

// QueuedMessages 当前排队的消息（按发送顺序）。
func (s *Session) QueuedMessages() []QueuedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Snapshot()
}

// Connect 建立连接。已连接或正在连接时直接返回；显式调用会重新启用重连监督器。
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state == StateConnected || s.state == StateConnecting {
		s.mu.Unlock()
		return nil
	}
	s.sup.Enable()
	gen := s.beginAttemptLocked()
	s.mu.Unlock()

	return s.dial(ctx, gen)
}

// Disconnect 用户主动断开：先禁用监督器并停掉所有定时器，再关闭连接。排队中的消息保留到下次连接。
func (s *Session) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.teardownLocked()
	return nil
}

// Close 释放会话，之后的调用都返回 ErrClosed。
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.teardownLocked()
	s.mu.Unlock()

	s.bus.Close()
	s.logger.Printf("[Transport:%s] closed", s.id)
	return nil
}

func (s *Session) teardownLocked() {
	s.sup.Disable()
	s.keepalive.Stop()
	s.gen++
	if s.cancelAttempt != nil {
		s.cancelAttempt()
		s.cancelAttempt = nil
	}
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
		s.metrics.Disconnects++
	}
	s.flow.Reset()
	s.setStateLocked(StateDisconnected, nil)
}

// Send 连接可用时立即发送，否则进入出站队列。
//
// 音频块受在途上限约束：额度用尽后最多再排 MaxQueuedChunks 块，超过即返回 SendRejected，
// 调用方应丢弃或重采样这一块。文本/控制消息从不被拒绝。
func (s *Session) Send(p Payload) (SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return SendRejected, ErrClosed
	}

	if s.state != StateConnected || s.conn == nil {
		s.enqueueLocked(p)
		return SendQueued, nil
	}

	// 先把积压的消息按顺序发出去，队列非空时新消息只能排在后面
	s.flushLocked()
	if s.conn == nil {
		s.enqueueLocked(p)
		return SendQueued, nil
	}

	if s.queue.Len() > 0 {
		if p.Kind == KindBinary && !s.flow.CanSend() && !s.flow.CanQueue(s.queue.CountKind(KindBinary)) {
			return s.rejectLocked(), nil
		}
		s.enqueueLocked(p)
		return SendQueued, nil
	}

	if p.Kind == KindBinary && !s.flow.CanSend() {
		if !s.flow.CanQueue(0) {
			return s.rejectLocked(), nil
		}
		s.enqueueLocked(p)
		return SendQueued, nil
	}

	if err := s.writeLocked(p); err != nil {
		s.enqueueLocked(p)
		s.failLocked(fmt.Errorf("write: %w", err))
		return SendQueued, nil
	}
	return SendSent, nil
}

// SendEnvelope 序列化并发送一条控制消息。
func (s *Session) SendEnvelope(env Envelope) (SendResult, error) {
	p, err := EncodeEnvelope(env)
	if err != nil {
		return SendRejected, fmt.Errorf("encode %s: %w", env.Type, err)
	}
	return s.Send(p)
}

func (s *Session) rejectLocked() SendResult {
	s.metrics.FlowRejected++
	if s.cfg.Debug {
		s.logger.Printf("[Transport:%s] audio chunk rejected: in_flight=%d", s.id, s.flow.InFlight())
	}
	return SendRejected
}

func (s *Session) enqueueLocked(p Payload) {
	dropped, evicted := s.queue.Push(QueuedMessage{Payload: p, EnqueuedAt: s.clock.Now()})
	s.metrics.MessagesQueued++
	if evicted {
		s.logger.Printf("[Transport:%s] ⚠️ outbound queue full (%d), evicted oldest %s message", s.id, s.cfg.MaxQueueSize, dropped.Kind)
		s.bus.Publish(QueueEvicted{Kind: dropped.Kind, EnqueuedAt: dropped.EnqueuedAt, Evicted: s.queue.Evicted()})
	}
}

func (s *Session) writeLocked(p Payload) error {
	if err := s.conn.WriteMessage(p); err != nil {
		return err
	}
	s.metrics.MessagesSent++
	if p.Kind == KindBinary {
		s.flow.OnSent()
	}
	if s.cfg.Debug {
		s.logger.Printf("[Transport:%s] -> %s %d bytes", s.id, p.Kind, len(p.Data))
	}
	return nil
}

// flushLocked 严格按 FIFO 发送队列；队头是没有额度的音频块时停下，写失败时放回队头并停下。
func (s *Session) flushLocked() {
	for s.conn != nil {
		head, ok := s.queue.Peek()
		if !ok {
			return
		}
		if head.Kind == KindBinary && !s.flow.CanSend() {
			return
		}
		s.queue.PopFront()
		if err := s.writeLocked(head.Payload); err != nil {
			s.queue.PushFront(head)
			s.failLocked(fmt.Errorf("flush: %w", err))
			return
		}
	}
}

func (s *Session) beginAttemptLocked() uint64 {
	s.gen++
	s.metrics.ConnectAttempts++
	s.setStateLocked(StateConnecting, nil)
	return s.gen
}

func (s *Session) dial(ctx context.Context, gen uint64) error {
	ctx, span := s.tracer.Start(ctx, "transport.connect", trace.WithAttributes(
		attribute.String("session.id", s.id),
	))
	defer span.End()

	attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return ErrDisconnected
	}
	s.cancelAttempt = cancel
	s.mu.Unlock()

	target := Target{URL: s.cfg.URL, Header: s.cfg.Header}
	if s.negotiator != nil {
		negotiated, err := s.negotiator(attemptCtx)
		if err != nil {
			err = fmt.Errorf("negotiate: %w", err)
			span.RecordError(err)
			span.SetStatus(codes.Error, "negotiation failed")
			s.onConnectionError(gen, err)
			return err
		}
		target = negotiated
	}
	if u, err := url.Parse(target.URL); err == nil {
		span.SetAttributes(attribute.String("transport.host", u.Host))
	}

	conn, err := s.dialer.Dial(attemptCtx, target)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "dial failed")
		s.onConnectionError(gen, err)
		return err
	}

	s.mu.Lock()
	if gen != s.gen || s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return ErrDisconnected
	}
	s.cancelAttempt = nil
	s.conn = conn
	s.metrics.ConnectSuccesses++
	s.sup.Reset()
	s.flow.Reset()
	s.setStateLocked(StateConnected, nil)
	s.logger.Printf("[Transport:%s] ✅ connected (queued=%d)", s.id, s.queue.Len())
	s.keepalive.Schedule(s.onKeepalive)
	s.flushLocked()
	connected := s.conn == conn
	s.mu.Unlock()

	if connected {
		go s.readLoop(gen, conn)
	}
	return nil
}

// onConnectionError 协商失败、拨号失败、读写错误、远端关闭都走这里。
func (s *Session) onConnectionError(gen uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen || s.closed {
		return
	}
	s.failLocked(err)
}

// failLocked 记录错误并把重试交给监督器，会话自身从不重试。
func (s *Session) failLocked(err error) {
	s.metrics.LastError = err.Error()
	s.keepalive.Stop()
	s.gen++
	s.cancelAttempt = nil
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
		s.metrics.Disconnects++
	}
	s.flow.Reset()

	next := StateError
	if isNormalClose(err) {
		next = StateDisconnected
		s.logger.Printf("[Transport:%s] remote closed connection", s.id)
	} else {
		s.logger.Printf("[Transport:%s] ❌ connection error: %v", s.id, err)
	}
	s.setStateLocked(next, err)
	s.scheduleReconnectLocked()
}

func (s *Session) scheduleReconnectLocked() {
	outcome, attempt, delay := s.sup.Schedule(s.onReconnectTimer)
	switch outcome {
	case ScheduleArmed:
		s.setStateLocked(StateReconnecting, nil)
		s.logger.Printf("[Transport:%s] reconnecting in %v (attempt %d/%d)", s.id, delay, attempt, s.cfg.MaxReconnectAttempts)
		s.bus.Publish(ReconnectScheduled{Attempt: attempt, Delay: delay})
	case ScheduleExhausted:
		s.setStateLocked(StateError, nil)
		s.logger.Printf("[Transport:%s] ❌ giving up after %d reconnect attempts", s.id, attempt)
		s.bus.Publish(ReconnectExhausted{Attempts: attempt, LastError: s.metrics.LastError})
	}
}

func (s *Session) onReconnectTimer(timerGen uint64) {
	s.mu.Lock()
	if s.closed || !s.sup.Fired(timerGen) {
		s.mu.Unlock()
		return
	}
	gen := s.beginAttemptLocked()
	s.mu.Unlock()

	_ = s.dial(context.Background(), gen)
}

func (s *Session) onKeepalive(timerGen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || !s.keepalive.Fired(timerGen) || s.conn == nil {
		return
	}

	now := s.clock.Now()
	id := s.keepalive.NextPing(now)
	frame, err := EncodeEnvelope(Envelope{Type: TypeSessionPing, ID: id, TS: now.UnixMilli()})
	if err != nil {
		return
	}
	if err := s.conn.WriteMessage(frame); err != nil {
		s.failLocked(fmt.Errorf("keepalive: %w", err))
		return
	}
	s.keepalive.Schedule(s.onKeepalive)
}

func (s *Session) readLoop(gen uint64, conn Conn) {
	for {
		p, err := conn.ReadMessage()
		if err != nil {
			s.onConnectionError(gen, fmt.Errorf("read: %w", err))
			return
		}
		if !s.handleIncoming(gen, p) {
			return
		}
	}
}

// handleIncoming 返回 false 表示连接已被替换，读循环应退出。
func (s *Session) handleIncoming(gen uint64, p Payload) bool {
	if p.Kind == KindBinary {
		s.mu.Lock()
		current := gen == s.gen
		if current {
			s.bus.Publish(AudioChunk{Data: p.Data})
		}
		s.mu.Unlock()
		return current
	}

	var env Envelope
	if err := json.Unmarshal(p.Data, &env); err != nil {
		s.logger.Printf("[Transport:%s] ⚠️ malformed message dropped: %v", s.id, err)
		return true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return false
	}
	if s.cfg.Debug {
		s.logger.Printf("[Transport:%s] <- %s", s.id, env.Type)
	}

	switch env.Type {
	case TypeSessionPong:
		if rtt, ok := s.keepalive.Pong(env.ID, s.clock.Now()); ok {
			s.latency.Add(rtt)
			s.bus.Publish(LatencySample{RTT: rtt, Average: s.latency.Average()})
		}
	case TypeSessionPing:
		pong, err := EncodeEnvelope(Envelope{Type: TypeSessionPong, ID: env.ID, TS: env.TS})
		if err == nil && s.conn != nil {
			if err := s.conn.WriteMessage(pong); err != nil {
				s.failLocked(fmt.Errorf("pong: %w", err))
				return false
			}
		}
	case TypeProgress:
		released := s.flow.Ack(env.Acked)
		s.bus.Publish(Progress{Acked: released})
		s.flushLocked()
	default:
		if evt, ok := decodeEvent(env); ok {
			s.bus.Publish(evt)
		} else {
			s.logger.Printf("[Transport:%s] unknown message type: %s", s.id, env.Type)
		}
	}
	return true
}

func (s *Session) setStateLocked(to ConnectionState, err error) {
	if s.state == to {
		return
	}
	from := s.state
	s.state = to
	if s.cfg.Debug {
		s.logger.Printf("[Transport:%s] state %s -> %s", s.id, from, to)
	}
	s.bus.Publish(StateChanged{From: from, To: to, Err: err})
}
