package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"voiceorder/server/internal/conversation"
	"voiceorder/server/internal/gateway"
	"voiceorder/server/internal/model"
	"voiceorder/server/internal/timeline"
	"voiceorder/server/internal/transport"
)

// Transport 编排层用到的传输会话能力。
type Transport interface {
	SendEnvelope(env transport.Envelope) (transport.SendResult, error)
	Bus() *transport.Bus
	State() transport.ConnectionState
}

// ClientSink 接收推给展示层的消息（一般是 gateway.ClientStream）。
type ClientSink interface {
	Send(msg *gateway.ServerMessage) error
}

// Options 编排参数。
type Options struct {
	QueueCapacity int
	// TurnTimeout 同步提交一轮时的等待上限
	TurnTimeout time.Duration
	Logger      *log.Logger
	Now         func() time.Time
}

// Orchestrator 一个语音会话的编排：传输层事件 → 串行的对话轮次 → 输出。
//
// 职责与契约：
// - 串行：所有轮次经 EventQueue 执行，同一会话同一时刻只有一轮在处理。
// - append-first：用户输入先写 Timeline，再交给状态机，助手输出也写回 Timeline。
// - 隔离：传输层的错误与重连只改变连接状态，从不触碰对话上下文。
type Orchestrator struct {
	sessionID string
	machine   *conversation.Machine
	transport Transport
	timeline  timeline.Store
	queue     *gateway.EventQueue
	opts      Options
	logger    *log.Logger

	mu           sync.Mutex
	sinks        map[int]ClientSink
	nextSink     int
	pendingHints *conversation.Hints
	unsubscribe  []func()
	closed       bool
}

// New 创建编排器；Start 之前不会收到传输层事件。
func New(sessionID string, machine *conversation.Machine, tr Transport, tl timeline.Store, opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.TurnTimeout <= 0 {
		opts.TurnTimeout = 10 * time.Second
	}
	return &Orchestrator{
		sessionID: sessionID,
		machine:   machine,
		transport: tr,
		timeline:  tl,
		queue:     gateway.NewEventQueue(sessionID, opts.QueueCapacity, opts.Logger),
		opts:      opts,
		logger:    opts.Logger,
		sinks:     make(map[int]ClientSink),
	}
}

// Start 订阅传输层事件。
func (o *Orchestrator) Start() {
	if o.transport == nil {
		return
	}
	bus := o.transport.Bus()

	o.mu.Lock()
	defer o.mu.Unlock()
	o.unsubscribe = append(o.unsubscribe,
		transport.On(bus, o.onTranscriptFinal),
		transport.On(bus, o.onOrderDetected),
		transport.On(bus, func(e transport.TranscriptDelta) {
			o.broadcast(&gateway.ServerMessage{Type: gateway.EventTypeTranscriptPartial, Text: e.Text})
		}),
		transport.On(bus, func(e transport.ResponseText) {
			o.broadcast(&gateway.ServerMessage{Type: gateway.EventTypeAgentText, Text: e.Text})
		}),
		transport.On(bus, o.onStateChanged),
		transport.On(bus, func(e transport.ReconnectExhausted) {
			o.broadcast(&gateway.ServerMessage{
				Type:  gateway.EventTypeReconnectFailed,
				Error: e.LastError,
				State: string(transport.StateError),
			})
		}),
		transport.On(bus, func(e transport.RemoteError) {
			o.logger.Printf("[Orchestrator:%s] remote error %s: %s", o.sessionID, e.Code, e.Message)
			o.broadcast(&gateway.ServerMessage{Type: gateway.EventTypeError, Error: e.Message})
		}),
	)
}

// AttachClient 注册一个展示层出口，返回注销函数。
func (o *Orchestrator) AttachClient(sink ClientSink) func() {
	o.mu.Lock()
	id := o.nextSink
	o.nextSink++
	o.sinks[id] = sink
	o.mu.Unlock()

	return func() {
		o.mu.Lock()
		delete(o.sinks, id)
		o.mu.Unlock()
	}
}

// HandleClientMessage 客户端流的事件入口（gateway.EventHandler）。
func (o *Orchestrator) HandleClientMessage(ctx context.Context, msg *gateway.ClientMessage) error {
	switch msg.Type {
	case gateway.EventTypeTextTurn:
		hints, err := decodeHints(msg.Hints)
		if err != nil {
			return err
		}
		confidence := 1.0
		if msg.Confidence != nil {
			confidence = *msg.Confidence
		}
		// 文本输入只用自带的抽取结果，语音侧缓存的 order.detected 留给下一条转写
		return o.enqueueTurn(turnInput{
			eventID:    msg.EventID,
			text:       msg.Text,
			confidence: confidence,
			hints:      hints,
			clientTS:   msg.ClientTS,
		})
	case gateway.EventTypeCheckoutConfirm:
		return o.queue.Enqueue(gateway.Job{Name: "confirm", Run: func(ctx context.Context) error {
			_, err := o.confirm(ctx)
			return err
		}})
	case gateway.EventTypeReset:
		return o.queue.Enqueue(gateway.Job{Name: "reset", Run: o.reset})
	default:
		return fmt.Errorf("unsupported client event: %s", msg.Type)
	}
}

// SubmitTurn 同步提交一轮（HTTP 降级路径），与语音轮次共用同一队列。
func (o *Orchestrator) SubmitTurn(ctx context.Context, eventID, text string, confidence float64, hints *conversation.Hints) (conversation.Output, error) {
	var out conversation.Output
	in := turnInput{eventID: eventID, text: text, confidence: confidence, hints: hints}

	ctx, cancel := context.WithTimeout(ctx, o.opts.TurnTimeout)
	defer cancel()
	err := o.queue.EnqueueSync(ctx, gateway.Job{Name: "turn", Run: func(ctx context.Context) error {
		var err error
		out, err = o.processTurn(ctx, in)
		return err
	}})
	return out, err
}

// Confirm 外部确认结账。
func (o *Orchestrator) Confirm(ctx context.Context) (conversation.Output, error) {
	var out conversation.Output

	ctx, cancel := context.WithTimeout(ctx, o.opts.TurnTimeout)
	defer cancel()
	err := o.queue.EnqueueSync(ctx, gateway.Job{Name: "confirm", Run: func(ctx context.Context) error {
		var err error
		out, err = o.confirm(ctx)
		return err
	}})
	return out, err
}

// Reset 放弃当前订单，丢弃对话上下文。
func (o *Orchestrator) Reset(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, o.opts.TurnTimeout)
	defer cancel()
	return o.queue.EnqueueSync(ctx, gateway.Job{Name: "reset", Run: o.reset})
}

// QueueStats 轮次队列统计。
func (o *Orchestrator) QueueStats() gateway.QueueStats {
	return o.queue.Stats()
}

// Close 取消订阅并停止队列，可重复调用。
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	unsubscribe := o.unsubscribe
	o.unsubscribe = nil
	o.sinks = make(map[int]ClientSink)
	o.mu.Unlock()

	for _, fn := range unsubscribe {
		fn()
	}
	return o.queue.Close()
}

type turnInput struct {
	eventID    string
	text       string
	confidence float64
	hints      *conversation.Hints
	clientTS   time.Time
}

func (o *Orchestrator) onTranscriptFinal(e transport.TranscriptFinal) {
	o.broadcast(&gateway.ServerMessage{Type: gateway.EventTypeTranscriptFinal, Text: e.Text})

	// 总线按序投递，order.detected 在这里就绑定到紧随其后的转写，不等出队
	in := turnInput{text: e.Text, confidence: e.Confidence, hints: o.takePendingHints()}
	if len(e.Order) > 0 {
		hints, err := decodeHints(e.Order)
		if err != nil {
			o.logger.Printf("[Orchestrator:%s] ⚠️ bad order hints on transcript: %v", o.sessionID, err)
		} else {
			in.hints = hints
		}
	}
	if err := o.enqueueTurn(in); err != nil {
		o.logger.Printf("[Orchestrator:%s] ❌ drop transcript: %v", o.sessionID, err)
	}
}

func (o *Orchestrator) onOrderDetected(e transport.OrderDetected) {
	hints, err := decodeHints(e.Order)
	if err != nil {
		o.logger.Printf("[Orchestrator:%s] ⚠️ bad order.detected payload: %v", o.sessionID, err)
		return
	}
	o.mu.Lock()
	o.pendingHints = hints
	o.mu.Unlock()
}

func (o *Orchestrator) onStateChanged(e transport.StateChanged) {
	msg := &gateway.ServerMessage{Type: gateway.EventTypeConnectionState, State: string(e.To)}
	if e.Err != nil {
		msg.Error = e.Err.Error()
	}
	o.broadcast(msg)

	evt := model.Event{Type: model.EventConnectionState, State: string(e.To), ServerTS: o.opts.Now()}
	if _, err := o.timeline.Append(context.Background(), o.sessionID, &evt); err != nil {
		o.logger.Printf("[Orchestrator:%s] timeline append failed: %v", o.sessionID, err)
	}
}

func (o *Orchestrator) takePendingHints() *conversation.Hints {
	o.mu.Lock()
	defer o.mu.Unlock()
	hints := o.pendingHints
	o.pendingHints = nil
	return hints
}

func (o *Orchestrator) enqueueTurn(in turnInput) error {
	return o.queue.Enqueue(gateway.Job{Name: "turn", Run: func(ctx context.Context) error {
		_, err := o.processTurn(ctx, in)
		return err
	}})
}

// processTurn 在队列协程里执行：append-first → 状态机 → 输出。
func (o *Orchestrator) processTurn(ctx context.Context, in turnInput) (conversation.Output, error) {
	ctx, span := tracer.Start(ctx, "conversation.turn", trace.WithAttributes(
		attribute.String("session.id", o.sessionID),
		attribute.Float64("turn.confidence", in.confidence),
	))
	defer span.End()

	turnID := uuid.NewString()
	now := o.opts.Now()
	userEvt := model.Event{
		EventID:    in.eventID,
		TurnID:     turnID,
		Type:       model.EventUserUtterance,
		Text:       in.text,
		Confidence: in.confidence,
		ClientTS:   in.clientTS,
		ServerTS:   now,
	}
	if _, err := o.timeline.Append(ctx, o.sessionID, &userEvt); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return conversation.Output{}, fmt.Errorf("append utterance: %w", err)
	}

	from := o.machine.State()
	out := o.machine.Process(in.text, in.confidence, in.hints)
	span.SetAttributes(
		attribute.String("conversation.from", string(from)),
		attribute.String("conversation.to", string(out.State)),
		attribute.Int("conversation.turn", out.Telemetry.Turn),
	)

	if err := o.emit(ctx, turnID, out); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return out, err
	}
	return out, nil
}

func (o *Orchestrator) confirm(ctx context.Context) (conversation.Output, error) {
	ctx, span := tracer.Start(ctx, "conversation.confirm", trace.WithAttributes(
		attribute.String("session.id", o.sessionID),
	))
	defer span.End()

	turnID := uuid.NewString()
	evt := model.Event{TurnID: turnID, Type: model.EventCheckoutConfirm, ServerTS: o.opts.Now()}
	if _, err := o.timeline.Append(ctx, o.sessionID, &evt); err != nil {
		span.RecordError(err)
		return conversation.Output{}, fmt.Errorf("append confirm: %w", err)
	}

	out := o.machine.Confirm()
	return out, o.emit(ctx, turnID, out)
}

func (o *Orchestrator) reset(ctx context.Context) error {
	o.machine.Reset()
	o.mu.Lock()
	o.pendingHints = nil
	o.mu.Unlock()

	evt := model.Event{Type: model.EventReset, State: string(conversation.StateAwaitOrder), ServerTS: o.opts.Now()}
	if _, err := o.timeline.Append(ctx, o.sessionID, &evt); err != nil {
		return fmt.Errorf("append reset: %w", err)
	}
	o.logger.Printf("[Orchestrator:%s] conversation reset", o.sessionID)
	return nil
}

// emit 写回助手输出、让远端播报，并推给展示层。
// 传输层不可用时播报文本会进入出站队列，连接恢复后按顺序发出。
func (o *Orchestrator) emit(ctx context.Context, turnID string, out conversation.Output) error {
	payload, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}

	evt := model.Event{
		TurnID:   turnID,
		Type:     model.EventAssistantText,
		Text:     out.Speak,
		State:    string(out.State),
		Output:   payload,
		ServerTS: o.opts.Now(),
	}
	if _, err := o.timeline.Append(ctx, o.sessionID, &evt); err != nil {
		return fmt.Errorf("append assistant output: %w", err)
	}

	if o.transport != nil && out.Speak != "" {
		if _, err := o.transport.SendEnvelope(transport.Envelope{Type: transport.TypeResponseText, Text: out.Speak}); err != nil {
			o.logger.Printf("[Orchestrator:%s] ⚠️ speak not sent: %v", o.sessionID, err)
		}
	}

	o.broadcast(&gateway.ServerMessage{
		Type:    gateway.EventTypeTurnResult,
		TurnID:  turnID,
		Text:    out.Speak,
		State:   string(out.State),
		Payload: out,
	})
	return nil
}

func (o *Orchestrator) broadcast(msg *gateway.ServerMessage) {
	o.mu.Lock()
	sinks := make([]ClientSink, 0, len(o.sinks))
	for _, s := range o.sinks {
		sinks = append(sinks, s)
	}
	o.mu.Unlock()

	for _, s := range sinks {
		// 每个出口拿自己的副本，Seq 由出口分配
		copied := *msg
		if err := s.Send(&copied); err != nil {
			o.logger.Printf("[Orchestrator:%s] client send failed: %v", o.sessionID, err)
		}
	}
}

// decodeHints 解析上游 NLU 的抽取结果，接受 {"items":[...]} 或直接的条目数组。
func decodeHints(raw json.RawMessage) (*conversation.Hints, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var hints conversation.Hints
	if err := json.Unmarshal(raw, &hints); err == nil {
		return &hints, nil
	}
	var items []conversation.ItemHint
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, errors.New("extracted hints must be an object with items or an array of items")
	}
	return &conversation.Hints{Items: items}, nil
}

// DecodeHints 供 HTTP 层复用的解析。
func DecodeHints(raw json.RawMessage) (*conversation.Hints, error) {
	return decodeHints(raw)
}
