package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"voiceorder/server/internal/transport"
)

// EventHandler 处理客户端文本事件（由编排层注入）
// 返回 error 表示处理失败，客户端流会回一条 error 消息但不断开
type EventHandler func(ctx context.Context, msg *ClientMessage) error

// AudioSink 接收客户端上行的音频块，一般就是会话的传输层
type AudioSink interface {
	Send(p transport.Payload) (transport.SendResult, error)
}

// ClientStreamConfig 客户端流配置
type ClientStreamConfig struct {
	WriteTimeout time.Duration
	PingInterval time.Duration
}

// ClientStream 维护展示层 ↔ 后端的 WebSocket
// 1. 二进制帧是麦克风音频，交给 AudioSink（受流控约束，被拒绝的块直接丢弃）
// 2. 文本帧是控制事件，交给 EventHandler
// 3. 服务端消息带递增序号推给客户端
type ClientStream struct {
	sessionID string

	conn     *websocket.Conn
	connLock sync.Mutex

	handler EventHandler
	audio   AudioSink

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closeChan chan struct{}

	seqCounter int64
	seqLock    sync.Mutex

	// 连续被拒绝的音频块数，只在一段背压开始时通知一次客户端
	rejectStreak int64
	rejectedLock sync.Mutex

	config ClientStreamConfig
	logger *log.Logger
}

// NewClientStream 包装一条已升级的客户端连接
func NewClientStream(sessionID string, conn *websocket.Conn, audio AudioSink, config ClientStreamConfig) *ClientStream {
	ctx, cancel := context.WithCancel(context.Background())
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}
	if config.PingInterval <= 0 {
		config.PingInterval = 30 * time.Second
	}

	return &ClientStream{
		sessionID: sessionID,
		conn:      conn,
		audio:     audio,
		ctx:       ctx,
		cancel:    cancel,
		closeChan: make(chan struct{}),
		config:    config,
		logger:    log.Default(),
	}
}

// SetEventHandler 设置事件处理器
func (c *ClientStream) SetEventHandler(handler EventHandler) {
	c.handler = handler
}

// SetLogger 替换日志输出
func (c *ClientStream) SetLogger(logger *log.Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// Start 启动读循环和 ping 循环
func (c *ClientStream) Start() {
	go c.readLoop()
	go c.pingLoop()
	c.logger.Printf("[ClientStream:%s] started", c.sessionID)
}

// Done 连接关闭后被关闭
func (c *ClientStream) Done() <-chan struct{} {
	return c.closeChan
}

func (c *ClientStream) readLoop() {
	defer c.Close()

	for {
		select {
		case <-c.closeChan:
			return
		default:
		}

		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Printf("[ClientStream:%s] read error: %v", c.sessionID, err)
			}
			return
		}

		switch messageType {
		case websocket.TextMessage:
			if err := c.handleEvent(data); err != nil {
				c.logger.Printf("[ClientStream:%s] handle event error: %v", c.sessionID, err)
				_ = c.SendError(err.Error())
			}
		case websocket.BinaryMessage:
			c.handleAudio(data)
		}
	}
}

func (c *ClientStream) handleEvent(data []byte) error {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("unmarshal client message: %w", err)
	}
	if msg.ClientTS.IsZero() {
		msg.ClientTS = time.Now()
	}
	if c.handler == nil {
		c.logger.Printf("[ClientStream:%s] no handler, dropping %s", c.sessionID, msg.Type)
		return nil
	}

	ctx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
	defer cancel()
	return c.handler(ctx, &msg)
}

func (c *ClientStream) handleAudio(data []byte) {
	if c.audio == nil {
		return
	}
	res, err := c.audio.Send(transport.Binary(data))
	if err != nil {
		c.logger.Printf("[ClientStream:%s] audio send error: %v", c.sessionID, err)
		return
	}

	c.rejectedLock.Lock()
	notify := false
	if res == transport.SendRejected {
		c.rejectStreak++
		notify = c.rejectStreak == 1
	} else {
		c.rejectStreak = 0
	}
	c.rejectedLock.Unlock()

	if notify {
		_ = c.Send(&ServerMessage{Type: EventTypeAudioBackpressure})
	}
}

// Send 推送一条消息给客户端
func (c *ClientStream) Send(msg *ServerMessage) error {
	c.seqLock.Lock()
	c.seqCounter++
	msg.Seq = c.seqCounter
	c.seqLock.Unlock()

	if msg.ServerTS.IsZero() {
		msg.ServerTS = time.Now()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal server message: %w", err)
	}

	c.connLock.Lock()
	defer c.connLock.Unlock()

	if c.conn == nil {
		return errors.New("client connection is closed")
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write to client: %w", err)
	}
	return nil
}

// SendError 推送错误消息
func (c *ClientStream) SendError(errMsg string) error {
	return c.Send(&ServerMessage{Type: EventTypeError, Error: errMsg})
}

func (c *ClientStream) pingLoop() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closeChan:
			return
		case <-ticker.C:
			c.connLock.Lock()
			if c.conn != nil {
				_ = c.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(5*time.Second))
			}
			c.connLock.Unlock()
		}
	}
}

// Close 关闭客户端连接，可重复调用
func (c *ClientStream) Close() error {
	var closeErr error

	c.closeOnce.Do(func() {
		c.cancel()
		close(c.closeChan)

		c.connLock.Lock()
		defer c.connLock.Unlock()
		if c.conn == nil {
			return
		}
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		closeErr = c.conn.Close()
		c.conn = nil
		c.logger.Printf("[ClientStream:%s] closed", c.sessionID)
	})

	return closeErr
}
