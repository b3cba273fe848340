package transport

import (
	"errors"
	"time"
)

// ConnectionState 传输会话的连接状态。
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateError        ConnectionState = "error"
)

// MessageKind 区分控制/事件文本帧与音频二进制帧。
type MessageKind int

const (
	KindText MessageKind = iota
	KindBinary
)

func (k MessageKind) String() string {
	if k == KindBinary {
		return "binary"
	}
	return "text"
}

// Payload 一条出站消息。
type Payload struct {
	Kind MessageKind
	Data []byte
}

// Text 构造文本消息。
func Text(data []byte) Payload { return Payload{Kind: KindText, Data: data} }

// Binary 构造二进制（音频）消息。
func Binary(data []byte) Payload { return Payload{Kind: KindBinary, Data: data} }

// SendResult Send 的结果。Rejected 不是错误：调用方应丢弃或重采样当前音频块。
type SendResult int

const (
	SendSent SendResult = iota
	SendQueued
	SendRejected
)

func (r SendResult) String() string {
	switch r {
	case SendSent:
		return "sent"
	case SendQueued:
		return "queued"
	case SendRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// QueuedMessage 出站队列中的一条消息。
type QueuedMessage struct {
	Payload
	EnqueuedAt time.Time
}

var (
	// ErrClosed 会话已释放。
	ErrClosed = errors.New("transport session closed")
	// ErrDisconnected 连接建立过程中被显式断开。
	ErrDisconnected = errors.New("transport disconnected by caller")
)
