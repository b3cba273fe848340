package gateway

import (
	"encoding/json"
	"time"
)

// EventType 客户端流上的消息类型
type EventType string

const (
	// 客户端 → 服务端（音频走二进制帧，不在这里）
	EventTypeTextTurn        EventType = "text_turn"        // 文本输入（语音不可用时的降级路径）
	EventTypeCheckoutConfirm EventType = "checkout_confirm" // 用户在界面上确认下单
	EventTypeReset           EventType = "reset"            // 放弃当前订单

	// 服务端 → 客户端
	EventTypeTranscriptPartial EventType = "transcript_partial" // 增量转写
	EventTypeTranscriptFinal   EventType = "transcript_final"   // 最终转写（触发一轮对话）
	EventTypeAgentText         EventType = "agent_text"         // 远端代理自己的文本
	EventTypeTurnResult        EventType = "turn_result"        // 一轮对话的完整输出
	EventTypeConnectionState   EventType = "connection_state"   // 语音连接状态
	EventTypeReconnectFailed   EventType = "reconnect_failed"   // 重连耗尽，需要用户重新连接
	EventTypeAudioBackpressure EventType = "audio_backpressure" // 音频块被流控拒绝
	EventTypeError             EventType = "error"
)

// ClientMessage 客户端发送的文本帧
type ClientMessage struct {
	Type       EventType       `json:"type"`
	EventID    string          `json:"event_id,omitempty"` // 幂等去重
	Text       string          `json:"text,omitempty"`
	Confidence *float64        `json:"confidence,omitempty"`
	Hints      json.RawMessage `json:"extracted_hints,omitempty"`
	ClientTS   time.Time       `json:"client_ts,omitempty"`
}

// ServerMessage 推送给客户端的消息
type ServerMessage struct {
	Type     EventType `json:"type"`
	Seq      int64     `json:"seq,omitempty"`     // 服务端序号
	TurnID   string    `json:"turn_id,omitempty"` // 轮次关联
	Text     string    `json:"text,omitempty"`
	State    string    `json:"state,omitempty"`
	Payload  any       `json:"payload,omitempty"`
	ServerTS time.Time `json:"server_ts"`
	Error    string    `json:"error,omitempty"`
}
