package model

import (
	"encoding/json"
	"time"
)

// 时间线事件类型。
const (
	EventUserUtterance   = "user_utterance"
	EventAssistantText   = "assistant_text"
	EventCheckoutConfirm = "checkout_confirm"
	EventConnectionState = "connection_state"
	EventReset           = "reset"
)

// Event 表示时间线中的一个事件。
type Event struct {
	// Seq 由后端分配的单调序号，用于回放与幂等。
	Seq int64 `json:"seq,omitempty"`
	// SessionID 由编排器补齐。
	SessionID string `json:"session_id,omitempty"`
	// EventID 用于去重与重试幂等。
	EventID string `json:"event_id,omitempty"`
	// TurnID 把一轮的用户输入和助手输出关联起来。
	TurnID string `json:"turn_id,omitempty"`

	Type       string  `json:"type"`
	Text       string  `json:"text,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	// State 对话状态或连接状态，取决于 Type。
	State string `json:"state,omitempty"`
	// Output 助手一轮的完整输出（JSON），便于回放。
	Output json.RawMessage `json:"output,omitempty"`

	ClientTS time.Time `json:"client_ts,omitempty"`
	ServerTS time.Time `json:"server_ts,omitempty"`
}

// CreateSessionRequest 创建语音会话。
type CreateSessionRequest struct {
	RestaurantID string `json:"restaurant_id"`
	// Connect 创建后立即建立语音连接。
	Connect bool `json:"connect,omitempty"`
}

// CreateSessionResponse 创建会话的响应。
type CreateSessionResponse struct {
	SessionID    string    `json:"session_id"`
	RestaurantID string    `json:"restaurant_id"`
	State        string    `json:"state"`
	Connection   string    `json:"connection"`
	CreatedAt    time.Time `json:"created_at"`
}

// TurnRequest 文本降级路径的一轮输入。
type TurnRequest struct {
	EventID    string          `json:"event_id,omitempty"`
	Text       string          `json:"text"`
	Confidence *float64        `json:"confidence,omitempty"`
	Hints      json.RawMessage `json:"extracted_hints,omitempty"`
}

// SessionSummary 会话概况。
type SessionSummary struct {
	SessionID    string    `json:"session_id"`
	RestaurantID string    `json:"restaurant_id"`
	State        string    `json:"state"`
	Connection   string    `json:"connection"`
	Items        int       `json:"items"`
	CreatedAt    time.Time `json:"created_at"`
}
