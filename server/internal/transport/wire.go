package transport

import "encoding/json"

// 控制/事件消息的 type 取值。
const (
	TypeTranscriptDelta = "transcript.delta"
	TypeTranscriptFinal = "transcript.final"
	TypeResponseText    = "response.text"
	TypeOrderDetected   = "order.detected"
	TypeSessionPing     = "session.ping"
	TypeSessionPong     = "session.pong"
	TypeProgress        = "progress"
	TypeError           = "error"
)

// Envelope 文本帧的 JSON 结构，按 Type 区分。
type Envelope struct {
	Type       string          `json:"type"`
	Text       string          `json:"text,omitempty"`
	Confidence *float64        `json:"confidence,omitempty"`
	ID         int64           `json:"id,omitempty"`
	TS         int64           `json:"ts,omitempty"`
	Acked      int             `json:"acked,omitempty"`
	Order      json.RawMessage `json:"order,omitempty"`
	Code       string          `json:"code,omitempty"`
	Message    string          `json:"message,omitempty"`
}

// EncodeEnvelope 序列化成文本帧。
func EncodeEnvelope(env Envelope) (Payload, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return Payload{}, err
	}
	return Text(data), nil
}

// decodeEvent 把远端文本帧翻译成事件；ping/pong/progress 由会话自己处理，不在这里。
func decodeEvent(env Envelope) (Event, bool) {
	switch env.Type {
	case TypeTranscriptDelta:
		return TranscriptDelta{Text: env.Text}, true
	case TypeTranscriptFinal:
		confidence := 1.0
		if env.Confidence != nil {
			confidence = *env.Confidence
		}
		return TranscriptFinal{Text: env.Text, Confidence: confidence, Order: env.Order}, true
	case TypeResponseText:
		return ResponseText{Text: env.Text}, true
	case TypeOrderDetected:
		return OrderDetected{Order: env.Order}, true
	case TypeError:
		msg := env.Message
		if msg == "" {
			msg = env.Text
		}
		return RemoteError{Code: env.Code, Message: msg}, true
	default:
		return nil, false
	}
}
