package conversation

import "time"

// State 对话状态。逻辑上是一条流水线，但 ADD_MORE 可以回到 AWAIT_ORDER。
type State string

const (
	StateAwaitOrder      State = "AWAIT_ORDER"
	StateCaptureItem     State = "CAPTURE_ITEM"
	StateCaptureRequired State = "CAPTURE_REQUIRED"
	StateConfirmItem     State = "CONFIRM_ITEM"
	StateAddMore         State = "ADD_MORE"
	StateCheckoutConfirm State = "CHECKOUT_CONFIRM"
	StateClose           State = "CLOSE"
)

// stage 返回状态在流水线中的位置，用于“是否已越过 CAPTURE_REQUIRED”的判断。
func (s State) stage() int {
	switch s {
	case StateAwaitOrder:
		return 0
	case StateCaptureItem:
		return 1
	case StateCaptureRequired:
		return 2
	case StateConfirmItem:
		return 3
	case StateAddMore:
		return 4
	case StateCheckoutConfirm:
		return 5
	case StateClose:
		return 6
	default:
		return -1
	}
}

// PastCaptureRequired 表示状态已进入 CONFIRM_ITEM 或之后。
func (s State) PastCaptureRequired() bool {
	return s.stage() >= StateConfirmItem.stage()
}

// Action 建议外部执行的动作。
type Action string

const (
	ActionNone       Action = "none"
	ActionQuoteTotal Action = "quoteTotal"
	ActionPlaceOrder Action = "placeOrder"
)

// ItemHint 上游 NLU 已解析出的条目信息。状态机本身不做 NLU。
type ItemHint struct {
	Name      string            `json:"name"`
	Quantity  int               `json:"quantity,omitempty"`
	Category  string            `json:"category,omitempty"`
	Modifiers map[string]string `json:"modifiers,omitempty"`
}

// Hints 随一轮输入携带的结构化抽取结果。
type Hints struct {
	Items []ItemHint `json:"items,omitempty"`
}

// Input 一轮对话的输入。
type Input struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Hints      *Hints  `json:"extracted_hints,omitempty"`
}

// OrderItem 正在构建或已确认的条目。
type OrderItem struct {
	Name       string            `json:"name"`
	Category   string            `json:"category,omitempty"`
	Quantity   int               `json:"quantity"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// RequiredSlot 当前条目的一个待确定属性；Value 为空表示尚未解决。
type RequiredSlot struct {
	Name     string   `json:"name"`
	Value    string   `json:"value,omitempty"`
	Options  []string `json:"options,omitempty"`
	Required bool     `json:"required"`
}

// Resolved 槽位是否已有值。
func (s *RequiredSlot) Resolved() bool {
	return s != nil && s.Value != ""
}

// SlotRequest 向用户追问某个槽位。
type SlotRequest struct {
	Slot    string   `json:"slot"`
	Choices []string `json:"choices,omitempty"`
}

// Telemetry 每轮输出附带的遥测信息。
type Telemetry struct {
	Confidence    float64 `json:"confidence"`
	TurnLatencyMS float64 `json:"turn_latency_ms"`
	Turn          int     `json:"turn"`
}

// Output 一轮对话的结果。
type Output struct {
	Speak         string       `json:"speak"`
	State         State        `json:"state"`
	Request       *SlotRequest `json:"request,omitempty"`
	OrderDelta    []OrderItem  `json:"order_delta,omitempty"`
	Confirmations []string     `json:"confirmations,omitempty"`
	Actions       []Action     `json:"actions,omitempty"`
	Telemetry     Telemetry    `json:"telemetry"`
}

// Context 单个语音会话的完整对话状态，由一个 Machine 独占。
type Context struct {
	State       State      `json:"state"`
	CurrentItem *OrderItem `json:"current_item,omitempty"`
	// PendingSlots 按名称索引；SlotOrder 记录追问顺序。
	PendingSlots map[string]*RequiredSlot `json:"pending_slots,omitempty"`
	SlotOrder    []string                 `json:"slot_order,omitempty"`
	Items        []OrderItem              `json:"items"`
	Turn         int                      `json:"turn"`
	// SlotMemory 会话内用户给过的属性值，作为后续条目的隐式默认值。
	SlotMemory map[string]string `json:"slot_memory,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	LastTurnAt time.Time         `json:"last_turn_at,omitempty"`
}

// NewContext 创建处于 AWAIT_ORDER 的空上下文。
func NewContext(now time.Time) *Context {
	return &Context{
		State:        StateAwaitOrder,
		PendingSlots: make(map[string]*RequiredSlot),
		SlotMemory:   make(map[string]string),
		StartedAt:    now,
	}
}

// Clone 深拷贝上下文，供只读快照使用。
func (c *Context) Clone() Context {
	out := *c
	if c.CurrentItem != nil {
		item := cloneItem(*c.CurrentItem)
		out.CurrentItem = &item
	}
	out.PendingSlots = make(map[string]*RequiredSlot, len(c.PendingSlots))
	for k, v := range c.PendingSlots {
		slot := *v
		slot.Options = append([]string(nil), v.Options...)
		out.PendingSlots[k] = &slot
	}
	out.SlotOrder = append([]string(nil), c.SlotOrder...)
	out.Items = make([]OrderItem, len(c.Items))
	for i, it := range c.Items {
		out.Items[i] = cloneItem(it)
	}
	out.SlotMemory = make(map[string]string, len(c.SlotMemory))
	for k, v := range c.SlotMemory {
		out.SlotMemory[k] = v
	}
	return out
}

// UnresolvedSlots 返回仍未解决的必填槽位名称（按追问顺序）。
func (c *Context) UnresolvedSlots() []string {
	var out []string
	for _, name := range c.SlotOrder {
		if slot, ok := c.PendingSlots[name]; ok && slot.Required && !slot.Resolved() {
			out = append(out, name)
		}
	}
	return out
}

func cloneItem(it OrderItem) OrderItem {
	if it.Attributes != nil {
		attrs := make(map[string]string, len(it.Attributes))
		for k, v := range it.Attributes {
			attrs[k] = v
		}
		it.Attributes = attrs
	}
	return it
}
