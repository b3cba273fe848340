package conversation

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"voiceorder/server/internal/menu"
)

// Options 对话参数。
type Options struct {
	// ConfidenceThreshold 低于该置信度的输入只做澄清，不推进状态。
	ConfidenceThreshold float64 `yaml:"confidence_threshold" json:"confidence_threshold"`
	// MaxSpeakWords 播报文本的词数上限。
	MaxSpeakWords int `yaml:"max_speak_words" json:"max_speak_words"`
	// MaxChoices 追问槽位时最多给出的选项数。
	MaxChoices int `yaml:"max_choices" json:"max_choices"`
}

const (
	defaultConfidenceThreshold = 0.6
	defaultMaxSpeakWords       = 30
	defaultMaxChoices          = 3
)

// WithDefaults 补齐未设置的参数。
func (o Options) WithDefaults() Options {
	if o.ConfidenceThreshold <= 0 {
		o.ConfidenceThreshold = defaultConfidenceThreshold
	}
	if o.MaxSpeakWords <= 0 {
		o.MaxSpeakWords = defaultMaxSpeakWords
	}
	if o.MaxChoices <= 0 {
		o.MaxChoices = defaultMaxChoices
	}
	return o
}

// Env 一轮转移依赖的外部输入：菜单、参数与时钟。
type Env struct {
	Menu    *menu.Config
	Options Options
	Now     func() time.Time
}

func (e Env) now() time.Time {
	if e.Now == nil {
		return time.Now()
	}
	return e.Now()
}

// Step 对话状态转移：(Context, Input) -> (Context, Output)。
//
// 只修改传入的 Context，不做任何外部调用；调用方负责串行化，同一会话不允许并发 Step。
func Step(c *Context, env Env, in Input) Output {
	env.Options = env.Options.WithDefaults()
	started := env.now()

	c.Turn++
	c.LastTurnAt = started

	var out Output
	if math.IsNaN(in.Confidence) {
		in.Confidence = 0
	}
	if !(in.Confidence >= env.Options.ConfidenceThreshold) {
		// 低置信度只澄清：垃圾抽取不能污染槽位状态。
		out = Output{
			Speak: fmt.Sprintf("Did you say '%s'?", strings.TrimSpace(in.Text)),
			State: c.State,
		}
	} else {
		out = dispatch(c, env, in)
	}

	return finalize(out, env, in.Confidence, c.Turn, started)
}

// Confirm 外部确认结账：CHECKOUT_CONFIRM -> CLOSE。其他状态下不做转移。
func Confirm(c *Context, env Env) Output {
	env.Options = env.Options.WithDefaults()
	started := env.now()
	if c.State != StateCheckoutConfirm {
		return finalize(Output{State: c.State}, env, 1, c.Turn, started)
	}
	c.State = StateClose
	return finalize(closing(c), env, 1, c.Turn, started)
}

func finalize(out Output, env Env, confidence float64, turn int, started time.Time) Output {
	out.Speak = truncateWords(out.Speak, env.Options.MaxSpeakWords)
	if len(out.Actions) == 0 {
		out.Actions = []Action{ActionNone}
	}
	out.Telemetry = Telemetry{
		Confidence:    confidence,
		TurnLatencyMS: float64(env.now().Sub(started).Microseconds()) / 1000,
		Turn:          turn,
	}
	return out
}

func dispatch(c *Context, env Env, in Input) Output {
	switch c.State {
	case StateAwaitOrder:
		return awaitOrder(c, env, in)
	case StateCaptureItem:
		return captureItem(c, env)
	case StateCaptureRequired:
		return captureRequired(c, env, in)
	case StateConfirmItem:
		return confirmItem(c)
	case StateAddMore:
		return addMore(c, env, in)
	case StateCheckoutConfirm:
		return checkoutSummary(c)
	case StateClose:
		return closing(c)
	default:
		// 未知状态按初始状态处理。
		c.State = StateAwaitOrder
		return awaitOrder(c, env, in)
	}
}

func hasItemHint(h *Hints) bool {
	return h != nil && len(h.Items) > 0 && strings.TrimSpace(h.Items[0].Name) != ""
}

func awaitOrder(c *Context, env Env, in Input) Output {
	if !hasItemHint(in.Hints) {
		prompt := "What would you like to order?"
		if len(c.Items) > 0 {
			prompt = "What else would you like?"
		}
		return Output{Speak: prompt, State: c.State}
	}

	item := itemFromHint(in.Hints.Items[0], env.Menu)
	c.CurrentItem = &item
	c.State = StateCaptureItem
	return captureItem(c, env)
}

func captureItem(c *Context, env Env) Output {
	if c.CurrentItem == nil {
		c.State = StateAwaitOrder
		return Output{Speak: "What would you like to order?", State: c.State}
	}

	planSlots(c, env.Menu)
	if slot := nextSlot(c); slot != nil {
		c.State = StateCaptureRequired
		return askSlot(c, slot, env.Options.MaxChoices)
	}

	c.State = StateConfirmItem
	return confirmItem(c)
}

func captureRequired(c *Context, env Env, in Input) Output {
	slot := nextSlot(c)
	if slot == nil {
		c.State = StateConfirmItem
		return confirmItem(c)
	}

	answer := slotAnswer(slot, in)
	if answer == "" {
		return askSlot(c, slot, env.Options.MaxChoices)
	}
	resolveSlot(c, slot, answer)

	if next := nextSlot(c); next != nil {
		return askSlot(c, next, env.Options.MaxChoices)
	}

	c.State = StateConfirmItem
	return confirmItem(c)
}

// confirmItem 隐式确认：条目直接入单，播报确认并询问是否还要别的。
func confirmItem(c *Context) Output {
	if c.CurrentItem == nil {
		c.State = StateAwaitOrder
		return Output{Speak: "What would you like to order?", State: c.State}
	}

	// 进入 CONFIRM_ITEM 之后不允许残留未解决的槽位。
	c.PendingSlots = make(map[string]*RequiredSlot)
	c.SlotOrder = nil

	item := cloneItem(*c.CurrentItem)
	c.Items = append(c.Items, item)
	c.State = StateAddMore

	summary := describeItem(item)
	return Output{
		Speak:         fmt.Sprintf("Got it, %s. Anything else?", summary),
		State:         c.State,
		OrderDelta:    []OrderItem{item},
		Confirmations: []string{summary},
	}
}

func addMore(c *Context, env Env, in Input) Output {
	// 带了新条目就继续点单，“no, also a soda” 不算结束
	if !hasItemHint(in.Hints) && isCompletion(in.Text) {
		c.CurrentItem = nil
		c.State = StateCheckoutConfirm
		return checkoutSummary(c)
	}

	c.CurrentItem = nil
	c.State = StateAwaitOrder
	return awaitOrder(c, env, in)
}

func checkoutSummary(c *Context) Output {
	if len(c.Items) == 0 {
		return Output{
			Speak:   "Your order is empty. What would you like?",
			State:   c.State,
			Actions: []Action{ActionQuoteTotal},
		}
	}
	parts := make([]string, 0, len(c.Items))
	for _, it := range c.Items {
		parts = append(parts, shortItem(it))
	}
	return Output{
		Speak:   fmt.Sprintf("You have %s. Shall I place the order?", joinList(parts)),
		State:   c.State,
		Actions: []Action{ActionQuoteTotal},
	}
}

func closing(c *Context) Output {
	return Output{
		Speak:   "Thanks! Your order is in.",
		State:   c.State,
		Actions: []Action{ActionPlaceOrder},
	}
}

func askSlot(c *Context, slot *RequiredSlot, maxChoices int) Output {
	choices := choicesFor(slot, maxChoices)
	name := strings.ReplaceAll(slot.Name, "_", " ")
	speak := fmt.Sprintf("What %s would you like?", name)
	if len(choices) > 0 {
		speak = fmt.Sprintf("What %s would you like? %s?", name, joinChoices(choices))
	}
	return Output{
		Speak:   speak,
		State:   c.State,
		Request: &SlotRequest{Slot: slot.Name, Choices: choices},
	}
}

func itemFromHint(h ItemHint, cfg *menu.Config) OrderItem {
	item := OrderItem{
		Name:     strings.TrimSpace(h.Name),
		Category: h.Category,
		Quantity: h.Quantity,
	}
	if item.Quantity <= 0 {
		item.Quantity = 1
	}
	// 菜单上的条目以菜单品类为准，上游给的品类只用于菜单外的条目
	if known, ok := cfg.FindItem(item.Name); ok {
		item.Name = known.Name
		item.Category = known.Category
	}
	if len(h.Modifiers) > 0 {
		item.Attributes = make(map[string]string, len(h.Modifiers))
		for k, v := range h.Modifiers {
			if v = strings.TrimSpace(v); v != "" {
				item.Attributes[k] = v
			}
		}
	}
	return item
}

func shortItem(it OrderItem) string {
	return fmt.Sprintf("%d %s", it.Quantity, it.Name)
}

func describeItem(it OrderItem) string {
	if len(it.Attributes) == 0 {
		return shortItem(it)
	}
	keys := make([]string, 0, len(it.Attributes))
	for k := range it.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	vals := make([]string, 0, len(keys))
	for _, k := range keys {
		vals = append(vals, fmt.Sprintf("%s %s", it.Attributes[k], strings.ReplaceAll(k, "_", " ")))
	}
	return fmt.Sprintf("%s with %s", shortItem(it), joinList(vals))
}
