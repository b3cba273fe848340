package conversation

import (
	"fmt"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voiceorder/server/internal/menu"
)

func testMenu() *menu.Config {
	return &menu.Config{
		Items: []menu.Item{
			{Name: "Greek Bowl", Category: "bowls"},
			{Name: "Turkey Sandwich", Category: "sandwiches"},
			{Name: "Veggie Sandwich", Category: "sandwiches"},
			{Name: "Soda", Category: "drinks"},
		},
		Required: map[string][]string{
			"sandwiches": {"bread", "cheese"},
		},
		Defaults: map[string]string{
			"cheese": "swiss",
		},
		Options: map[string][]string{
			"bread": {"wheat", "white", "sourdough", "rye", "ciabatta"},
			"sauce": {"mayo", "mustard"},
		},
	}
}

func fixedClock() func() time.Time {
	ts := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return ts }
}

func newTestMachine() *Machine {
	return NewMachine(testMenu(), Options{}, fixedClock())
}

func hint(name string, qty int) *Hints {
	return &Hints{Items: []ItemHint{{Name: name, Quantity: qty}}}
}

// TestTwoGreekBowls 验证无必填属性的条目一轮内直接入单。
// 场景：“two greek bowls”，置信度 0.95，提示 2 份 Greek Bowl，bowls 品类无必填字段。
func TestTwoGreekBowls(t *testing.T) {
	m := newTestMachine()

	out := m.Process("two greek bowls", 0.95, hint("Greek Bowl", 2))

	assert.Equal(t, StateAddMore, out.State)
	require.Len(t, out.OrderDelta, 1)
	assert.Equal(t, "Greek Bowl", out.OrderDelta[0].Name)
	assert.Equal(t, 2, out.OrderDelta[0].Quantity)
	assert.Contains(t, out.Speak, "2 Greek Bowl")
	assert.Contains(t, out.Confirmations, "2 Greek Bowl")
	assert.Equal(t, []Action{ActionNone}, out.Actions)
	assert.Equal(t, 0.95, out.Telemetry.Confidence)
	assert.Equal(t, 1, out.Telemetry.Turn)
}

// TestRequiredSlotPrompt 验证缺少必填属性（无默认值、无会话记忆）时进入 CAPTURE_REQUIRED 并追问。
func TestRequiredSlotPrompt(t *testing.T) {
	m := newTestMachine()

	out := m.Process("a turkey sandwich", 0.9, hint("turkey sandwich", 1))

	assert.Equal(t, StateCaptureRequired, out.State)
	require.NotNil(t, out.Request)
	assert.Equal(t, "bread", out.Request.Slot)
	assert.LessOrEqual(t, len(out.Request.Choices), 3)
	assert.Equal(t, []string{"wheat", "white", "sourdough"}, out.Request.Choices)
	assert.Empty(t, out.OrderDelta)

	// cheese 命中默认值，不追问。
	snap := m.Snapshot()
	_, pendingCheese := snap.PendingSlots["cheese"]
	assert.False(t, pendingCheese)
	assert.Equal(t, "swiss", snap.CurrentItem.Attributes["cheese"])
}

// TestSlotAnswerAndSessionMemory 验证槽位回答写入会话记忆，后续同品类条目不再追问。
func TestSlotAnswerAndSessionMemory(t *testing.T) {
	m := newTestMachine()

	m.Process("a turkey sandwich", 0.9, hint("Turkey Sandwich", 1))
	out := m.Process("wheat", 0.9, nil)

	assert.Equal(t, StateAddMore, out.State)
	require.Len(t, out.OrderDelta, 1)
	assert.Equal(t, "wheat", out.OrderDelta[0].Attributes["bread"])
	assert.Equal(t, "swiss", out.OrderDelta[0].Attributes["cheese"])

	out = m.Process("and a veggie sandwich", 0.9, hint("Veggie Sandwich", 1))
	assert.Equal(t, StateAddMore, out.State)
	assert.Nil(t, out.Request)
	require.Len(t, out.OrderDelta, 1)
	assert.Equal(t, "Veggie Sandwich", out.OrderDelta[0].Name)
	assert.Equal(t, "wheat", out.OrderDelta[0].Attributes["bread"])

	snap := m.Snapshot()
	assert.Len(t, snap.Items, 2)
	assert.Equal(t, "wheat", snap.SlotMemory["bread"])
}

// TestLowConfidenceDoesNotAdvance 验证低置信度输入在任意状态下都只返回澄清问题。
func TestLowConfidenceDoesNotAdvance(t *testing.T) {
	m := newTestMachine()

	out := m.Process("two greek bowls", 0.4, hint("Greek Bowl", 2))
	assert.Equal(t, StateAwaitOrder, out.State)
	assert.Equal(t, "Did you say 'two greek bowls'?", out.Speak)
	assert.Empty(t, out.OrderDelta)

	m.Process("a turkey sandwich", 0.9, hint("Turkey Sandwich", 1))
	out = m.Process("wheat", 0.3, nil)
	assert.Equal(t, StateCaptureRequired, out.State)
	snap := m.Snapshot()
	assert.Equal(t, []string{"bread"}, snap.UnresolvedSlots())
	_, remembered := snap.SlotMemory["bread"]
	assert.False(t, remembered)
}

// TestEmptyAnswerReasksSlot 验证空回答会重复追问同一槽位。
func TestEmptyAnswerReasksSlot(t *testing.T) {
	m := newTestMachine()
	m.Process("turkey sandwich", 0.9, hint("Turkey Sandwich", 1))

	out := m.Process("   ", 0.9, nil)
	assert.Equal(t, StateCaptureRequired, out.State)
	require.NotNil(t, out.Request)
	assert.Equal(t, "bread", out.Request.Slot)
}

// TestMultipleSlotsAskedOneAtATime 验证多个缺失槽位逐个追问，并从自由文本中匹配选项。
func TestMultipleSlotsAskedOneAtATime(t *testing.T) {
	m := newTestMachine()
	cfg := testMenu()
	cfg.Required["sandwiches"] = []string{"bread", "sauce"}
	m.UpdateMenuConfig(cfg)

	out := m.Process("turkey sandwich", 0.9, hint("Turkey Sandwich", 1))
	require.NotNil(t, out.Request)
	assert.Equal(t, "bread", out.Request.Slot)

	out = m.Process("sourdough please", 0.9, nil)
	assert.Equal(t, StateCaptureRequired, out.State)
	require.NotNil(t, out.Request)
	assert.Equal(t, "sauce", out.Request.Slot)
	assert.Equal(t, []string{"mayo", "mustard"}, out.Request.Choices)

	out = m.Process("Mustard.", 0.9, nil)
	assert.Equal(t, StateAddMore, out.State)
	require.Len(t, out.OrderDelta, 1)
	assert.Equal(t, "sourdough", out.OrderDelta[0].Attributes["bread"])
	assert.Equal(t, "mustard", out.OrderDelta[0].Attributes["sauce"])
}

// TestHintModifiersSatisfySlots 验证上游抽取的 modifier 直接满足必填属性。
func TestHintModifiersSatisfySlots(t *testing.T) {
	m := newTestMachine()

	out := m.Process("turkey sandwich on rye", 0.9, &Hints{Items: []ItemHint{{
		Name:      "Turkey Sandwich",
		Modifiers: map[string]string{"bread": "rye"},
	}}})

	assert.Equal(t, StateAddMore, out.State)
	require.Len(t, out.OrderDelta, 1)
	assert.Equal(t, "rye", out.OrderDelta[0].Attributes["bread"])
	assert.Contains(t, out.Speak, "1 Turkey Sandwich with rye bread and swiss cheese")
}

// TestUnknownCategoryHasNoRequiredSlots 验证菜单中没有配置的品类不会阻塞下单。
func TestUnknownCategoryHasNoRequiredSlots(t *testing.T) {
	m := newTestMachine()

	out := m.Process("mystery dish", 0.9, &Hints{Items: []ItemHint{{Name: "Mystery Dish", Category: "specials"}}})
	assert.Equal(t, StateAddMore, out.State)
	require.Len(t, out.OrderDelta, 1)
	assert.Equal(t, 1, out.OrderDelta[0].Quantity)
}

// TestAwaitOrderWithoutItemReprompts 验证没有抽取到条目时重新提示并停留在 AWAIT_ORDER。
func TestAwaitOrderWithoutItemReprompts(t *testing.T) {
	m := newTestMachine()

	out := m.Process("hmm let me think", 0.9, nil)
	assert.Equal(t, StateAwaitOrder, out.State)
	assert.Equal(t, "What would you like to order?", out.Speak)
}

// TestCheckoutAndClose 验证完整的结账流程：完成语 -> CHECKOUT_CONFIRM -> 外部确认 -> CLOSE。
func TestCheckoutAndClose(t *testing.T) {
	m := newTestMachine()
	m.Process("two greek bowls", 0.95, hint("Greek Bowl", 2))
	m.Process("and a soda", 0.95, hint("Soda", 1))

	out := m.Process("that's all", 0.9, nil)
	assert.Equal(t, StateCheckoutConfirm, out.State)
	assert.Equal(t, []Action{ActionQuoteTotal}, out.Actions)
	assert.Equal(t, "You have 2 Greek Bowl and 1 Soda. Shall I place the order?", out.Speak)

	// 结账确认只能由外部显式触发，用户文本不会自动关单。
	out = m.Process("yes", 0.9, nil)
	assert.Equal(t, StateCheckoutConfirm, out.State)

	out = m.Confirm()
	assert.Equal(t, StateClose, out.State)
	assert.Equal(t, []Action{ActionPlaceOrder}, out.Actions)

	out = m.Process("bye", 0.9, nil)
	assert.Equal(t, StateClose, out.State)
	assert.Equal(t, []Action{ActionPlaceOrder}, out.Actions)
}

// TestConfirmOutsideCheckoutIsNoop 验证非结账状态下的外部确认不改变状态。
func TestConfirmOutsideCheckoutIsNoop(t *testing.T) {
	m := newTestMachine()
	out := m.Confirm()
	assert.Equal(t, StateAwaitOrder, out.State)
	assert.Equal(t, []Action{ActionNone}, out.Actions)
}

// TestAddMoreLoopsBack 验证 ADD_MORE 非完成语回到 AWAIT_ORDER。
func TestAddMoreLoopsBack(t *testing.T) {
	m := newTestMachine()
	m.Process("two greek bowls", 0.95, hint("Greek Bowl", 2))

	out := m.Process("yes", 0.9, nil)
	assert.Equal(t, StateAwaitOrder, out.State)
	assert.Equal(t, "What else would you like?", out.Speak)
	assert.Nil(t, m.Snapshot().CurrentItem)
}

// TestSpeakTruncatedToWordBudget 验证播报文本不超过词数上限，并以省略号结尾。
func TestSpeakTruncatedToWordBudget(t *testing.T) {
	m := NewMachine(testMenu(), Options{MaxSpeakWords: 3}, fixedClock())

	out := m.Process("hello there", 0.9, nil)
	assert.Equal(t, "What would you…", out.Speak)
	assert.LessOrEqual(t, WordCount(out.Speak), 3)
}

// TestReset 验证 Reset 丢弃全部上下文。
func TestReset(t *testing.T) {
	m := newTestMachine()
	m.Process("a turkey sandwich", 0.9, hint("Turkey Sandwich", 1))
	m.Process("wheat", 0.9, nil)

	m.Reset()
	snap := m.Snapshot()
	assert.Equal(t, StateAwaitOrder, snap.State)
	assert.Empty(t, snap.Items)
	assert.Empty(t, snap.SlotMemory)
	assert.Equal(t, 0, snap.Turn)
}

// TestInvariantsUnderRandomTurns 对随机轮次序列检查不变量：
// - 越过 CAPTURE_REQUIRED 后不存在未赋值的槽位；
// - 播报不超过词数上限；
// - 低置信度输入不改变状态；
// - 追问选项不超过 3 个。
func TestInvariantsUnderRandomTurns(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	texts := []string{"", "wheat", "no", "that's all", "yes", "sourdough please", "a long rambling answer about nothing in particular that keeps going on and on and on for a while longer than anyone would like"}
	items := []string{"Greek Bowl", "Turkey Sandwich", "Veggie Sandwich", "Soda", "Mystery"}

	for run := 0; run < 50; run++ {
		m := NewMachine(testMenu(), Options{MaxSpeakWords: 12}, fixedClock())
		for turn := 0; turn < 40; turn++ {
			before := m.State()
			conf := rng.Float64()
			var hints *Hints
			if rng.Intn(2) == 0 {
				hints = hint(items[rng.Intn(len(items))], rng.Intn(3))
			}
			text := texts[rng.Intn(len(texts))]

			var out Output
			if rng.Intn(10) == 0 {
				out = m.Confirm()
			} else {
				out = m.Process(text, conf, hints)
				if conf < defaultConfidenceThreshold {
					require.Equal(t, before, out.State, "low confidence must not advance (run %d turn %d)", run, turn)
				}
			}

			label := fmt.Sprintf("run %d turn %d", run, turn)
			require.LessOrEqual(t, WordCount(out.Speak), 12, label)
			if out.Request != nil {
				require.LessOrEqual(t, len(out.Request.Choices), 3, label)
			}
			snap := m.Snapshot()
			if snap.State.PastCaptureRequired() {
				require.Empty(t, snap.UnresolvedSlots(), label)
				require.Empty(t, snap.PendingSlots, label)
			}
			for _, it := range snap.Items {
				for _, field := range testMenu().RequiredFor(it.Category) {
					require.NotEmpty(t, it.Attributes[field], label)
				}
			}
		}
	}
}

// TestMenuCategoryWinsOverHintCategory 验证菜单上的条目按菜单品类计算必填属性。
// 场景：上游把 Turkey Sandwich 标成 “Sandwich”，仍然要追问 bread。
func TestMenuCategoryWinsOverHintCategory(t *testing.T) {
	m := newTestMachine()

	out := m.Process("a turkey sandwich", 0.9, &Hints{Items: []ItemHint{{Name: "Turkey Sandwich", Category: "Sandwich"}}})
	assert.Equal(t, StateCaptureRequired, out.State)
	require.NotNil(t, out.Request)
	assert.Equal(t, "bread", out.Request.Slot)
	assert.Equal(t, "sandwiches", m.Snapshot().CurrentItem.Category)
}

// TestAddMoreWithNewItemIsNotCompletion 验证带新条目的否定句继续点单。
// 场景：已点 Greek Bowl，用户说 “no, also a soda” 并抽取到 Soda。
func TestAddMoreWithNewItemIsNotCompletion(t *testing.T) {
	m := newTestMachine()
	m.Process("a greek bowl", 0.9, hint("Greek Bowl", 1))

	out := m.Process("no, also a soda", 0.9, hint("Soda", 1))
	assert.Equal(t, StateAddMore, out.State)
	require.Len(t, out.OrderDelta, 1)
	assert.Equal(t, "Soda", out.OrderDelta[0].Name)
	assert.Len(t, m.Snapshot().Items, 2)

	out = m.Process("no thanks", 0.9, nil)
	assert.Equal(t, StateCheckoutConfirm, out.State)
}

// TestChoicesCapitalizeMultibyteLetter 验证选项首字母大写不破坏多字节字符。
func TestChoicesCapitalizeMultibyteLetter(t *testing.T) {
	cfg := testMenu()
	cfg.Items = append(cfg.Items, menu.Item{Name: "Crepe", Category: "crepes"})
	cfg.Required["crepes"] = []string{"filling"}
	cfg.Options["filling"] = []string{"épinards", "jambon"}
	m := NewMachine(cfg, Options{}, fixedClock())

	out := m.Process("a crepe", 0.9, hint("Crepe", 1))
	assert.Equal(t, "What filling would you like? Épinards or jambon?", out.Speak)
}

// TestNaNConfidenceIsLowConfidence 验证非法置信度按低置信度处理。
func TestNaNConfidenceIsLowConfidence(t *testing.T) {
	m := newTestMachine()

	out := m.Process("two greek bowls", math.NaN(), hint("Greek Bowl", 2))
	assert.Equal(t, StateAwaitOrder, out.State)
	assert.Equal(t, "Did you say 'two greek bowls'?", out.Speak)
	assert.Zero(t, out.Telemetry.Confidence)
	assert.Empty(t, m.Snapshot().Items)
}
