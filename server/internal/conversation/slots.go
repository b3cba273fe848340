package conversation

import (
	"strings"

	"voiceorder/server/internal/menu"
)

// planSlots 计算当前条目还缺哪些必填属性。
//
// 条目已有属性、会话记忆、菜单默认值都算“已满足”，后两者静默写入条目，不追问。
// 品类没有配置时返回空，避免未知品类阻塞下单。
func planSlots(c *Context, cfg *menu.Config) {
	c.PendingSlots = make(map[string]*RequiredSlot)
	c.SlotOrder = nil

	item := c.CurrentItem
	if item == nil {
		return
	}
	if item.Attributes == nil {
		item.Attributes = make(map[string]string)
	}

	for _, field := range cfg.RequiredFor(item.Category) {
		if v := strings.TrimSpace(item.Attributes[field]); v != "" {
			continue
		}
		if v, ok := c.SlotMemory[field]; ok && v != "" {
			item.Attributes[field] = v
			continue
		}
		if v, ok := cfg.DefaultFor(field); ok {
			item.Attributes[field] = v
			continue
		}
		if _, dup := c.PendingSlots[field]; dup {
			continue
		}
		c.PendingSlots[field] = &RequiredSlot{
			Name:     field,
			Options:  cfg.OptionsFor(field),
			Required: true,
		}
		c.SlotOrder = append(c.SlotOrder, field)
	}
}

// nextSlot 返回第一个仍未解决的槽位。
func nextSlot(c *Context) *RequiredSlot {
	for _, name := range c.SlotOrder {
		slot, ok := c.PendingSlots[name]
		if ok && !slot.Resolved() {
			return slot
		}
	}
	return nil
}

// resolveSlot 把回答写入槽位、条目与会话记忆，然后丢弃该槽位。
func resolveSlot(c *Context, slot *RequiredSlot, value string) {
	slot.Value = value
	if c.CurrentItem != nil {
		if c.CurrentItem.Attributes == nil {
			c.CurrentItem.Attributes = make(map[string]string)
		}
		c.CurrentItem.Attributes[slot.Name] = value
	}
	c.SlotMemory[slot.Name] = value

	delete(c.PendingSlots, slot.Name)
	order := c.SlotOrder[:0]
	for _, name := range c.SlotOrder {
		if name != slot.Name {
			order = append(order, name)
		}
	}
	c.SlotOrder = order
}

// slotAnswer 从一轮输入中取出槽位答案。
// 优先使用上游抽取的 modifier，其次把原文与可选值做不区分大小写的匹配，最后退回原文。
func slotAnswer(slot *RequiredSlot, in Input) string {
	if in.Hints != nil {
		for _, hint := range in.Hints.Items {
			if v := strings.TrimSpace(hint.Modifiers[slot.Name]); v != "" {
				return v
			}
		}
	}

	text := strings.TrimSpace(in.Text)
	if text == "" {
		return ""
	}
	lower := strings.ToLower(text)
	for _, opt := range slot.Options {
		if strings.ToLower(opt) == lower {
			return opt
		}
	}
	for _, opt := range slot.Options {
		if containsWord(lower, strings.ToLower(opt)) {
			return opt
		}
	}
	return strings.Trim(text, " .!?,")
}

// choicesFor 最多给出 max 个选项，语音场景不念长列表。
func choicesFor(slot *RequiredSlot, max int) []string {
	if len(slot.Options) == 0 || max <= 0 {
		return nil
	}
	if len(slot.Options) < max {
		max = len(slot.Options)
	}
	return append([]string(nil), slot.Options[:max]...)
}

func containsWord(text, word string) bool {
	if word == "" {
		return false
	}
	for _, f := range strings.FieldsFunc(text, isSeparator) {
		if f == word {
			return true
		}
	}
	return strings.Contains(word, " ") && strings.Contains(text, word)
}

func isSeparator(r rune) bool {
	switch r {
	case ' ', ',', '.', '!', '?', ';', ':', '\t', '\n':
		return true
	}
	return false
}
