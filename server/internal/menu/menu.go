package menu

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Item 菜单中的一个可点条目。
type Item struct {
	Name     string   `yaml:"name" json:"name"`
	Category string   `yaml:"category" json:"category"`
	Aliases  []string `yaml:"aliases,omitempty" json:"aliases,omitempty"`
}

// Config 是注入到对话状态机的菜单配置。
//
// 约定：
// - Required 按品类列出下单前必须确定的属性（如 bread）。
// - Defaults 是属性的默认值，命中时静默补齐，不向用户追问。
// - Options 是属性的可选值，追问时只取前几个读给用户。
// 品类缺失配置时视为“没有必填属性”，不阻塞下单。
type Config struct {
	Items    []Item              `yaml:"items" json:"items"`
	Required map[string][]string `yaml:"required" json:"required"`
	Defaults map[string]string   `yaml:"defaults" json:"defaults"`
	Options  map[string][]string `yaml:"options" json:"options"`
}

// Load 从 yaml 文件加载菜单配置。
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read menu: %w", err)
	}
	return Parse(data)
}

// Parse 解析 yaml 格式的菜单配置。
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse menu: %w", err)
	}
	cfg.Required = normalizeRequired(cfg.Required)
	return &cfg, nil
}

// FindItem 按名称或别名查找条目（忽略大小写与首尾空白）。
func (c *Config) FindItem(name string) (Item, bool) {
	if c == nil {
		return Item{}, false
	}
	key := normalize(name)
	if key == "" {
		return Item{}, false
	}
	for _, it := range c.Items {
		if normalize(it.Name) == key {
			return it, true
		}
		for _, alias := range it.Aliases {
			if normalize(alias) == key {
				return it, true
			}
		}
	}
	return Item{}, false
}

// RequiredFor 返回品类的必填属性列表；未配置的品类返回 nil。
func (c *Config) RequiredFor(category string) []string {
	if c == nil || c.Required == nil {
		return nil
	}
	fields, ok := c.Required[normalize(category)]
	if !ok {
		fields = c.Required[category]
	}
	out := make([]string, len(fields))
	copy(out, fields)
	return out
}

// DefaultFor 返回属性的默认值。
func (c *Config) DefaultFor(field string) (string, bool) {
	if c == nil || c.Defaults == nil {
		return "", false
	}
	v, ok := c.Defaults[field]
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}

// OptionsFor 返回属性的可选值（副本）。
func (c *Config) OptionsFor(field string) []string {
	if c == nil || c.Options == nil {
		return nil
	}
	opts := c.Options[field]
	out := make([]string, len(opts))
	copy(out, opts)
	return out
}

// Clone 深拷贝配置，运行时更新菜单时避免与调用方共享底层 map。
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}
	out := &Config{
		Items:    make([]Item, len(c.Items)),
		Required: normalizeRequired(c.Required),
		Defaults: make(map[string]string, len(c.Defaults)),
		Options:  make(map[string][]string, len(c.Options)),
	}
	for i, it := range c.Items {
		it.Aliases = append([]string(nil), it.Aliases...)
		out.Items[i] = it
	}
	for k, v := range c.Defaults {
		out.Defaults[k] = v
	}
	for k, v := range c.Options {
		out.Options[k] = append([]string(nil), v...)
	}
	return out
}

// normalizeRequired 品类键统一为小写，与 RequiredFor 的查找方式一致。
func normalizeRequired(in map[string][]string) map[string][]string {
	out := make(map[string][]string, len(in))
	for k, v := range in {
		key := normalize(k)
		out[key] = append(out[key], v...)
	}
	return out
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
