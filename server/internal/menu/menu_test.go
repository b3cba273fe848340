package menu

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleMenu = `
items:
  - name: Greek Bowl
    category: bowls
    aliases: ["greek bowls"]
  - name: Turkey Sandwich
    category: sandwiches
required:
  sandwiches: [bread, cheese]
defaults:
  cheese: swiss
options:
  bread: [wheat, white, sourdough, rye, ciabatta]
`

// TestParseAndLookup 验证菜单解析后可以按名称/别名查找条目，并返回品类必填属性。
func TestParseAndLookup(t *testing.T) {
	cfg, err := Parse([]byte(sampleMenu))
	if err != nil {
		t.Fatalf("parse menu: %v", err)
	}

	item, ok := cfg.FindItem("  GREEK BOWLS ")
	if !ok || item.Name != "Greek Bowl" {
		t.Fatalf("expected alias lookup to find Greek Bowl, got %+v ok=%v", item, ok)
	}
	if got := cfg.RequiredFor("sandwiches"); len(got) != 2 || got[0] != "bread" {
		t.Fatalf("unexpected required fields: %v", got)
	}
	if got := cfg.RequiredFor("drinks"); len(got) != 0 {
		t.Fatalf("expected no required fields for unknown category, got %v", got)
	}
	if v, ok := cfg.DefaultFor("cheese"); !ok || v != "swiss" {
		t.Fatalf("expected cheese default swiss, got %q ok=%v", v, ok)
	}
	if _, ok := cfg.DefaultFor("bread"); ok {
		t.Fatalf("bread should have no default")
	}
}

// TestCloneIsDeep 验证 Clone 返回的配置与原配置不共享底层数据。
func TestCloneIsDeep(t *testing.T) {
	cfg, err := Parse([]byte(sampleMenu))
	if err != nil {
		t.Fatalf("parse menu: %v", err)
	}
	clone := cfg.Clone()
	clone.Required["sandwiches"][0] = "mutated"
	clone.Options["bread"] = nil

	if cfg.Required["sandwiches"][0] != "bread" {
		t.Fatalf("original required fields mutated")
	}
	if len(cfg.OptionsFor("bread")) != 5 {
		t.Fatalf("original options mutated")
	}
}

// TestLoadFromFile 验证从文件加载菜单。
func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "menu.yaml")
	if err := os.WriteFile(path, []byte(sampleMenu), 0o600); err != nil {
		t.Fatalf("write menu: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load menu: %v", err)
	}
	if len(cfg.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(cfg.Items))
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

// TestRequiredCategoryKeysAreCaseInsensitive 验证品类键大小写不影响必填属性查找。
// 场景：yaml 写 “Sandwiches:”，条目品类为 sandwiches；手工构造的配置经 Clone 后同样生效。
func TestRequiredCategoryKeysAreCaseInsensitive(t *testing.T) {
	cfg, err := Parse([]byte("required:\n  Sandwiches: [bread]\n"))
	if err != nil {
		t.Fatalf("parse menu: %v", err)
	}
	if got := cfg.RequiredFor("sandwiches"); len(got) != 1 || got[0] != "bread" {
		t.Fatalf("expected bread for sandwiches, got %v", got)
	}
	if got := cfg.RequiredFor("SANDWICHES"); len(got) != 1 {
		t.Fatalf("expected lookup to ignore case, got %v", got)
	}

	manual := &Config{Required: map[string][]string{" Wraps ": {"tortilla"}}}
	if got := manual.Clone().RequiredFor("wraps"); len(got) != 1 || got[0] != "tortilla" {
		t.Fatalf("expected cloned config to normalize keys, got %v", got)
	}
}
