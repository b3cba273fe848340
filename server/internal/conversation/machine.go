package conversation

import (
	"log"
	"sync"
	"time"

	"voiceorder/server/internal/menu"
)

// Machine 持有一个语音会话的对话上下文，把每轮输入交给 Step。
//
// 同一会话的轮次必须串行（由编排层排队保证）；锁只用于隔离运行时的菜单更新与快照读取。
type Machine struct {
	mu     sync.Mutex
	ctx    *Context
	menu   *menu.Config
	opts   Options
	now    func() time.Time
	logger *log.Logger
}

// NewMachine 创建对话状态机。
func NewMachine(cfg *menu.Config, opts Options, now func() time.Time) *Machine {
	if now == nil {
		now = time.Now
	}
	return &Machine{
		ctx:    NewContext(now()),
		menu:   cfg.Clone(),
		opts:   opts.WithDefaults(),
		now:    now,
		logger: log.Default(),
	}
}

// SetLogger 替换日志输出。
func (m *Machine) SetLogger(logger *log.Logger) {
	if logger != nil {
		m.logger = logger
	}
}

// Process 处理一轮用户输入。
func (m *Machine) Process(text string, confidence float64, hints *Hints) Output {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.ctx.State
	out := Step(m.ctx, m.env(), Input{Text: text, Confidence: confidence, Hints: hints})
	if from != out.State {
		m.logger.Printf("[Conversation] turn=%d %s -> %s", out.Telemetry.Turn, from, out.State)
	}
	return out
}

// Confirm 外部确认结账。
func (m *Machine) Confirm() Output {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := Confirm(m.ctx, m.env())
	m.logger.Printf("[Conversation] checkout confirm: state=%s", out.State)
	return out
}

// Reset 丢弃上下文（会话被放弃时调用）。
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctx = NewContext(m.now())
}

// UpdateMenuConfig 运行时替换菜单配置，下一轮生效。
func (m *Machine) UpdateMenuConfig(cfg *menu.Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.menu = cfg.Clone()
}

// Snapshot 返回上下文的只读副本。
func (m *Machine) Snapshot() Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctx.Clone()
}

// State 当前对话状态。
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctx.State
}

func (m *Machine) env() Env {
	return Env{Menu: m.menu, Options: m.opts, Now: m.now}
}
