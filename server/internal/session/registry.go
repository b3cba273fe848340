package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"voiceorder/server/internal/conversation"
	"voiceorder/server/internal/menu"
	"voiceorder/server/internal/model"
	"voiceorder/server/internal/orchestrator"
	"voiceorder/server/internal/timeline"
	"voiceorder/server/internal/transport"
)

// VoiceSession 一个语音会话：一条传输会话、一台对话状态机、一个编排器。
type VoiceSession struct {
	ID           string
	RestaurantID string
	CreatedAt    time.Time

	Transport    *transport.Session
	Machine      *conversation.Machine
	Orchestrator *orchestrator.Orchestrator
}

// Summary 会话概况。
func (vs *VoiceSession) Summary() model.SessionSummary {
	snap := vs.Machine.Snapshot()
	return model.SessionSummary{
		SessionID:    vs.ID,
		RestaurantID: vs.RestaurantID,
		State:        string(snap.State),
		Connection:   string(vs.Transport.State()),
		Items:        len(snap.Items),
		CreatedAt:    vs.CreatedAt,
	}
}

// TransportFactory 为新会话构造传输会话（未连接）。
type TransportFactory func(sessionID, restaurantID string) *transport.Session

// Options 注册表参数。
type Options struct {
	Conversation  conversation.Options
	QueueCapacity int
	TurnTimeout   time.Duration
	Logger        *log.Logger
	Now           func() time.Time
}

// Registry 管理活跃语音会话的生命周期：Create → Connect → Dispose。
type Registry struct {
	store    Store
	timeline timeline.Store
	factory  TransportFactory
	opts     Options
	logger   *log.Logger

	mu   sync.RWMutex
	menu *menu.Config
}

func NewRegistry(store Store, tl timeline.Store, cfg *menu.Config, factory TransportFactory, opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		store:    store,
		timeline: tl,
		factory:  factory,
		opts:     opts,
		logger:   opts.Logger,
		menu:     cfg.Clone(),
	}
}

// Create 创建会话并开始监听传输层事件；连接由调用方决定何时建立。
func (r *Registry) Create(ctx context.Context, restaurantID string) (*VoiceSession, error) {
	if restaurantID == "" {
		return nil, errors.New("restaurant_id is required")
	}
	if r.factory == nil {
		return nil, errors.New("transport factory not configured")
	}

	id := uuid.NewString()
	tr := r.factory(id, restaurantID)

	r.mu.RLock()
	machine := conversation.NewMachine(r.menu, r.opts.Conversation, r.opts.Now)
	r.mu.RUnlock()
	machine.SetLogger(r.logger)

	orch := orchestrator.New(id, machine, tr, r.timeline, orchestrator.Options{
		QueueCapacity: r.opts.QueueCapacity,
		TurnTimeout:   r.opts.TurnTimeout,
		Logger:        r.logger,
		Now:           r.opts.Now,
	})
	orch.Start()

	vs := &VoiceSession{
		ID:           id,
		RestaurantID: restaurantID,
		CreatedAt:    r.opts.Now(),
		Transport:    tr,
		Machine:      machine,
		Orchestrator: orch,
	}
	if err := r.store.Save(ctx, vs); err != nil {
		_ = orch.Close()
		_ = tr.Close()
		return nil, fmt.Errorf("save session: %w", err)
	}
	r.logger.Printf("[Registry] session created: id=%s restaurant=%s", id, restaurantID)
	return vs, nil
}

// Get 获取会话。
func (r *Registry) Get(ctx context.Context, id string) (*VoiceSession, error) {
	return r.store.Get(ctx, id)
}

// List 全部活跃会话。
func (r *Registry) List(ctx context.Context) ([]*VoiceSession, error) {
	return r.store.List(ctx)
}

// Dispose 释放会话：停止编排、关闭传输（含全部定时器）、丢弃对话上下文与时间线。
func (r *Registry) Dispose(ctx context.Context, id string) error {
	vs, err := r.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := r.store.Delete(ctx, id); err != nil {
		return err
	}

	var errs []error
	if err := vs.Orchestrator.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close orchestrator: %w", err))
	}
	if err := vs.Transport.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close transport: %w", err))
	}
	vs.Machine.Reset()
	if err := r.timeline.Drop(ctx, id); err != nil {
		errs = append(errs, fmt.Errorf("drop timeline: %w", err))
	}

	r.logger.Printf("[Registry] session disposed: id=%s", id)
	return errors.Join(errs...)
}

// DisposeAll 进程退出前释放全部会话。
func (r *Registry) DisposeAll(ctx context.Context) {
	sessions, err := r.store.List(ctx)
	if err != nil {
		r.logger.Printf("[Registry] list sessions failed: %v", err)
		return
	}
	for _, vs := range sessions {
		if err := r.Dispose(ctx, vs.ID); err != nil && !errors.Is(err, ErrNotFound) {
			r.logger.Printf("[Registry] dispose %s: %v", vs.ID, err)
		}
	}
}

// Menu 当前菜单配置的副本。
func (r *Registry) Menu() *menu.Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.menu.Clone()
}

// UpdateMenu 替换菜单配置：活跃会话下一轮生效，新会话直接使用。
func (r *Registry) UpdateMenu(ctx context.Context, cfg *menu.Config) error {
	if cfg == nil {
		return errors.New("menu config is nil")
	}
	r.mu.Lock()
	r.menu = cfg.Clone()
	r.mu.Unlock()

	sessions, err := r.store.List(ctx)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	for _, vs := range sessions {
		vs.Machine.UpdateMenuConfig(cfg)
	}
	r.logger.Printf("[Registry] menu updated: items=%d sessions=%d", len(cfg.Items), len(sessions))
	return nil
}
