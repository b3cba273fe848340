package transport

import "time"

// ScheduleOutcome Supervisor.Schedule 的结果。
type ScheduleOutcome int

const (
	// ScheduleSkipped 监督器被禁用，或已有一个待触发的重连。
	ScheduleSkipped ScheduleOutcome = iota
	// ScheduleArmed 已安排新的重连定时器。
	ScheduleArmed
	// ScheduleExhausted 次数耗尽，放弃重连。
	ScheduleExhausted
)

// Supervisor 重连监督器：负责退避计时与次数限制，真正的重连由 Session 在回调里完成。
//
// 不加锁，由 Session 在自己的锁内调用。任意时刻最多只有一个待触发的定时器；
// 定时器带代次号，Cancel 之后即使旧回调已经开始执行也会被 Fired 拒绝。
type Supervisor struct {
	backoff     Backoff
	maxAttempts int
	clock       Clock

	enabled   bool
	exhausted bool
	attempt   int
	timer     Timer
	gen       uint64
}

// NewSupervisor 创建监督器，初始为启用状态。
func NewSupervisor(backoff Backoff, maxAttempts int, clock Clock) *Supervisor {
	if clock == nil {
		clock = realClock{}
	}
	return &Supervisor{
		backoff:     backoff,
		maxAttempts: maxAttempts,
		clock:       clock,
		enabled:     true,
	}
}

// Schedule 为下一次重连安排定时器，fire 收到的代次号需交回 Fired 校验。
func (s *Supervisor) Schedule(fire func(gen uint64)) (ScheduleOutcome, int, time.Duration) {
	if !s.enabled || s.exhausted || s.timer != nil {
		return ScheduleSkipped, s.attempt, 0
	}
	if s.maxAttempts > 0 && s.attempt >= s.maxAttempts {
		s.exhausted = true
		return ScheduleExhausted, s.attempt, 0
	}

	s.attempt++
	delay := s.backoff.Delay(s.attempt)
	s.gen++
	gen := s.gen
	s.timer = s.clock.AfterFunc(delay, func() { fire(gen) })
	return ScheduleArmed, s.attempt, delay
}

// Fired 定时器回调开始时调用，返回该回调是否仍然有效。
func (s *Supervisor) Fired(gen uint64) bool {
	if gen != s.gen || s.timer == nil || !s.enabled {
		return false
	}
	s.timer = nil
	return true
}

// Cancel 停掉待触发的定时器。
func (s *Supervisor) Cancel() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
}

// Reset 连接成功后归零次数，下一轮退避从 Base 开始。
func (s *Supervisor) Reset() {
	s.Cancel()
	s.attempt = 0
	s.exhausted = false
}

// Enable 显式 Connect 时重新启用，之前耗尽的次数一并清零。
func (s *Supervisor) Enable() {
	s.enabled = true
	s.Reset()
}

// Disable 用户主动断开：停掉定时器，之后的断线不再触发重连。
func (s *Supervisor) Disable() {
	s.enabled = false
	s.Cancel()
}

func (s *Supervisor) Pending() bool { return s.timer != nil }
func (s *Supervisor) Attempt() int { return s.attempt }
func (s *Supervisor) Enabled() bool { return s.enabled }
func (s *Supervisor) Exhausted() bool { return s.exhausted }
