package transport

import "time"

// Timer 可取消的定时任务。
type Timer interface {
	Stop() bool
}

// Clock 会话使用的时间源，测试里替换成可手动推进的实现。
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
