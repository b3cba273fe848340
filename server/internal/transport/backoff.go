package transport

import (
	"math/rand"
	"time"
)

// Backoff 指数退避：第 n 次的延迟为 min(Max, Base·2^(n-1)) 再加上 [0, Jitter] 的均匀随机量。
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter time.Duration

	// jitterFn 返回 [0, max] 内的随机量，测试可替换。
	jitterFn func(max time.Duration) time.Duration
}

// Delay 第 attempt 次（从 1 开始）重连前的等待时间。
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := b.Base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if b.Max > 0 && delay >= b.Max {
			delay = b.Max
			break
		}
	}
	if b.Max > 0 && delay > b.Max {
		delay = b.Max
	}

	if b.Jitter > 0 {
		fn := b.jitterFn
		if fn == nil {
			fn = uniformJitter
		}
		j := fn(b.Jitter)
		if j < 0 {
			j = 0
		}
		if j > b.Jitter {
			j = b.Jitter
		}
		delay += j
	}
	return delay
}

func uniformJitter(max time.Duration) time.Duration {
	return time.Duration(rand.Int63n(int64(max) + 1))
}
