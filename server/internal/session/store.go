package session

import (
	"context"
)

// Store 保存活跃的语音会话。会话持有连接与协程，只能放在进程内。
type Store interface {
	Get(ctx context.Context, id string) (*VoiceSession, error)
	Save(ctx context.Context, s *VoiceSession) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*VoiceSession, error)
}
