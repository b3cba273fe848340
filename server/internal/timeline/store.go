package timeline

import (
	"context"

	"voiceorder/server/internal/model"
)

type Store interface {
	// Append 以 append-first 的契约写入 timeline，返回本次写入的 seq。
	// 同一 session 的 seq 单调递增；相同 EventID 幂等返回同一 seq；未带 EventID 时由存储分配。
	Append(ctx context.Context, sessionID string, evt *model.Event) (int64, error)
	// List 返回该 session 的全量事件，用于回放。
	List(ctx context.Context, sessionID string) ([]model.Event, error)
	// ListSince 返回 seq 大于 after 的事件，用于断线后的客户端补齐。
	ListSince(ctx context.Context, sessionID string, after int64) ([]model.Event, error)
	// Drop 会话释放时清掉它的全部事件。
	Drop(ctx context.Context, sessionID string) error
}
