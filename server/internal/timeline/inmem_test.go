package timeline

import (
	"context"
	"testing"

	"voiceorder/server/internal/model"
)

// TestInMemoryStoreAppendAssignsSeq 验证 Append 为事件分配递增 seq 并回填 EventID。
// 场景：连续追加两个不带 EventID 的事件。
func TestInMemoryStoreAppendAssignsSeq(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	first := &model.Event{Type: model.EventUserUtterance}
	seq1, err := store.Append(ctx, "s1", first)
	if err != nil {
		t.Fatalf("append event: %v", err)
	}
	if seq1 != 1 || first.Seq != 1 {
		t.Fatalf("expected seq 1, got %d (event %d)", seq1, first.Seq)
	}
	if first.EventID == "" {
		t.Fatal("expected event id to be assigned")
	}

	second := &model.Event{Type: model.EventAssistantText}
	seq2, err := store.Append(ctx, "s1", second)
	if err != nil {
		t.Fatalf("append event: %v", err)
	}
	if seq2 != 2 {
		t.Fatalf("expected seq 2, got %d", seq2)
	}
	if second.EventID == first.EventID {
		t.Fatal("expected distinct generated event ids")
	}

	// 不同 session 的 seq 互不影响
	other, _ := store.Append(ctx, "s2", &model.Event{Type: model.EventUserUtterance})
	if other != 1 {
		t.Fatalf("expected seq 1 for another session, got %d", other)
	}
}

// TestInMemoryStoreAppendIdempotentByEventID 验证相同 EventID 只写一次。
// 场景：客户端重试同一轮输入。
func TestInMemoryStoreAppendIdempotentByEventID(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	seq1, err := store.Append(ctx, "s1", &model.Event{Type: model.EventUserUtterance, EventID: "evt-1"})
	if err != nil {
		t.Fatalf("append event: %v", err)
	}
	retry := &model.Event{Type: model.EventUserUtterance, EventID: "evt-1"}
	seq2, err := store.Append(ctx, "s1", retry)
	if err != nil {
		t.Fatalf("append duplicate event: %v", err)
	}
	if seq2 != seq1 || retry.Seq != seq1 {
		t.Fatalf("expected same seq for duplicate event_id, got %d vs %d", seq1, seq2)
	}

	events, err := store.List(ctx, "s1")
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event stored, got %d", len(events))
	}
}

// TestInMemoryStoreListReturnsCopy 验证 List 返回副本。
func TestInMemoryStoreListReturnsCopy(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	if _, err := store.Append(ctx, "s1", &model.Event{Type: model.EventUserUtterance, Text: "hi"}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	events, _ := store.List(ctx, "s1")
	events[0].Type = "mutated"

	eventsAgain, _ := store.List(ctx, "s1")
	if eventsAgain[0].Type != model.EventUserUtterance {
		t.Fatalf("expected internal data unchanged, got %q", eventsAgain[0].Type)
	}
}

// TestInMemoryStoreListSinceAndDrop 验证增量读取与释放。
// 场景：追加 5 条，从 seq 3 之后读取；Drop 后会话为空且 seq 重新开始。
func TestInMemoryStoreListSinceAndDrop(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := store.Append(ctx, "s1", &model.Event{Type: model.EventUserUtterance}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	tail, err := store.ListSince(ctx, "s1", 3)
	if err != nil {
		t.Fatalf("list since: %v", err)
	}
	if len(tail) != 2 || tail[0].Seq != 4 || tail[1].Seq != 5 {
		t.Fatalf("unexpected tail: %+v", tail)
	}

	empty, _ := store.ListSince(ctx, "missing", 0)
	if empty == nil || len(empty) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", empty)
	}

	if err := store.Drop(ctx, "s1"); err != nil {
		t.Fatalf("drop: %v", err)
	}
	events, _ := store.List(ctx, "s1")
	if len(events) != 0 {
		t.Fatalf("expected no events after drop, got %d", len(events))
	}
	seq, _ := store.Append(ctx, "s1", &model.Event{Type: model.EventReset})
	if seq != 1 {
		t.Fatalf("expected seq to restart at 1, got %d", seq)
	}
}
