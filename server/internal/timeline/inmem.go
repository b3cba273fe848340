package timeline

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"voiceorder/server/internal/model"
)

// InMemoryStore 基于内存的 Timeline 存储，重启即丢。
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*sessionLog
}

type sessionLog struct {
	events []model.Event
	seq    int64
	byID   map[string]int64
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{sessions: make(map[string]*sessionLog)}
}

// Append 追加事件并分配 seq。evt 会被回填 Seq/SessionID/EventID。
func (s *InMemoryStore) Append(_ context.Context, sessionID string, evt *model.Event) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log, ok := s.sessions[sessionID]
	if !ok {
		log = &sessionLog{byID: make(map[string]int64)}
		s.sessions[sessionID] = log
	}

	if evt.EventID != "" {
		if seq, exists := log.byID[evt.EventID]; exists {
			evt.Seq = seq
			return seq, nil
		}
	} else {
		evt.EventID = uuid.NewString()
	}

	log.seq++
	evt.Seq = log.seq
	evt.SessionID = sessionID
	log.events = append(log.events, *evt)
	log.byID[evt.EventID] = log.seq

	return log.seq, nil
}

// List 返回全部事件（副本，按 seq 升序）。
func (s *InMemoryStore) List(ctx context.Context, sessionID string) ([]model.Event, error) {
	return s.ListSince(ctx, sessionID, 0)
}

// ListSince 返回 seq > after 的事件副本。
func (s *InMemoryStore) ListSince(_ context.Context, sessionID string, after int64) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log, ok := s.sessions[sessionID]
	if !ok {
		return []model.Event{}, nil
	}
	// events 按 seq 递增追加，二分找起点
	start := sort.Search(len(log.events), func(i int) bool { return log.events[i].Seq > after })
	out := make([]model.Event, len(log.events)-start)
	copy(out, log.events[start:])
	return out, nil
}

// Drop 删除会话的全部事件。
func (s *InMemoryStore) Drop(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}
