package session

import (
	"context"
	"errors"
	"sort"
	"sync"
)

var ErrNotFound = errors.New("session not found")

// InMemoryStore 是一个基于内存的 Session 存储实现。
type InMemoryStore struct {
	mu   sync.RWMutex
	data map[string]*VoiceSession
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{data: make(map[string]*VoiceSession)}
}

// Get 根据 SessionID 获取会话。
func (s *InMemoryStore) Get(_ context.Context, id string) (*VoiceSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	vs, ok := s.data[id]
	if !ok {
		return nil, ErrNotFound
	}
	return vs, nil
}

// Save 保存或替换会话。
func (s *InMemoryStore) Save(_ context.Context, vs *VoiceSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[vs.ID] = vs
	return nil
}

// Delete 移除会话，不存在时返回 ErrNotFound。
func (s *InMemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[id]; !ok {
		return ErrNotFound
	}
	delete(s.data, id)
	return nil
}

// List 按创建时间返回全部会话。
func (s *InMemoryStore) List(_ context.Context) ([]*VoiceSession, error) {
	s.mu.RLock()
	out := make([]*VoiceSession, 0, len(s.data))
	for _, vs := range s.data {
		out = append(out, vs)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
