package projection

import (
	"context"
	"sort"
	"sync"
)

// MemoryReadStore 内存读模型存储
type MemoryReadStore[T any] struct {
	mu      sync.RWMutex
	records map[string]Record[T]
}

func NewMemoryReadStore[T any]() *MemoryReadStore[T] {
	return &MemoryReadStore[T]{records: make(map[string]Record[T])}
}

func (s *MemoryReadStore[T]) Get(ctx context.Context, id string) (Record[T], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return Record[T]{}, ErrRecordNotFound
	}
	return rec, nil
}

func (s *MemoryReadStore[T]) Upsert(ctx context.Context, rec Record[T]) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.records[rec.ID]; ok && existing.LastAppliedVersion >= rec.LastAppliedVersion {
		return ErrStaleVersion
	}
	s.records[rec.ID] = rec
	return nil
}

// List 按 ID 排序返回所有记录
func (s *MemoryReadStore[T]) List(ctx context.Context) []Record[T] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record[T], 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

var _ IReadStore[struct{}] = (*MemoryReadStore[struct{}])(nil)
