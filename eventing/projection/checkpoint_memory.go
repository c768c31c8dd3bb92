package projection

import (
	"context"
	"sync"
)

// MemoryCheckpointStore 内存检查点存储，进程重启后数据丢失
type MemoryCheckpointStore struct {
	checkpoints map[string]*Checkpoint
	mutex       sync.RWMutex
}

func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{checkpoints: make(map[string]*Checkpoint)}
}

func (s *MemoryCheckpointStore) Load(ctx context.Context, name string) (*Checkpoint, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	cp, ok := s.checkpoints[name]
	if !ok {
		return nil, ErrCheckpointNotFound
	}
	return cp.Clone(), nil
}

func (s *MemoryCheckpointStore) Save(ctx context.Context, checkpoint *Checkpoint) error {
	if !checkpoint.IsValid() {
		return ErrInvalidCheckpoint
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.checkpoints[checkpoint.Name] = checkpoint.Clone()
	return nil
}

func (s *MemoryCheckpointStore) Delete(ctx context.Context, name string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.checkpoints, name)
	return nil
}

var _ ICheckpointStore = (*MemoryCheckpointStore)(nil)
