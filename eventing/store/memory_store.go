package store

import (
	"context"
	"sync"

	"taskboard/eventing"
)

// MemoryEventStore 内存事件存储，用于测试、示例与单进程部署
//
// 同时实现 IEventFeed：每个追加的事件获得单调递增的全局位置。
type MemoryEventStore struct {
	mu      sync.RWMutex
	streams map[StreamKey][]eventing.Event
	log     []eventing.Event
}

func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{streams: make(map[StreamKey][]eventing.Event)}
}

func (m *MemoryEventStore) AppendEvents(ctx context.Context, key StreamKey, expectedVersion uint64, events []eventing.Event) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current := uint64(len(m.streams[key]))
	if current != expectedVersion {
		return current, eventing.NewConcurrencyError(key.AggregateType, key.AggregateID, expectedVersion, current)
	}
	if len(events) == 0 {
		return current, nil
	}
	if err := ValidateAppend(key, expectedVersion, events); err != nil {
		return current, err
	}

	stream := m.streams[key]
	for _, evt := range events {
		stored := evt.Clone()
		stored.Position = uint64(len(m.log)) + 1
		stream = append(stream, stored)
		m.log = append(m.log, stored)
	}
	m.streams[key] = stream
	return uint64(len(stream)), nil
}

func (m *MemoryEventStore) ReadStream(ctx context.Context, key StreamKey) ([]eventing.Event, error) {
	return m.LoadEvents(ctx, key, 0)
}

func (m *MemoryEventStore) LoadEvents(ctx context.Context, key StreamKey, afterVersion uint64) ([]eventing.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	stream := m.streams[key]
	if afterVersion >= uint64(len(stream)) {
		return []eventing.Event{}, nil
	}
	return cloneAll(stream[afterVersion:]), nil
}

func (m *MemoryEventStore) GetStreamVersion(ctx context.Context, key StreamKey) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.streams[key])), nil
}

func (m *MemoryEventStore) ReadAll(ctx context.Context, afterPosition uint64, limit int) ([]eventing.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if afterPosition >= uint64(len(m.log)) {
		return []eventing.Event{}, nil
	}
	rest := m.log[afterPosition:]
	if limit > 0 && len(rest) > limit {
		rest = rest[:limit]
	}
	return cloneAll(rest), nil
}

func cloneAll(events []eventing.Event) []eventing.Event {
	out := make([]eventing.Event, len(events))
	for i, e := range events {
		out[i] = e.Clone()
	}
	return out
}

var (
	_ IEventStore      = (*MemoryEventStore)(nil)
	_ IStreamLoader    = (*MemoryEventStore)(nil)
	_ IStreamInspector = (*MemoryEventStore)(nil)
	_ IEventFeed       = (*MemoryEventStore)(nil)
)
