package store

import (
	"context"

	"taskboard/eventing"
)

// ValidateAppend 校验追加批次：事件属于 key、版本从 expectedVersion+1 连续递增、字段完整
func ValidateAppend(key StreamKey, expectedVersion uint64, events []eventing.Event) error {
	for i, evt := range events {
		if err := evt.Validate(); err != nil {
			return eventing.NewInvalidEventError(evt, "%v", err)
		}
		if evt.AggregateType != key.AggregateType || evt.AggregateID != key.AggregateID {
			return eventing.NewInvalidEventError(evt, "event belongs to %s:%s, not stream %s",
				evt.AggregateType, evt.AggregateID, key)
		}
		want := expectedVersion + uint64(i) + 1
		if evt.Version != want {
			return eventing.NewInvalidEventError(evt, "event version not sequential: expected %d, got %d", want, evt.Version)
		}
	}
	return nil
}

// GetStreamVersion 获取流当前版本，优先使用 IStreamInspector
func GetStreamVersion(ctx context.Context, s IEventStore, key StreamKey) (uint64, error) {
	if inspector, ok := s.(IStreamInspector); ok {
		return inspector.GetStreamVersion(ctx, key)
	}
	events, err := s.ReadStream(ctx, key)
	if err != nil {
		return 0, err
	}
	return uint64(len(events)), nil
}

// StreamExists 检查流是否存在
func StreamExists(ctx context.Context, s IEventStore, key StreamKey) (bool, error) {
	v, err := GetStreamVersion(ctx, s, key)
	return v > 0, err
}

// LoadEvents 增量读取，存储未实现 IStreamLoader 时退回整流读取后过滤
func LoadEvents(ctx context.Context, s IEventStore, key StreamKey, afterVersion uint64) ([]eventing.Event, error) {
	if loader, ok := s.(IStreamLoader); ok {
		return loader.LoadEvents(ctx, key, afterVersion)
	}
	events, err := s.ReadStream(ctx, key)
	if err != nil {
		return nil, err
	}
	if afterVersion >= uint64(len(events)) {
		return []eventing.Event{}, nil
	}
	return events[afterVersion:], nil
}

// FeedOf 沿装饰器链查找全局事件流能力
func FeedOf(s IEventStore) (IEventFeed, bool) {
	for s != nil {
		if feed, ok := s.(IEventFeed); ok {
			return feed, true
		}
		u, ok := s.(IUnwrapper)
		if !ok {
			return nil, false
		}
		s = u.Unwrap()
	}
	return nil, false
}
