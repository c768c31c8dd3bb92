// Package store 定义事件存储接口及内存、追踪实现
package store

import (
	"context"
	"fmt"

	"taskboard/eventing"
)

// StreamKey 标识一条事件流：同一聚合类型下的一个聚合实例
type StreamKey struct {
	AggregateType string
	AggregateID   string
}

func (k StreamKey) String() string {
	return fmt.Sprintf("%s:%s", k.AggregateType, k.AggregateID)
}

// IEventStore 事件存储核心接口
//
// 流的版本等于其事件数；事件版本从 1 开始连续递增。
type IEventStore interface {
	// AppendEvents 原子地追加一批事件
	//
	// expectedVersion 必须等于流的当前版本，否则返回 *eventing.ConcurrencyError 且不写入任何事件；
	// 事件必须属于 key，且版本依次为 expectedVersion+1 … expectedVersion+n。
	// 返回追加后的流版本。
	AppendEvents(ctx context.Context, key StreamKey, expectedVersion uint64, events []eventing.Event) (uint64, error)

	// ReadStream 按版本升序读取整条流；空切片表示流不存在
	ReadStream(ctx context.Context, key StreamKey) ([]eventing.Event, error)
}

// IStreamLoader 增量读取（可选扩展）
type IStreamLoader interface {
	// LoadEvents 读取版本大于 afterVersion 的事件
	LoadEvents(ctx context.Context, key StreamKey, afterVersion uint64) ([]eventing.Event, error)
}

// IStreamInspector 流版本查询（可选扩展）
type IStreamInspector interface {
	// GetStreamVersion 返回流的当前版本，0 表示流不存在
	GetStreamVersion(ctx context.Context, key StreamKey) (uint64, error)
}

// IEventFeed 全局事件流（可选扩展）
//
// 按存储分配的全局位置升序返回跨所有流的事件，用于补发与投影重建。
type IEventFeed interface {
	ReadAll(ctx context.Context, afterPosition uint64, limit int) ([]eventing.Event, error)
}

// IUnwrapper 由装饰器实现，用于探测被包装存储的可选能力
type IUnwrapper interface {
	Unwrap() IEventStore
}
