// Package entity 定义事件溯源聚合根
package entity

import (
	"fmt"

	"taskboard/eventing"
)

// IEventSourcedAggregate 事件溯源聚合根接口
//
// 状态只能通过事件改变：命令方法校验规则后经 Root.Record 记录事件，
// 重建时由 Replay 依次调用 ApplyEvent。
type IEventSourcedAggregate interface {
	GetID() string
	GetAggregateType() string

	// GetVersion 已提交事件流的版本（不含未提交事件）
	GetVersion() uint64

	// ApplyEvent 纯状态转换，Record 与 Replay 共用
	ApplyEvent(evt eventing.Event) error

	// GetUncommittedEvents 返回未提交事件的副本
	GetUncommittedEvents() []eventing.Event

	// MarkEventsAsCommitted 清空未提交事件并设置已提交版本
	MarkEventsAsCommitted(version uint64)

	// RestoreVersion 由 Replay 在重放完成后调用
	RestoreVersion(version uint64)
}

// Root 聚合根基础字段，由具体聚合嵌入
//
//	type Board struct {
//	    entity.Root
//	    Name string
//	}
//
//	func (b *Board) Rename(name string) error {
//	    if err := validateName(name); err != nil {
//	        return err
//	    }
//	    return b.Record(EventBoardRenamed, BoardRenamed{Name: name}, b.ApplyEvent)
//	}
type Root struct {
	id            string
	aggregateType string
	version       uint64
	pending       []eventing.Event
	registry      *eventing.Registry
}

// NewRoot 创建聚合根；registry 用于按当前模式版本编码载荷
func NewRoot(aggregateType, id string, registry *eventing.Registry) Root {
	return Root{id: id, aggregateType: aggregateType, registry: registry}
}

func (r *Root) GetID() string            { return r.id }
func (r *Root) GetAggregateType() string { return r.aggregateType }
func (r *Root) GetVersion() uint64       { return r.version }

// PendingVersion 包含未提交事件的版本
func (r *Root) PendingVersion() uint64 { return r.version + uint64(len(r.pending)) }

func (r *Root) HasUncommittedEvents() bool { return len(r.pending) > 0 }

func (r *Root) GetUncommittedEvents() []eventing.Event {
	events := make([]eventing.Event, len(r.pending))
	for i, e := range r.pending {
		events[i] = e.Clone()
	}
	return events
}

func (r *Root) MarkEventsAsCommitted(version uint64) {
	r.pending = nil
	r.version = version
}

func (r *Root) RestoreVersion(version uint64) {
	r.version = version
}

// Record 编码载荷、分配版本、应用到状态并加入未提交列表
//
// apply 失败时事件不会被记录。
func (r *Root) Record(eventType string, payload any, apply func(eventing.Event) error) error {
	if r.registry == nil {
		return fmt.Errorf("aggregate %s:%s has no event registry", r.aggregateType, r.id)
	}
	data, schemaVersion, err := r.registry.Encode(eventType, payload)
	if err != nil {
		return err
	}
	evt := eventing.NewEvent(r.aggregateType, r.id, eventType, r.PendingVersion()+1, schemaVersion, data)
	if err := apply(evt); err != nil {
		return &AggregateError{
			Code:        "EVENT_APPLY_FAILED",
			Message:     "failed to apply event " + eventType,
			AggregateID: r.id,
			EventID:     evt.ID,
			Cause:       err,
		}
	}
	r.pending = append(r.pending, evt)
	return nil
}
