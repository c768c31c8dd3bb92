// Package integration 将已提交的领域事件转换为跨进程的集成事件并发布到消息总线
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"taskboard/eventing"
	"taskboard/messaging"
)

// TopicPrefix 集成事件主题前缀
const TopicPrefix = "integration."

// Event 集成事件：对外公开的事件契约，可能被投递多次
type Event struct {
	SourceEventID string          `json:"source_event_id"`
	EventType     string          `json:"event_type"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	Version       uint64          `json:"version"`
	SchemaVersion int             `json:"schema_version"`
	Payload       json.RawMessage `json:"payload"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// Topic 聚合类型对应的主题，如 Board → integration.board
func Topic(aggregateType string) string {
	return TopicPrefix + strings.ToLower(aggregateType)
}

// FromDomainEvent 由已提交的领域事件派生集成事件
func FromDomainEvent(evt eventing.Event) Event {
	c := evt.Clone()
	return Event{
		SourceEventID: c.ID,
		EventType:     c.Type,
		AggregateID:   c.AggregateID,
		AggregateType: c.AggregateType,
		Version:       c.Version,
		SchemaVersion: c.GetSchemaVersion(),
		Payload:       c.Payload,
		Metadata:      c.Metadata,
		OccurredAt:    c.Timestamp,
	}
}

// ToDomainEvent 还原为领域事件，用于经注册表升级与解码载荷
func (e Event) ToDomainEvent() eventing.Event {
	return eventing.Event{
		ID:            e.SourceEventID,
		Type:          e.EventType,
		AggregateID:   e.AggregateID,
		AggregateType: e.AggregateType,
		Version:       e.Version,
		SchemaVersion: e.SchemaVersion,
		Timestamp:     e.OccurredAt,
		Payload:       e.Payload,
		Metadata:      e.Metadata,
	}
}

// ToMessage 构造总线消息：ID 沿用源事件 ID，Key 为聚合 ID 以保证同一实体的分区顺序
func (e Event) ToMessage() (*messaging.Message, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode integration event %s: %w", e.SourceEventID, err)
	}
	msg := messaging.NewMessage(e.SourceEventID, Topic(e.AggregateType), e.AggregateID, data)
	msg.Timestamp = e.OccurredAt
	for k, v := range e.Metadata {
		msg.SetMetadata(k, v)
	}
	msg.SetMetadata("event_type", e.EventType)
	msg.SetMetadata("aggregate_version", e.Version)
	return msg, nil
}

// FromMessage 从总线消息解析集成事件
func FromMessage(msg messaging.IMessage) (Event, error) {
	if msg == nil {
		return Event{}, fmt.Errorf("message is nil")
	}
	var e Event
	if err := json.Unmarshal(msg.GetPayload(), &e); err != nil {
		return Event{}, fmt.Errorf("decode integration event from message %s: %w", msg.GetID(), err)
	}
	if e.SourceEventID == "" || e.AggregateID == "" || e.Version == 0 {
		return Event{}, fmt.Errorf("message %s is not an integration event", msg.GetID())
	}
	return e, nil
}

// Handler 将 messaging.IMessageHandler 适配为集成事件处理函数
//
// 无法解析的消息返回错误，交由传输层重试与死信。
func Handler(name string, fn func(ctx context.Context, evt Event) error) messaging.IMessageHandler {
	return messaging.NewHandler(name, func(ctx context.Context, msg messaging.IMessage) error {
		evt, err := FromMessage(msg)
		if err != nil {
			return err
		}
		return fn(ctx, evt)
	})
}
