// Package eventing 定义领域事件、事件注册表与事件存储相关错误
package eventing

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event 领域事件
//
// 事件一经创建即不可变：存储、仓储与发布器之间传递的都是值拷贝，
// Payload 与 Metadata 通过 Clone 深拷贝。
type Event struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	Version       uint64          `json:"version"`
	SchemaVersion int             `json:"schema_version"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`
	Metadata      map[string]any  `json:"metadata,omitempty"`

	// Position 由支持全局排序的存储分配，0 表示未知
	Position uint64 `json:"position,omitempty"`
}

// NewEvent 创建事件，ID 使用按时间排序的 UUIDv7
func NewEvent(aggregateType, aggregateID, eventType string, version uint64, schemaVersion int, payload json.RawMessage) Event {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	if schemaVersion <= 0 {
		schemaVersion = 1
	}
	return Event{
		ID:            id.String(),
		Type:          eventType,
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		Version:       version,
		SchemaVersion: schemaVersion,
		Timestamp:     time.Now().UTC(),
		Payload:       payload,
		Metadata:      make(map[string]any),
	}
}

// messaging.IMessage 实现，事件可直接投递到消息总线
func (e Event) GetID() string           { return e.ID }
func (e Event) GetType() string         { return e.Type }
func (e Event) GetKey() string          { return e.AggregateID }
func (e Event) GetTimestamp() time.Time { return e.Timestamp }
func (e Event) GetPayload() []byte      { return e.Payload }
func (e Event) GetMetadata() map[string]any {
	if e.Metadata == nil {
		return map[string]any{}
	}
	return e.Metadata
}

func (e Event) GetAggregateID() string   { return e.AggregateID }
func (e Event) GetAggregateType() string { return e.AggregateType }
func (e Event) GetVersion() uint64       { return e.Version }

// GetSchemaVersion 未设置时视为 1
func (e Event) GetSchemaVersion() int {
	if e.SchemaVersion <= 0 {
		return 1
	}
	return e.SchemaVersion
}

// Clone 深拷贝 Payload 与 Metadata
func (e Event) Clone() Event {
	c := e
	if e.Payload != nil {
		c.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	if e.Metadata != nil {
		c.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

// Validate 校验事件的必填字段
func (e Event) Validate() error {
	switch {
	case e.ID == "":
		return fmt.Errorf("event id must not be empty")
	case e.AggregateID == "":
		return fmt.Errorf("event %s: aggregate id must not be empty", e.ID)
	case e.AggregateType == "":
		return fmt.Errorf("event %s: aggregate type must not be empty", e.ID)
	case e.Type == "":
		return fmt.Errorf("event %s: event type must not be empty", e.ID)
	case e.Version == 0:
		return fmt.Errorf("event %s: version must be greater than 0", e.ID)
	case len(e.Payload) > 0 && !json.Valid(e.Payload):
		return fmt.Errorf("event %s: payload is not valid JSON", e.ID)
	}
	return nil
}
