// Package messaging 提供消息、处理器、传输层与消息总线的核心抽象
package messaging

import (
	"encoding/json"
	"time"
)

// IMessage 消息接口
type IMessage interface {
	// GetID 获取消息ID
	GetID() string

	// GetType 获取消息类型（即主题）
	GetType() string

	// GetKey 获取分区键；同一 Key 的消息在各传输层内保持发布顺序
	GetKey() string

	// GetTimestamp 获取时间戳
	GetTimestamp() time.Time

	// GetPayload 获取 JSON 编码的消息体
	GetPayload() []byte

	// GetMetadata 获取元数据
	GetMetadata() map[string]any
}

// Message 消息基础实现
type Message struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Key       string          `json:"key,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
}

func (m *Message) GetID() string           { return m.ID }
func (m *Message) GetType() string         { return m.Type }
func (m *Message) GetKey() string          { return m.Key }
func (m *Message) GetTimestamp() time.Time { return m.Timestamp }
func (m *Message) GetPayload() []byte      { return m.Payload }

// GetMetadata 获取元数据
func (m *Message) GetMetadata() map[string]any {
	if m.Metadata == nil {
		m.Metadata = make(map[string]any)
	}
	return m.Metadata
}

// SetMetadata 设置元数据
func (m *Message) SetMetadata(key string, value any) {
	m.GetMetadata()[key] = value
}

// NewMessage 创建新消息
func NewMessage(messageID, messageType, key string, payload []byte) *Message {
	return &Message{
		ID:        messageID,
		Type:      messageType,
		Key:       key,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
		Metadata:  make(map[string]any),
	}
}

// Encode 将消息编码为传输层使用的 JSON 信封
func Encode(message IMessage) ([]byte, error) {
	return json.Marshal(&Message{
		ID:        message.GetID(),
		Type:      message.GetType(),
		Key:       message.GetKey(),
		Timestamp: message.GetTimestamp(),
		Payload:   message.GetPayload(),
		Metadata:  message.GetMetadata(),
	})
}

// Decode 解码 JSON 信封
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
