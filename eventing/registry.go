package eventing

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Decoder 将指定模式版本的 JSON 负载解码为领域载荷
type Decoder func(data json.RawMessage) (any, error)

// Upcaster 将负载从 fromVersion 升级到 fromVersion+1
type Upcaster func(data json.RawMessage) (json.RawMessage, error)

type registration struct {
	schemaVersion int
	decode        Decoder
	upcasters     map[int]Upcaster
}

// Registry 事件类型注册表
//
// 显式维护 事件类型 → (当前模式版本, 解码器, 升级器链) 的映射，
// 读取历史事件时先逐级升级到当前版本再解码。
type Registry struct {
	entries map[string]*registration
	mutex   sync.RWMutex
}

// NewRegistry 创建注册表
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*registration)}
}

// Register 注册事件类型的当前模式版本与解码器
func (r *Registry) Register(eventType string, schemaVersion int, decode Decoder) error {
	if eventType == "" {
		return fmt.Errorf("event type cannot be empty")
	}
	if decode == nil {
		return fmt.Errorf("decoder cannot be nil for type %s", eventType)
	}
	if schemaVersion <= 0 {
		return fmt.Errorf("schema version must be greater than 0 for type %s", eventType)
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()
	if _, exists := r.entries[eventType]; exists {
		return fmt.Errorf("event type already registered: %s", eventType)
	}
	r.entries[eventType] = &registration{
		schemaVersion: schemaVersion,
		decode:        decode,
		upcasters:     make(map[int]Upcaster),
	}
	return nil
}

// MustRegister 注册事件类型（失败 panic）
func (r *Registry) MustRegister(eventType string, schemaVersion int, decode Decoder) {
	if err := r.Register(eventType, schemaVersion, decode); err != nil {
		panic(err)
	}
}

// RegisterUpcaster 注册 fromVersion → fromVersion+1 的升级器
func (r *Registry) RegisterUpcaster(eventType string, fromVersion int, up Upcaster) error {
	if up == nil {
		return fmt.Errorf("upcaster cannot be nil for type %s", eventType)
	}
	r.mutex.Lock()
	defer r.mutex.Unlock()

	reg, ok := r.entries[eventType]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEventType, eventType)
	}
	if fromVersion <= 0 || fromVersion >= reg.schemaVersion {
		return fmt.Errorf("upcaster for %s must start below schema version %d, got %d", eventType, reg.schemaVersion, fromVersion)
	}
	if _, exists := reg.upcasters[fromVersion]; exists {
		return fmt.Errorf("upcaster for type %s from version %d already registered", eventType, fromVersion)
	}
	reg.upcasters[fromVersion] = up
	return nil
}

// DecodeAs 为结构体载荷生成 JSON 解码器
func DecodeAs[T any]() Decoder {
	return func(data json.RawMessage) (any, error) {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		return v, nil
	}
}

// SchemaVersion 获取事件类型的当前模式版本
func (r *Registry) SchemaVersion(eventType string) (int, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	reg, ok := r.entries[eventType]
	if !ok {
		return 0, false
	}
	return reg.schemaVersion, true
}

// Encode 以当前模式版本编码载荷
func (r *Registry) Encode(eventType string, payload any) (json.RawMessage, int, error) {
	version, ok := r.SchemaVersion(eventType)
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", ErrUnknownEventType, eventType)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	return data, version, nil
}

// Upcast 将事件负载升级到当前模式版本，返回新的事件值
func (r *Registry) Upcast(evt Event) (Event, error) {
	r.mutex.RLock()
	reg, ok := r.entries[evt.Type]
	r.mutex.RUnlock()
	if !ok {
		return evt, fmt.Errorf("%w: %s", ErrUnknownEventType, evt.Type)
	}

	from := evt.GetSchemaVersion()
	if from > reg.schemaVersion {
		return evt, NewInvalidEventError(evt, "schema version %d is newer than supported %d", from, reg.schemaVersion)
	}
	if from == reg.schemaVersion {
		return evt, nil
	}

	data := evt.Payload
	for v := from; v < reg.schemaVersion; v++ {
		up, ok := reg.upcasters[v]
		if !ok {
			return evt, NewInvalidEventError(evt, "no upcaster for %s from schema version %d", evt.Type, v)
		}
		next, err := up(data)
		if err != nil {
			return evt, fmt.Errorf("upcast %s v%d: %w", evt.Type, v, err)
		}
		data = next
	}
	out := evt.Clone()
	out.Payload = data
	out.SchemaVersion = reg.schemaVersion
	return out, nil
}

// Decode 升级并解码事件载荷
func (r *Registry) Decode(evt Event) (any, error) {
	upgraded, err := r.Upcast(evt)
	if err != nil {
		return nil, err
	}
	r.mutex.RLock()
	reg := r.entries[evt.Type]
	r.mutex.RUnlock()

	payload, err := reg.decode(upgraded.Payload)
	if err != nil {
		return nil, NewInvalidEventError(evt, "decode %s payload: %v", evt.Type, err)
	}
	return payload, nil
}

// RegisteredTypes 返回已注册事件类型（有序）
func (r *Registry) RegisteredTypes() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	types := make([]string, 0, len(r.entries))
	for t := range r.entries {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
