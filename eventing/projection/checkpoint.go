package projection

import (
	"context"
	"errors"
	"time"
)

// Checkpoint 全局事件流的处理位置
//
// 补发器与重建任务据此在重启后从上次位置继续。
type Checkpoint struct {
	Name          string    `json:"name"`
	Position      uint64    `json:"position"`
	LastEventID   string    `json:"last_event_id"`
	LastEventTime time.Time `json:"last_event_time"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ICheckpointStore 检查点存储接口
type ICheckpointStore interface {
	// Load 加载检查点，不存在返回 ErrCheckpointNotFound
	Load(ctx context.Context, name string) (*Checkpoint, error)

	// Save 保存检查点（UPSERT 语义，重复保存相同数据不会出错）
	Save(ctx context.Context, checkpoint *Checkpoint) error

	// Delete 删除检查点，不存在不是错误
	Delete(ctx context.Context, name string) error
}

var (
	ErrCheckpointNotFound    = errors.New("checkpoint not found")
	ErrInvalidCheckpoint     = errors.New("invalid checkpoint")
	ErrCheckpointStoreFailed = errors.New("checkpoint store failed")
)

func NewCheckpoint(name string, position uint64, lastEventID string, lastEventTime time.Time) *Checkpoint {
	return &Checkpoint{
		Name:          name,
		Position:      position,
		LastEventID:   lastEventID,
		LastEventTime: lastEventTime,
		UpdatedAt:     time.Now().UTC(),
	}
}

func (c *Checkpoint) IsValid() bool {
	return c != nil && c.Name != ""
}

func (c *Checkpoint) Clone() *Checkpoint {
	cp := *c
	return &cp
}

// Update 推进位置
func (c *Checkpoint) Update(position uint64, eventID string, eventTime time.Time) {
	c.Position = position
	c.LastEventID = eventID
	c.LastEventTime = eventTime
	c.UpdatedAt = time.Now().UTC()
}

// LoadPosition 读取位置，检查点不存在时返回 0
func LoadPosition(ctx context.Context, s ICheckpointStore, name string) (uint64, error) {
	cp, err := s.Load(ctx, name)
	if errors.Is(err, ErrCheckpointNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return cp.Position, nil
}
