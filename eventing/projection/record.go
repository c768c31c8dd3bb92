// Package projection 将集成事件幂等地投影为读模型
//
// 读模型只由 Consumer 创建与更新；每条记录保存已应用的最大事件版本，
// 重复或过期的投递不会产生可观察的变化。
package projection

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrRecordNotFound 读模型记录不存在
	ErrRecordNotFound = errors.New("read model record not found")

	// ErrStaleVersion Upsert 的版本不大于已存储版本，写入被拒绝
	ErrStaleVersion = errors.New("read model version is stale")
)

// Record 读模型记录
type Record[T any] struct {
	ID                 string    `json:"id"`
	Data               T         `json:"data"`
	LastAppliedVersion uint64    `json:"last_applied_version"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// IReadStore 读模型存储
type IReadStore[T any] interface {
	// Get 读取记录，不存在返回 ErrRecordNotFound
	Get(ctx context.Context, id string) (Record[T], error)

	// Upsert 版本门控写入：仅当 rec.LastAppliedVersion 大于已存储版本时写入，
	// 否则返回 ErrStaleVersion，已存储版本永不回退
	Upsert(ctx context.Context, rec Record[T]) error
}
