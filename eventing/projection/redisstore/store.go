// Package redisstore 基于 Redis Hash 的读模型存储
//
// 每条记录一个 Hash（data、version、updated_at），版本门控由 Lua 脚本原子比较后写入。
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"taskboard/eventing/projection"
)

// upsertScript KEYS[1]=记录键 ARGV[1]=data ARGV[2]=version ARGV[3]=updated_at
// 写入返回 1，版本过期返回 0
const upsertScript = `
local current = tonumber(redis.call('HGET', KEYS[1], 'version') or '0')
if current >= tonumber(ARGV[2]) then
  return 0
end
redis.call('HSET', KEYS[1], 'data', ARGV[1], 'version', ARGV[2], 'updated_at', ARGV[3])
return 1
`

type client interface {
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
	EvalSha(ctx context.Context, sha1 string, keys []string, args ...any) *redis.Cmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

// Store Redis 读模型存储
type Store[T any] struct {
	client client
	prefix string
	script *redis.Script
}

// New 创建存储，键形如 prefix + id
func New[T any](c redis.UniversalClient, prefix string) *Store[T] {
	return newStore[T](c, prefix)
}

func newStore[T any](c client, prefix string) *Store[T] {
	if prefix == "" {
		prefix = "rm:"
	}
	return &Store[T]{client: c, prefix: prefix, script: redis.NewScript(upsertScript)}
}

func (s *Store[T]) key(id string) string { return s.prefix + id }

func (s *Store[T]) Get(ctx context.Context, id string) (projection.Record[T], error) {
	rec := projection.Record[T]{ID: id}
	fields, err := s.client.HGetAll(ctx, s.key(id)).Result()
	if err != nil {
		return rec, fmt.Errorf("read model %s: %w", id, err)
	}
	if len(fields) == 0 {
		return rec, projection.ErrRecordNotFound
	}
	if err := json.Unmarshal([]byte(fields["data"]), &rec.Data); err != nil {
		return rec, fmt.Errorf("decode read model %s: %w", id, err)
	}
	version, err := strconv.ParseUint(fields["version"], 10, 64)
	if err != nil {
		return rec, fmt.Errorf("read model %s has invalid version %q", id, fields["version"])
	}
	rec.LastAppliedVersion = version
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, fields["updated_at"])
	return rec, nil
}

func (s *Store[T]) Upsert(ctx context.Context, rec projection.Record[T]) error {
	data, err := json.Marshal(rec.Data)
	if err != nil {
		return fmt.Errorf("encode read model %s: %w", rec.ID, err)
	}
	keys := []string{s.key(rec.ID)}
	args := []any{string(data), rec.LastAppliedVersion, rec.UpdatedAt.UTC().Format(time.RFC3339Nano)}

	res, err := s.client.EvalSha(ctx, s.script.Hash(), keys, args...).Int64()
	if err != nil && strings.HasPrefix(err.Error(), "NOSCRIPT") {
		res, err = s.client.Eval(ctx, upsertScript, keys, args...).Int64()
	}
	if err != nil {
		return fmt.Errorf("upsert read model %s: %w", rec.ID, err)
	}
	if res == 0 {
		return projection.ErrStaleVersion
	}
	return nil
}

var _ projection.IReadStore[struct{}] = (*Store[struct{}])(nil)
