// Package redisstore 基于 Redis List 的事件存储
//
// 每条流对应一个 List，版本即 List 长度；追加通过 Lua 脚本原子完成
// “比较长度 + RPUSH”。Redis 没有跨流的全局顺序，不实现 store.IEventFeed。
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"taskboard/eventing"
	"taskboard/eventing/store"
)

// appendScript KEYS[1]=流键 ARGV[1]=期望版本 ARGV[2..]=事件 JSON
// 返回 {1, 新版本} 或 {0, 当前版本}
const appendScript = `
local current = redis.call('LLEN', KEYS[1])
if current ~= tonumber(ARGV[1]) then
  return {0, current}
end
for i = 2, #ARGV do
  redis.call('RPUSH', KEYS[1], ARGV[i])
end
return {1, current + #ARGV - 1}
`

// client 所需的 go-redis 命令子集
type client interface {
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
	EvalSha(ctx context.Context, sha1 string, keys []string, args ...any) *redis.Cmd
	LLen(ctx context.Context, key string) *redis.IntCmd
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
}

// Store Redis 事件存储
type Store struct {
	client client
	prefix string
	script *redis.Script
}

// New 创建存储，prefix 为空时使用 "es:"
func New(c redis.UniversalClient, prefix string) *Store {
	return newStore(c, prefix)
}

func newStore(c client, prefix string) *Store {
	if prefix == "" {
		prefix = "es:"
	}
	return &Store{client: c, prefix: prefix, script: redis.NewScript(appendScript)}
}

func (s *Store) streamKey(key store.StreamKey) string {
	return fmt.Sprintf("%s{%s}:%s", s.prefix, key.AggregateType, key.AggregateID)
}

func (s *Store) AppendEvents(ctx context.Context, key store.StreamKey, expectedVersion uint64, events []eventing.Event) (uint64, error) {
	if len(events) == 0 {
		current, err := s.GetStreamVersion(ctx, key)
		if err != nil {
			return 0, err
		}
		if current != expectedVersion {
			return current, eventing.NewConcurrencyError(key.AggregateType, key.AggregateID, expectedVersion, current)
		}
		return current, nil
	}
	if err := store.ValidateAppend(key, expectedVersion, events); err != nil {
		return 0, err
	}

	args := make([]any, 0, len(events)+1)
	args = append(args, expectedVersion)
	for _, evt := range events {
		data, err := json.Marshal(evt)
		if err != nil {
			return 0, eventing.NewInvalidEventError(evt, "encode event: %v", err)
		}
		args = append(args, string(data))
	}

	res, err := s.eval(ctx, []string{s.streamKey(key)}, args...)
	if err != nil {
		return 0, eventing.NewStoreError("append events failed", err)
	}
	ok, version, err := parseResult(res)
	if err != nil {
		return 0, eventing.NewStoreError("unexpected script result", err)
	}
	if !ok {
		return version, eventing.NewConcurrencyError(key.AggregateType, key.AggregateID, expectedVersion, version)
	}
	return version, nil
}

// eval 优先 EVALSHA，脚本未缓存时退回 EVAL
func (s *Store) eval(ctx context.Context, keys []string, args ...any) (any, error) {
	res, err := s.client.EvalSha(ctx, s.script.Hash(), keys, args...).Result()
	if err != nil && strings.HasPrefix(err.Error(), "NOSCRIPT") {
		res, err = s.client.Eval(ctx, appendScript, keys, args...).Result()
	}
	return res, err
}

func parseResult(res any) (bool, uint64, error) {
	values, ok := res.([]any)
	if !ok || len(values) != 2 {
		return false, 0, fmt.Errorf("got %T %v", res, res)
	}
	flag, ok1 := values[0].(int64)
	version, ok2 := values[1].(int64)
	if !ok1 || !ok2 {
		return false, 0, fmt.Errorf("got %v", values)
	}
	return flag == 1, uint64(version), nil
}

func (s *Store) ReadStream(ctx context.Context, key store.StreamKey) ([]eventing.Event, error) {
	return s.LoadEvents(ctx, key, 0)
}

func (s *Store) LoadEvents(ctx context.Context, key store.StreamKey, afterVersion uint64) ([]eventing.Event, error) {
	raw, err := s.client.LRange(ctx, s.streamKey(key), int64(afterVersion), -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, eventing.NewStoreError("read stream failed", err)
	}
	events := make([]eventing.Event, 0, len(raw))
	for _, item := range raw {
		var evt eventing.Event
		if err := json.Unmarshal([]byte(item), &evt); err != nil {
			return nil, eventing.NewStoreError("decode stored event failed", err)
		}
		events = append(events, evt)
	}
	return events, nil
}

func (s *Store) GetStreamVersion(ctx context.Context, key store.StreamKey) (uint64, error) {
	n, err := s.client.LLen(ctx, s.streamKey(key)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, eventing.NewStoreError("query stream length failed", err)
	}
	return uint64(n), nil
}

var (
	_ store.IEventStore      = (*Store)(nil)
	_ store.IStreamLoader    = (*Store)(nil)
	_ store.IStreamInspector = (*Store)(nil)
)
