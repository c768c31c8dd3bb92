package projection

import (
	"context"
	stdErrors "errors"
	"fmt"
	"sync/atomic"
	"time"

	"taskboard/errors"
	"taskboard/eventing/integration"
	"taskboard/eventing/store"
	"taskboard/logging"
	"taskboard/messaging"
)

// Projector 纯函数：由当前读模型数据与事件计算新的数据
//
// 实现不得原地修改 state 中的引用类型（map、slice），应复制后返回。
type Projector[T any] func(state T, evt integration.Event) (T, error)

// ConsumerOptions 投影消费者依赖
type ConsumerOptions[T any] struct {
	Name    string
	Store   IReadStore[T]
	Project Projector[T]

	// Initial 记录不存在时的初始数据，为 nil 时使用零值
	Initial func(id string) T

	// RequireContiguous 不跳过版本（incoming > last+1），适用于增量式投影
	RequireContiguous bool

	// Backfill 出现版本跳跃时从中补读缺失的版本并按序应用；
	// 为 nil 时跳跃返回可重试的 ProjectionError，等待缺失事件重投
	Backfill store.IEventStore

	Logger logging.Logger
	Clock  func() time.Time
}

// Stats 消费统计
type Stats struct {
	Applied int64 `json:"applied"`
	Skipped int64 `json:"skipped"`
	Failed  int64 `json:"failed"`
}

// Consumer 版本门控的幂等投影消费者
type Consumer[T any] struct {
	name              string
	store             IReadStore[T]
	project           Projector[T]
	initial           func(id string) T
	requireContiguous bool
	backfill          store.IEventStore
	logger            logging.Logger
	clock             func() time.Time
	locks             *keyedMutex

	applied atomic.Int64
	skipped atomic.Int64
	failed  atomic.Int64
}

func NewConsumer[T any](opts ConsumerOptions[T]) (*Consumer[T], error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("projection name cannot be empty")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("read store cannot be nil")
	}
	if opts.Project == nil {
		return nil, fmt.Errorf("projector cannot be nil")
	}
	initial := opts.Initial
	if initial == nil {
		initial = func(string) T {
			var zero T
			return zero
		}
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Consumer[T]{
		name:              opts.Name,
		store:             opts.Store,
		project:           opts.Project,
		initial:           initial,
		requireContiguous: opts.RequireContiguous,
		backfill:          opts.Backfill,
		logger:            logging.OrDefault(opts.Logger, "eventing.projection").WithFields(logging.String("projection", opts.Name)),
		clock:             clock,
		locks:             newKeyedMutex(),
	}, nil
}

func (c *Consumer[T]) Name() string { return c.name }

func (c *Consumer[T]) Stats() Stats {
	return Stats{Applied: c.applied.Load(), Skipped: c.skipped.Load(), Failed: c.failed.Load()}
}

// Consume 幂等地应用一个集成事件
//
// 版本不大于已应用版本的事件直接确认；任何失败返回 *ProjectionError。
func (c *Consumer[T]) Consume(ctx context.Context, ie integration.Event) error {
	_, err := c.apply(ctx, ie)
	return err
}

func (c *Consumer[T]) apply(ctx context.Context, ie integration.Event) (bool, error) {
	unlock := c.locks.lock(ie.AggregateType + "/" + ie.AggregateID)
	defer unlock()

	rec, err := c.store.Get(ctx, ie.AggregateID)
	switch {
	case stdErrors.Is(err, ErrRecordNotFound):
		rec = Record[T]{ID: ie.AggregateID, Data: c.initial(ie.AggregateID)}
	case err != nil:
		return false, c.fail(ctx, ie, "load read model", errors.Normalize(err))
	}

	if ie.Version <= rec.LastAppliedVersion {
		c.skipped.Add(1)
		c.logger.Debug(ctx, "stale or duplicate event skipped",
			logging.AggregateID(ie.AggregateID),
			logging.Version(ie.Version),
			logging.Uint64("last_applied_version", rec.LastAppliedVersion))
		return false, nil
	}
	batch := []integration.Event{ie}
	if c.requireContiguous && ie.Version > rec.LastAppliedVersion+1 {
		gap := fmt.Sprintf("version gap: last applied %d", rec.LastAppliedVersion)
		if c.backfill == nil {
			return false, c.fail(ctx, ie, gap, nil)
		}
		missing, err := c.loadMissing(ctx, ie, rec.LastAppliedVersion)
		if err != nil {
			return false, c.fail(ctx, ie, gap, err)
		}
		batch = append(missing, ie)
	}

	data := rec.Data
	for _, evt := range batch {
		if data, err = c.project(data, evt); err != nil {
			return false, c.fail(ctx, evt, "project event", err)
		}
	}
	rec.Data = data
	rec.LastAppliedVersion = ie.Version
	rec.UpdatedAt = c.clock().UTC()

	if err := c.store.Upsert(ctx, rec); err != nil {
		if stdErrors.Is(err, ErrStaleVersion) {
			// 另一个副本已写入更新的版本
			c.skipped.Add(1)
			return false, nil
		}
		return false, c.fail(ctx, ie, "upsert read model", errors.Normalize(err))
	}
	c.applied.Add(int64(len(batch)))
	return true, nil
}

// loadMissing 从事件存储读取 (last, ie.Version) 之间的事件，必须连续且完整
func (c *Consumer[T]) loadMissing(ctx context.Context, ie integration.Event, last uint64) ([]integration.Event, error) {
	key := store.StreamKey{AggregateType: ie.AggregateType, AggregateID: ie.AggregateID}
	events, err := store.LoadEvents(ctx, c.backfill, key, last)
	if err != nil {
		return nil, errors.Normalize(err)
	}
	want := ie.Version - last - 1
	missing := make([]integration.Event, 0, want)
	for _, evt := range events {
		if evt.Version >= ie.Version {
			break
		}
		if evt.Version != last+uint64(len(missing))+1 {
			return nil, fmt.Errorf("stream %s/%s is not contiguous at version %d", key.AggregateType, key.AggregateID, evt.Version)
		}
		missing = append(missing, integration.FromDomainEvent(evt))
	}
	if uint64(len(missing)) != want {
		return nil, fmt.Errorf("event store returned %d of %d missing events", len(missing), want)
	}
	c.logger.Info(ctx, "version gap filled from event store",
		logging.AggregateID(ie.AggregateID),
		logging.Uint64("from_version", last+1),
		logging.Version(ie.Version-1))
	return missing, nil
}

func (c *Consumer[T]) fail(ctx context.Context, ie integration.Event, reason string, cause error) error {
	c.failed.Add(1)
	err := &ProjectionError{
		Projection:  c.name,
		EventID:     ie.SourceEventID,
		AggregateID: ie.AggregateID,
		Version:     ie.Version,
		Reason:      reason,
		Cause:       cause,
	}
	c.logger.Warn(ctx, "projection failed, event will be redelivered",
		logging.AggregateID(ie.AggregateID),
		logging.EventType(ie.EventType),
		logging.Version(ie.Version),
		logging.Int("delivery_attempt", messaging.DeliveryAttempt(ctx)),
		logging.Error(err))
	return err
}

// Handler 将消费者适配为消息处理器
func (c *Consumer[T]) Handler() messaging.IMessageHandler {
	return integration.Handler("projection."+c.name, c.Consume)
}

// Subscribe 订阅聚合类型对应的集成事件主题
func (c *Consumer[T]) Subscribe(ctx context.Context, bus messaging.IMessageBus, aggregateType string) (messaging.IMessageHandler, error) {
	handler := c.Handler()
	if err := bus.Subscribe(ctx, integration.Topic(aggregateType), handler); err != nil {
		return nil, err
	}
	return handler, nil
}

// Rebuild 从全局事件流重放到读模型，返回应用的事件数
//
// 版本门控保证在已有数据上重复执行也是安全的。读模型记录以聚合 ID 为键，
// 因此 aggregateType 必填，只重放该类型的流。
func (c *Consumer[T]) Rebuild(ctx context.Context, feed store.IEventFeed, aggregateType string, batchSize int) (int, error) {
	if aggregateType == "" {
		return 0, fmt.Errorf("rebuild %s: aggregate type is required", c.name)
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	var (
		position uint64
		applied  int
	)
	for {
		events, err := feed.ReadAll(ctx, position, batchSize)
		if err != nil {
			return applied, errors.Normalize(err)
		}
		if len(events) == 0 {
			break
		}
		for _, evt := range events {
			position = evt.Position
			if evt.AggregateType != aggregateType {
				continue
			}
			ok, err := c.apply(ctx, integration.FromDomainEvent(evt))
			if err != nil {
				return applied, err
			}
			if ok {
				applied++
			}
		}
		if len(events) < batchSize {
			break
		}
	}
	c.logger.Info(ctx, "projection rebuilt", logging.Int("applied", applied), logging.Uint64("position", position))
	return applied, nil
}
