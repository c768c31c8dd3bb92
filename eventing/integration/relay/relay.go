// Package relay 补发器：从事件存储的全局流重新发布已提交事件
//
// 仓储在 Save 中直接发布以保证低延迟；发布失败或进程在写入与发布之间退出时，
// 补发器从持久化的检查点继续扫描全局流并至少一次地重新发布。
// 消费端按版本幂等，重复投递无害。
package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"taskboard/eventing"
	"taskboard/eventing/projection"
	"taskboard/eventing/store"
	"taskboard/logging"
)

// IPublisher 发布单个已提交事件，通常为 *integration.Publisher
type IPublisher interface {
	Publish(ctx context.Context, evt eventing.Event) error
}

// Options 补发器配置
type Options struct {
	Name        string
	Feed        store.IEventFeed
	Publisher   IPublisher
	Checkpoints projection.ICheckpointStore

	// AggregateTypes 为空时发布所有聚合类型
	AggregateTypes []string

	Interval  time.Duration
	BatchSize int
	Logger    logging.Logger
}

// Relay 检查点驱动的补发循环
type Relay struct {
	name        string
	feed        store.IEventFeed
	publisher   IPublisher
	checkpoints projection.ICheckpointStore
	types       map[string]struct{}
	interval    time.Duration
	batchSize   int
	log         logging.Logger
}

func New(opts Options) (*Relay, error) {
	if opts.Feed == nil {
		return nil, fmt.Errorf("event feed cannot be nil")
	}
	if opts.Publisher == nil {
		return nil, fmt.Errorf("publisher cannot be nil")
	}
	if opts.Checkpoints == nil {
		return nil, fmt.Errorf("checkpoint store cannot be nil")
	}
	if opts.Name == "" {
		opts.Name = "integration.relay"
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	var types map[string]struct{}
	if len(opts.AggregateTypes) > 0 {
		types = make(map[string]struct{}, len(opts.AggregateTypes))
		for _, t := range opts.AggregateTypes {
			types[t] = struct{}{}
		}
	}
	return &Relay{
		name:        opts.Name,
		feed:        opts.Feed,
		publisher:   opts.Publisher,
		checkpoints: opts.Checkpoints,
		types:       types,
		interval:    opts.Interval,
		batchSize:   opts.BatchSize,
		log:         logging.OrDefault(opts.Logger, "eventing.integration.relay").WithFields(logging.String("relay", opts.Name)),
	}, nil
}

// Run 按间隔执行 RunOnce，直到 ctx 结束
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.log.Error(ctx, "relay pass failed", logging.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce 从检查点开始发布直到追上流尾，返回发布的事件数
//
// 遇到第一个发布失败即停止并保存此前的位置，保证同一聚合的事件按顺序到达。
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	cp, err := r.checkpoints.Load(ctx, r.name)
	if err != nil && !errors.Is(err, projection.ErrCheckpointNotFound) {
		return 0, err
	}
	if cp == nil {
		cp = projection.NewCheckpoint(r.name, 0, "", time.Time{})
	}
	start := cp.Position

	published := 0
	for {
		events, err := r.feed.ReadAll(ctx, cp.Position, r.batchSize)
		if err != nil {
			return published, r.save(ctx, cp, start, err)
		}
		for _, evt := range events {
			if r.accepts(evt.AggregateType) {
				if err := r.publisher.Publish(ctx, evt); err != nil {
					r.log.Warn(ctx, "relay stopped at unpublished event",
						logging.Uint64("position", evt.Position),
						logging.AggregateID(evt.AggregateID),
						logging.Version(evt.Version),
						logging.Error(err))
					return published, r.save(ctx, cp, start, err)
				}
				published++
			}
			cp.Update(evt.Position, evt.ID, evt.Timestamp)
		}
		if len(events) < r.batchSize {
			break
		}
	}
	if err := r.save(ctx, cp, start, nil); err != nil {
		return published, err
	}
	if published > 0 {
		r.log.Info(ctx, "relay republished events",
			logging.Int("count", published),
			logging.Uint64("position", cp.Position))
	}
	return published, nil
}

func (r *Relay) accepts(aggregateType string) bool {
	if r.types == nil {
		return true
	}
	_, ok := r.types[aggregateType]
	return ok
}

// save 位置有推进时保存检查点，返回 cause 或保存错误
func (r *Relay) save(ctx context.Context, cp *projection.Checkpoint, start uint64, cause error) error {
	if cp.Position == start {
		return cause
	}
	if err := r.checkpoints.Save(ctx, cp); err != nil {
		r.log.Error(ctx, "relay checkpoint save failed", logging.Uint64("position", cp.Position), logging.Error(err))
		if cause == nil {
			return err
		}
	}
	return cause
}
