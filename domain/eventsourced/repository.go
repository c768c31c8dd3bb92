// Package eventsourced 提供事件溯源聚合的仓储：加载即重放，保存即追加后发布
package eventsourced

import (
	"context"
	stdErrors "errors"
	"fmt"

	"taskboard/domain/entity"
	"taskboard/errors"
	"taskboard/eventing"
	"taskboard/eventing/integration"
	"taskboard/eventing/store"
	"taskboard/logging"
)

// IEventPublisher 已提交事件的发布者
type IEventPublisher interface {
	Publish(ctx context.Context, evt eventing.Event) error
}

// IEventSourcedRepository 事件溯源仓储接口
type IEventSourcedRepository[T entity.IEventSourcedAggregate] interface {
	GetByID(ctx context.Context, id string) (T, error)
	Save(ctx context.Context, aggregate T) error
	Exists(ctx context.Context, id string) (bool, error)
}

// RepositoryOptions 仓储依赖
type RepositoryOptions[T entity.IEventSourcedAggregate] struct {
	AggregateType string
	Factory       func(id string) T
	Store         store.IEventStore

	// Publisher 可选；为 nil 时仅持久化，由补发器负责投递
	Publisher IEventPublisher
	Logger    logging.Logger
}

// Repository 默认事件溯源仓储
//
// 仓储不做并发冲突重试：ConcurrencyError 原样返回给命令层。
type Repository[T entity.IEventSourcedAggregate] struct {
	aggregateType string
	factory       func(id string) T
	store         store.IEventStore
	publisher     IEventPublisher
	logger        logging.Logger
}

func NewRepository[T entity.IEventSourcedAggregate](opts RepositoryOptions[T]) (*Repository[T], error) {
	if opts.AggregateType == "" {
		return nil, fmt.Errorf("aggregate type cannot be empty")
	}
	if opts.Factory == nil {
		return nil, fmt.Errorf("aggregate factory cannot be nil")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("event store cannot be nil")
	}
	logger := logging.OrDefault(opts.Logger, "domain.eventsourced.repository").
		WithFields(logging.AggregateType(opts.AggregateType))
	return &Repository[T]{
		aggregateType: opts.AggregateType,
		factory:       opts.Factory,
		store:         opts.Store,
		publisher:     opts.Publisher,
		logger:        logger,
	}, nil
}

func (r *Repository[T]) key(id string) store.StreamKey {
	return store.StreamKey{AggregateType: r.aggregateType, AggregateID: id}
}

// GetByID 读取事件流并重放；流为空返回 NOT_FOUND
func (r *Repository[T]) GetByID(ctx context.Context, id string) (T, error) {
	var zero T
	events, err := r.store.ReadStream(ctx, r.key(id))
	if err != nil {
		return zero, errors.Normalize(err)
	}
	if len(events) == 0 {
		return zero, errors.NewError(errors.ErrCodeNotFound,
			fmt.Sprintf("%s %s not found", r.aggregateType, id))
	}

	aggregate := r.factory(id)
	if err := entity.Replay(aggregate, events); err != nil {
		return zero, err
	}
	return aggregate, nil
}

// Save 以聚合的已提交版本为期望版本追加未提交事件，成功后按流顺序逐个发布
//
// Context 中的 correlation_id/causation_id 在追加前写入事件元数据，发布的正是持久化的副本，
// 直接发布与补发器重发的同一事件元数据一致。追加失败时不发布任何事件。
//
// 发布不保证每个新事件各调用一次：某个事件发布失败时停止发布其后的事件，
// 避免消费端先看到更高版本。已提交的写入不受影响，返回 *integration.PublishError；
// 未发布的事件由补发器或消费端按流回填补齐。
func (r *Repository[T]) Save(ctx context.Context, aggregate T) error {
	events := aggregate.GetUncommittedEvents()
	if len(events) == 0 {
		return nil
	}
	events = store.StampCorrelation(ctx, events)

	expected := aggregate.GetVersion()
	newVersion, err := r.store.AppendEvents(ctx, r.key(aggregate.GetID()), expected, events)
	if err != nil {
		return errors.Normalize(err)
	}
	aggregate.MarkEventsAsCommitted(newVersion)

	r.logger.Debug(ctx, "aggregate saved",
		logging.AggregateID(aggregate.GetID()),
		logging.Version(newVersion),
		logging.Int("event_count", len(events)))

	if r.publisher == nil {
		return nil
	}
	for _, evt := range events {
		if err := r.publisher.Publish(ctx, evt); err != nil {
			r.logger.Warn(ctx, "event committed but not published",
				logging.AggregateID(evt.AggregateID),
				logging.EventType(evt.Type),
				logging.Version(evt.Version),
				logging.Error(err))
			var pe *integration.PublishError
			if stdErrors.As(err, &pe) {
				return pe
			}
			return integration.NewPublishError(evt, err)
		}
	}
	return nil
}

// Exists 检查聚合是否存在
func (r *Repository[T]) Exists(ctx context.Context, id string) (bool, error) {
	ok, err := store.StreamExists(ctx, r.store, r.key(id))
	if err != nil {
		return false, errors.Normalize(err)
	}
	return ok, nil
}

// GetAggregateVersion 获取聚合当前版本，不存在返回 0
func (r *Repository[T]) GetAggregateVersion(ctx context.Context, id string) (uint64, error) {
	return store.GetStreamVersion(ctx, r.store, r.key(id))
}

// GetEventHistory 读取聚合的完整事件历史
func (r *Repository[T]) GetEventHistory(ctx context.Context, id string) ([]eventing.Event, error) {
	return r.store.ReadStream(ctx, r.key(id))
}
