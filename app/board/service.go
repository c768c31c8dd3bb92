package board

import (
	"context"
	stdErrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"taskboard/domain/eventsourced"
	"taskboard/domain/service"
	"taskboard/errors"
	"taskboard/eventing"
	"taskboard/eventing/integration"
	"taskboard/eventing/projection"
	"taskboard/logging"
	"taskboard/messaging/middleware"
	"taskboard/patterns/retry"
)

// Repository 看板仓储所需能力
type Repository interface {
	eventsourced.IEventSourcedRepository[*Board]
	GetEventHistory(ctx context.Context, id string) ([]eventing.Event, error)
}

// ServiceOptions 命令服务依赖
type ServiceOptions struct {
	Registry   *eventing.Registry
	Repository Repository
	Views      projection.IReadStore[BoardView]

	// Timeout 单次调用超时，<=0 表示不设置
	Timeout time.Duration

	// ConflictRetries 并发冲突时重新加载并重放命令的次数
	ConflictRetries int
	RetryDelay      time.Duration

	NewID func() string

	// NewCommandID 每次 Dispatch 的命令标识，作为事件的 causation_id
	NewCommandID func() string
	Logger       logging.Logger
}

// Service 看板命令/查询入口
type Service struct {
	registry *eventing.Registry
	repo     Repository
	views    projection.IReadStore[BoardView]
	timeout  time.Duration
	retry    retry.Config
	newID    func() string
	newCmdID func() string
	log      logging.Logger
}

func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("event registry cannot be nil")
	}
	if opts.Repository == nil {
		return nil, fmt.Errorf("board repository cannot be nil")
	}
	if opts.ConflictRetries < 0 {
		return nil, fmt.Errorf("conflict retries cannot be negative")
	}
	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = opts.ConflictRetries + 1
	if opts.RetryDelay > 0 {
		cfg.InitialDelay = opts.RetryDelay
	}
	cfg.RetryIf = errors.IsConcurrency

	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	newCmdID := opts.NewCommandID
	if newCmdID == nil {
		newCmdID = uuid.NewString
	}
	return &Service{
		registry: opts.Registry,
		repo:     opts.Repository,
		views:    opts.Views,
		timeout:  opts.Timeout,
		retry:    cfg,
		newID:    newID,
		newCmdID: newCmdID,
		log:      logging.OrDefault(opts.Logger, "app.board.service"),
	}, nil
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

// Dispatch 执行命令，预期内的失败以 Result.Failure 返回
//
// 命令标识作为 causation_id；调用方未携带 correlation_id 时以命令标识开启新的链路。
func (s *Service) Dispatch(ctx context.Context, cmd Command) service.Result {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	commandID := s.newCmdID()
	correlationID, _ := middleware.CorrelationFromContext(ctx)
	if correlationID == "" {
		correlationID = commandID
	}
	ctx = middleware.WithCorrelation(ctx, correlationID, commandID)

	var (
		value any
		err   error
	)
	switch c := cmd.(type) {
	case CreateBoard:
		value, err = s.create(ctx, c)
	case RenameBoard:
		value, err = s.mutate(ctx, c.BoardID, func(b *Board) (any, error) { return nil, b.Rename(c.Name) })
	case AddColumn:
		value, err = s.mutate(ctx, c.BoardID, func(b *Board) (any, error) { return nil, b.AddColumn(c.Name) })
	case AddCard:
		cardID := s.newID()
		value, err = s.mutate(ctx, c.BoardID, func(b *Board) (any, error) { return cardID, b.AddCard(cardID, c.Column, c.Title) })
	case MoveCard:
		value, err = s.mutate(ctx, c.BoardID, func(b *Board) (any, error) { return nil, b.MoveCard(c.CardID, c.ToColumn) })
	case DeleteBoard:
		value, err = s.mutate(ctx, c.BoardID, func(b *Board) (any, error) { return nil, b.Delete() })
	default:
		return service.Fail(service.FailureValidation, fmt.Sprintf("unsupported command %T", cmd))
	}
	return s.result(ctx, cmd.commandName(), value, err)
}

// Query 执行查询
func (s *Service) Query(ctx context.Context, q Query) service.Result {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	switch c := q.(type) {
	case GetBoard:
		b, err := s.repo.GetByID(ctx, c.BoardID)
		if err != nil {
			return service.ResultFromError(err)
		}
		return service.Ok(b.State())
	case GetBoardView:
		if s.views == nil {
			return service.Fail(service.FailureUnavailable, "board view store is not configured")
		}
		rec, err := s.views.Get(ctx, c.BoardID)
		if stdErrors.Is(err, projection.ErrRecordNotFound) {
			return service.Fail(service.FailureNotFound, fmt.Sprintf("board view %s not found", c.BoardID))
		}
		if err != nil {
			return service.ResultFromError(err)
		}
		return service.Ok(rec)
	case GetBoardHistory:
		events, err := s.repo.GetEventHistory(ctx, c.BoardID)
		if err != nil {
			return service.ResultFromError(err)
		}
		if len(events) == 0 {
			return service.Fail(service.FailureNotFound, fmt.Sprintf("board %s not found", c.BoardID))
		}
		return service.Ok(events)
	default:
		return service.Fail(service.FailureValidation, fmt.Sprintf("unsupported query %T", q))
	}
}

func (s *Service) create(ctx context.Context, c CreateBoard) (any, error) {
	b := New(s.newID(), s.registry)
	if err := b.Create(c.Name, c.Owner); err != nil {
		return nil, err
	}
	return b.GetID(), s.repo.Save(ctx, b)
}

// mutate 加载、执行、保存；并发冲突时按重试配置重新加载后重放
func (s *Service) mutate(ctx context.Context, id string, apply func(*Board) (any, error)) (any, error) {
	var value any
	err := retry.Do(ctx, func(ctx context.Context, attempt int) error {
		b, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		v, err := apply(b)
		if err != nil {
			return err
		}
		value = v
		err = s.repo.Save(ctx, b)
		if errors.IsConcurrency(err) {
			s.log.Info(ctx, "board command conflicted, reloading",
				logging.AggregateID(id),
				logging.Int("attempt", attempt))
		}
		return err
	}, s.retry)
	return value, err
}

func (s *Service) result(ctx context.Context, name string, value any, err error) service.Result {
	if err == nil {
		return service.Ok(value)
	}
	var pe *integration.PublishError
	if stdErrors.As(err, &pe) {
		s.log.Warn(ctx, "command committed, publication deferred to relay",
			logging.String("command", name),
			logging.AggregateID(pe.AggregateID),
			logging.Error(err))
		return service.Ok(value).WithWarning(pe.Error())
	}
	r := service.ResultFromError(err)
	if r.Failure != nil && r.Failure.Kind != service.FailureValidation && r.Failure.Kind != service.FailureNotFound {
		s.log.Error(ctx, "command failed", logging.String("command", name), logging.Error(err))
	}
	return r
}
