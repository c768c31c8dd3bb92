package integration

import (
	"context"
	"fmt"

	"taskboard/errors"
	"taskboard/eventing"
	"taskboard/logging"
	"taskboard/messaging"
)

// PublishError 事件已持久化但发布到总线失败
//
// 写入不会因此回滚；调用方应视为成功并告警，由补发器或下一次发布兜底。
type PublishError struct {
	EventID     string
	EventType   string
	AggregateID string
	Version     uint64
	Cause       error
}

func NewPublishError(evt eventing.Event, cause error) *PublishError {
	return &PublishError{
		EventID:     evt.ID,
		EventType:   evt.Type,
		AggregateID: evt.AggregateID,
		Version:     evt.Version,
		Cause:       cause,
	}
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish event %s (%s v%d of %s) failed: %v", e.EventID, e.EventType, e.Version, e.AggregateID, e.Cause)
}

func (e *PublishError) Unwrap() error { return e.Cause }

func (e *PublishError) ErrorCode() errors.ErrorCode { return errors.ErrCodePublish }

// PublisherOptions 发布器依赖
type PublisherOptions struct {
	Bus    messaging.IMessageBus
	Logger logging.Logger
}

// Publisher 将领域事件映射为集成事件并提交到消息总线
type Publisher struct {
	bus    messaging.IMessageBus
	logger logging.Logger
}

func NewPublisher(opts PublisherOptions) (*Publisher, error) {
	if opts.Bus == nil {
		return nil, fmt.Errorf("message bus cannot be nil")
	}
	return &Publisher{
		bus:    opts.Bus,
		logger: logging.OrDefault(opts.Logger, "eventing.integration.publisher"),
	}, nil
}

// Publish 发布单个已提交事件，失败返回 *PublishError
func (p *Publisher) Publish(ctx context.Context, evt eventing.Event) error {
	msg, err := FromDomainEvent(evt).ToMessage()
	if err != nil {
		return NewPublishError(evt, err)
	}
	if err := p.bus.Publish(ctx, msg); err != nil {
		p.logger.Warn(ctx, "integration event publish failed",
			logging.EventType(evt.Type),
			logging.AggregateID(evt.AggregateID),
			logging.Version(evt.Version),
			logging.Topic(msg.Type),
			logging.Error(err))
		return NewPublishError(evt, err)
	}
	p.logger.Debug(ctx, "integration event published",
		logging.EventType(evt.Type),
		logging.AggregateID(evt.AggregateID),
		logging.Version(evt.Version),
		logging.Topic(msg.Type))
	return nil
}
