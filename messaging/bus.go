package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrInvalidMessage 消息缺少 ID 或主题
var ErrInvalidMessage = errors.New("messaging: invalid message")

// HandlerFunc 中间件链中的发布步骤
type HandlerFunc func(ctx context.Context, message IMessage) error

// IMiddleware 发布链路中间件，按 Use 的顺序由外到内执行
type IMiddleware interface {
	Handle(ctx context.Context, message IMessage, next HandlerFunc) error
	Name() string
}

// IMessageBus 集成事件发布与订阅入口
type IMessageBus interface {
	Subscribe(ctx context.Context, topic string, handler IMessageHandler) error
	Publish(ctx context.Context, message IMessage) error
	Use(middleware IMiddleware)
}

// MessageBus 在 Transport 之上叠加发布中间件
type MessageBus struct {
	transport Transport

	mu          sync.RWMutex
	middlewares []IMiddleware
	publish     HandlerFunc
}

func NewMessageBus(transport Transport) *MessageBus {
	return &MessageBus{transport: transport, publish: transport.Publish}
}

// Use 追加中间件；链在注册时组装，发布路径只读
func (b *MessageBus) Use(middleware IMiddleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middlewares = append(b.middlewares, middleware)

	next := HandlerFunc(b.transport.Publish)
	for i := len(b.middlewares) - 1; i >= 0; i-- {
		m, inner := b.middlewares[i], next
		next = func(ctx context.Context, msg IMessage) error {
			return m.Handle(ctx, msg, inner)
		}
	}
	b.publish = next
}

// Middlewares 已注册中间件名称
func (b *MessageBus) Middlewares() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.middlewares))
	for _, m := range b.middlewares {
		names = append(names, m.Name())
	}
	return names
}

func (b *MessageBus) Subscribe(ctx context.Context, topic string, handler IMessageHandler) error {
	if topic == "" || handler == nil {
		return fmt.Errorf("%w: subscribe requires a topic and a handler", ErrInvalidMessage)
	}
	return b.transport.Subscribe(topic, handler)
}

func (b *MessageBus) Publish(ctx context.Context, message IMessage) error {
	if message == nil || message.GetID() == "" || message.GetType() == "" {
		return ErrInvalidMessage
	}
	b.mu.RLock()
	publish := b.publish
	b.mu.RUnlock()
	if err := publish(ctx, message); err != nil {
		return fmt.Errorf("publish %s to %s: %w", message.GetID(), message.GetType(), err)
	}
	return nil
}
