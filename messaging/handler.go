package messaging

import (
	"context"
)

// IMessageHandler 消息处理器接口
//
// Handle 返回错误表示消息未被确认：传输层会按退避策略重新投递，
// 超过最大投递次数后转入死信。
type IMessageHandler interface {
	Handle(ctx context.Context, message IMessage) error

	// Type 返回处理器类型（用于日志和调试）
	Type() string
}

type funcHandler struct {
	name string
	fn   HandlerFunc
}

func (h *funcHandler) Handle(ctx context.Context, message IMessage) error { return h.fn(ctx, message) }
func (h *funcHandler) Type() string                                       { return h.name }

// NewHandler 将函数适配为 IMessageHandler
func NewHandler(name string, fn HandlerFunc) IMessageHandler {
	return &funcHandler{name: name, fn: fn}
}

type deliveryAttemptKey struct{}

// WithDeliveryAttempt 记录当前投递次数（从 1 开始）
func WithDeliveryAttempt(ctx context.Context, attempt int) context.Context {
	return context.WithValue(ctx, deliveryAttemptKey{}, attempt)
}

// DeliveryAttempt 读取当前投递次数；未知时返回 1
func DeliveryAttempt(ctx context.Context) int {
	if n, ok := ctx.Value(deliveryAttemptKey{}).(int); ok && n > 0 {
		return n
	}
	return 1
}
