package messaging

import (
	"context"
	"time"
)

// DeadLetterPrefix 死信主题前缀
const DeadLetterPrefix = "dlq."

// DeadLetterTopic 返回消息类型对应的死信主题
func DeadLetterTopic(messageType string) string {
	return DeadLetterPrefix + messageType
}

// Transport 消息传输接口
//
// 语义为至少一次投递：处理器返回错误时消息不被确认，
// 由传输层在退避后重新投递，达到最大次数后转入死信。
type Transport interface {
	Publish(ctx context.Context, message IMessage) error
	PublishAll(ctx context.Context, messages []IMessage) error
	Subscribe(messageType string, handler IMessageHandler) error
	Unsubscribe(messageType string, handler IMessageHandler) error
	Start(ctx context.Context) error
	Close() error
	Stats() TransportStats
}

// TransportStats 传输层统计信息
type TransportStats struct {
	Running      bool     `json:"running"`
	HandlerCount int      `json:"handler_count"`
	MessageTypes []string `json:"message_types"`
	QueueSize    int      `json:"queue_size,omitempty"`
	QueueDepth   int      `json:"queue_depth,omitempty"`
	WorkerCount  int      `json:"worker_count,omitempty"`
	Redelivered  int64    `json:"redelivered,omitempty"`
	DeadLettered int64    `json:"dead_lettered,omitempty"`
}

// RetryPolicy 重投策略
type RetryPolicy struct {
	MaxDeliver int
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// DefaultRetryPolicy 默认重投策略
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxDeliver: 5, Backoff: 200 * time.Millisecond, MaxBackoff: 30 * time.Second}
}

// Delay 计算第 attempt 次投递失败后的退避时间（指数增长，封顶 MaxBackoff）
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if p.Backoff <= 0 {
		return 0
	}
	d := p.Backoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	return d
}

// Exhausted 判断第 attempt 次投递失败后是否应转入死信
func (p RetryPolicy) Exhausted(attempt int) bool {
	return p.MaxDeliver > 0 && attempt >= p.MaxDeliver
}
