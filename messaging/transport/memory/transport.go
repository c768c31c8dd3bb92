// Package memory 提供基于内存队列的消息传输实现
// 适用于单机部署、开发环境和测试场景
package memory

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"taskboard/logging"
	"taskboard/messaging"
)

// DeadLetter 超过最大投递次数的消息
type DeadLetter struct {
	Message  messaging.IMessage
	Handler  string
	Attempts int
	Err      error
	At       time.Time
}

// MemoryTransport 内存消息传输实现
//
// 特性:
//   - 按消息 Key 哈希到固定 Worker，同一 Key 保持发布顺序
//   - 处理器失败时在同一 Worker 内按退避重投，超过 MaxDeliver 转入死信列表
//   - 各订阅者独立确认，一个处理器失败不影响其他处理器
type MemoryTransport struct {
	handlers    map[string][]messaging.IMessageHandler
	partitions  []chan messaging.IMessage
	queueSize   int
	workerCount int
	policy      messaging.RetryPolicy
	logger      logging.Logger
	running     bool
	mutex       sync.RWMutex
	workers     *errgroup.Group

	deadMu      sync.Mutex
	deadLetters []DeadLetter

	redelivered  atomic.Int64
	deadLettered atomic.Int64
}

// Option 内存传输选项
type Option func(*MemoryTransport)

// WithRetryPolicy 设置重投策略
func WithRetryPolicy(policy messaging.RetryPolicy) Option {
	return func(t *MemoryTransport) { t.policy = policy }
}

// WithLogger 注入日志器
func WithLogger(logger logging.Logger) Option {
	return func(t *MemoryTransport) { t.logger = logger }
}

// NewMemoryTransport 创建内存传输实例
//
// 参数:
//   - queueSize: 每个 Worker 的队列大小（<=0 时使用默认 1000）
//   - workerCount: Worker 数量（<=0 时使用默认 4）
func NewMemoryTransport(queueSize, workerCount int, opts ...Option) *MemoryTransport {
	if queueSize <= 0 {
		queueSize = 1000
	}
	if workerCount <= 0 {
		workerCount = 4
	}
	t := &MemoryTransport{
		handlers:    make(map[string][]messaging.IMessageHandler),
		queueSize:   queueSize,
		workerCount: workerCount,
		policy:      messaging.DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = logging.OrDefault(t.logger, "memory-transport")
	return t
}

func (t *MemoryTransport) partition(key string) int {
	if key == "" || t.workerCount == 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(t.workerCount))
}

// Publish 发布消息到其分区队列
func (t *MemoryTransport) Publish(ctx context.Context, message messaging.IMessage) error {
	return t.PublishAll(ctx, []messaging.IMessage{message})
}

// PublishAll 批量发布消息到分区队列；队列满时阻塞直至 ctx 结束
func (t *MemoryTransport) PublishAll(ctx context.Context, messages []messaging.IMessage) error {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	if !t.running {
		return fmt.Errorf("memory transport is not running")
	}
	for _, message := range messages {
		select {
		case t.partitions[t.partition(message.GetKey())] <- message:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe 订阅消息处理器，支持通配符 "*"
func (t *MemoryTransport) Subscribe(messageType string, handler messaging.IMessageHandler) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.handlers[messageType] = append(t.handlers[messageType], handler)
	return nil
}

// Unsubscribe 取消订阅消息处理器
func (t *MemoryTransport) Unsubscribe(messageType string, handler messaging.IMessageHandler) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	handlers, ok := t.handlers[messageType]
	if !ok {
		return fmt.Errorf("no handlers for message type %s", messageType)
	}
	for i, h := range handlers {
		if h == handler {
			t.handlers[messageType] = append(handlers[:i:i], handlers[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("handler not found for message type %s", messageType)
}

// Start 启动 Worker
func (t *MemoryTransport) Start(ctx context.Context) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.running {
		return fmt.Errorf("memory transport is already running")
	}

	t.running = true
	t.partitions = make([]chan messaging.IMessage, t.workerCount)
	t.workers = new(errgroup.Group)
	for i := range t.partitions {
		queue := make(chan messaging.IMessage, t.queueSize)
		t.partitions[i] = queue
		t.workers.Go(func() error {
			t.worker(ctx, queue)
			return nil
		})
	}
	return nil
}

// Close 停止接收新消息，等待已入队消息处理完成
func (t *MemoryTransport) Close() error {
	t.mutex.Lock()
	if !t.running {
		t.mutex.Unlock()
		return fmt.Errorf("memory transport is not running")
	}
	t.running = false
	for _, p := range t.partitions {
		close(p)
	}
	workers := t.workers
	t.mutex.Unlock()

	return workers.Wait()
}

func (t *MemoryTransport) worker(ctx context.Context, queue <-chan messaging.IMessage) {
	for {
		select {
		case message, ok := <-queue:
			if !ok {
				return
			}
			t.dispatch(ctx, message)
		case <-ctx.Done():
			return
		}
	}
}

// dispatch 将消息交给精确匹配与通配符处理器
func (t *MemoryTransport) dispatch(ctx context.Context, message messaging.IMessage) {
	t.mutex.RLock()
	exact := t.handlers[message.GetType()]
	wildcard := t.handlers["*"]
	handlers := make([]messaging.IMessageHandler, 0, len(exact)+len(wildcard))
	handlers = append(handlers, exact...)
	handlers = append(handlers, wildcard...)
	t.mutex.RUnlock()

	for _, handler := range handlers {
		t.deliver(ctx, handler, message)
	}
}

// deliver 投递直到成功、超过最大次数或 ctx 结束
func (t *MemoryTransport) deliver(ctx context.Context, handler messaging.IMessageHandler, message messaging.IMessage) {
	for attempt := 1; ; attempt++ {
		err := handler.Handle(messaging.WithDeliveryAttempt(ctx, attempt), message)
		if err == nil {
			return
		}
		if t.policy.Exhausted(attempt) {
			t.deadLetter(ctx, handler, message, attempt, err)
			return
		}

		delay := t.policy.Delay(attempt)
		t.logger.Warn(ctx, "message handler failed, redelivering",
			logging.MessageID(message.GetID()),
			logging.Topic(message.GetType()),
			logging.String("handler", handler.Type()),
			logging.Int("attempt", attempt),
			logging.Duration("backoff", delay),
			logging.Error(err))
		t.redelivered.Add(1)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

func (t *MemoryTransport) deadLetter(ctx context.Context, handler messaging.IMessageHandler, message messaging.IMessage, attempts int, err error) {
	t.logger.Error(ctx, "message dead-lettered",
		logging.MessageID(message.GetID()),
		logging.Topic(message.GetType()),
		logging.String("handler", handler.Type()),
		logging.Int("attempts", attempts),
		logging.Error(err))

	t.deadLettered.Add(1)
	t.deadMu.Lock()
	t.deadLetters = append(t.deadLetters, DeadLetter{
		Message:  message,
		Handler:  handler.Type(),
		Attempts: attempts,
		Err:      err,
		At:       time.Now(),
	})
	t.deadMu.Unlock()
}

// DeadLetters 返回死信副本
func (t *MemoryTransport) DeadLetters() []DeadLetter {
	t.deadMu.Lock()
	defer t.deadMu.Unlock()
	out := make([]DeadLetter, len(t.deadLetters))
	copy(out, t.deadLetters)
	return out
}

// Stats 获取统计信息
func (t *MemoryTransport) Stats() messaging.TransportStats {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	handlerCount := 0
	messageTypes := make([]string, 0, len(t.handlers))
	for messageType, handlers := range t.handlers {
		messageTypes = append(messageTypes, messageType)
		handlerCount += len(handlers)
	}
	depth := 0
	for _, p := range t.partitions {
		depth += len(p)
	}

	return messaging.TransportStats{
		Running:      t.running,
		HandlerCount: handlerCount,
		MessageTypes: messageTypes,
		QueueSize:    t.queueSize,
		QueueDepth:   depth,
		WorkerCount:  t.workerCount,
		Redelivered:  t.redelivered.Load(),
		DeadLettered: t.deadLettered.Load(),
	}
}
