// Package kafka 基于 segmentio/kafka-go 实现 messaging.Transport
//
// 消息按 Key 哈希到分区，同一聚合的消息保持顺序。Kafka 没有单条 nack，
// 处理失败时在消费协程内按退避重试；达到 MaxDeliver 后写入 dlq.<topic>，
// 偏移量只在成功或写入死信之后提交。
package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"taskboard/logging"
	"taskboard/messaging"
)

const (
	headerAttempts = "x-delivery-attempts"
	headerError    = "x-dead-letter-error"
)

type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

type reader interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Config configures the Kafka transport.
type Config struct {
	Brokers     []string
	GroupID     string
	TopicPrefix string
	Retry       messaging.RetryPolicy
	Logger      logging.Logger

	// 测试注入
	newReader func(topic string) reader
	writer    writer
}

// Transport implements messaging.Transport on top of Kafka.
type Transport struct {
	cfg    Config
	logger logging.Logger
	writer writer

	handlers map[string][]messaging.IMessageHandler
	readers  map[string]reader

	mu      sync.RWMutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	redelivered  atomic.Int64
	deadLettered atomic.Int64
}

// NewTransport builds a Kafka transport.
func NewTransport(cfg Config) (*Transport, error) {
	if len(cfg.Brokers) == 0 && cfg.writer == nil {
		return nil, errors.New("kafka brokers not configured")
	}
	if cfg.GroupID == "" {
		cfg.GroupID = "taskboard"
	}
	if cfg.Retry.MaxDeliver <= 0 {
		cfg.Retry = messaging.DefaultRetryPolicy()
	}
	w := cfg.writer
	if w == nil {
		w = &kafkago.Writer{
			Addr:                   kafkago.TCP(cfg.Brokers...),
			Balancer:               &kafkago.Hash{},
			RequiredAcks:           kafkago.RequireAll,
			AllowAutoTopicCreation: true,
		}
	}
	if cfg.newReader == nil {
		brokers, group := cfg.Brokers, cfg.GroupID
		cfg.newReader = func(topic string) reader {
			return kafkago.NewReader(kafkago.ReaderConfig{
				Brokers: brokers,
				GroupID: group,
				Topic:   topic,
			})
		}
	}
	return &Transport{
		cfg:      cfg,
		logger:   logging.OrDefault(cfg.Logger, "transport.kafka"),
		writer:   w,
		handlers: make(map[string][]messaging.IMessageHandler),
		readers:  make(map[string]reader),
		ctx:      context.Background(),
	}, nil
}

func (t *Transport) topicName(messageType string) string {
	return t.cfg.TopicPrefix + messageType
}

func (t *Transport) Publish(ctx context.Context, message messaging.IMessage) error {
	return t.PublishAll(ctx, []messaging.IMessage{message})
}

// PublishAll 一次写入整批消息
func (t *Transport) PublishAll(ctx context.Context, messages []messaging.IMessage) error {
	if len(messages) == 0 {
		return nil
	}
	batch := make([]kafkago.Message, 0, len(messages))
	for _, m := range messages {
		value, err := messaging.Encode(m)
		if err != nil {
			return err
		}
		batch = append(batch, kafkago.Message{
			Topic: t.topicName(m.GetType()),
			Key:   []byte(m.GetKey()),
			Value: value,
			Time:  m.GetTimestamp(),
		})
	}
	return t.writer.WriteMessages(ctx, batch...)
}

func (t *Transport) Subscribe(messageType string, handler messaging.IMessageHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[messageType] = append(t.handlers[messageType], handler)
	if t.running {
		t.startReaderLocked(messageType)
	}
	return nil
}

func (t *Transport) Unsubscribe(messageType string, handler messaging.IMessageHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	handlers := t.handlers[messageType]
	for i, h := range handlers {
		if h == handler {
			t.handlers[messageType] = append(handlers[:i:i], handlers[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("handler not found for message type %s", messageType)
}

func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return errors.New("kafka transport already running")
	}
	t.ctx, t.cancel = context.WithCancel(ctx)
	for mt := range t.handlers {
		t.startReaderLocked(mt)
	}
	t.running = true
	return nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	t.running = false
	cancel := t.cancel
	readers := t.readers
	t.readers = make(map[string]reader)
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	t.wg.Wait()

	var errs []error
	for _, r := range readers {
		errs = append(errs, r.Close())
	}
	errs = append(errs, t.writer.Close())
	return errors.Join(errs...)
}

func (t *Transport) Stats() messaging.TransportStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	handlerCount := 0
	types := make([]string, 0, len(t.handlers))
	for mt, hs := range t.handlers {
		handlerCount += len(hs)
		types = append(types, mt)
	}
	return messaging.TransportStats{
		Running:      t.running,
		HandlerCount: handlerCount,
		MessageTypes: types,
		WorkerCount:  len(t.readers),
		Redelivered:  t.redelivered.Load(),
		DeadLettered: t.deadLettered.Load(),
	}
}

func (t *Transport) startReaderLocked(messageType string) {
	if _, ok := t.readers[messageType]; ok {
		return
	}
	r := t.cfg.newReader(t.topicName(messageType))
	t.readers[messageType] = r
	t.wg.Add(1)
	go t.consume(t.ctx, messageType, r)
}

func (t *Transport) consume(ctx context.Context, messageType string, r reader) {
	defer t.wg.Done()
	for {
		km, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.logger.Warn(ctx, "kafka fetch failed", logging.Topic(messageType), logging.Error(err))
			if !sleepCtx(ctx, t.cfg.Retry.Delay(1)) {
				return
			}
			continue
		}
		if !t.process(ctx, messageType, km) {
			return
		}
		if err := r.CommitMessages(ctx, km); err != nil && ctx.Err() == nil {
			t.logger.Warn(ctx, "kafka commit failed", logging.Topic(messageType), logging.Error(err))
		}
	}
}

// process 投递直到成功或写入死信；返回 false 表示 ctx 已结束且偏移量不应提交
func (t *Transport) process(ctx context.Context, messageType string, km kafkago.Message) bool {
	decoded, err := messaging.Decode(km.Value)
	if err != nil {
		return t.deadLetter(ctx, messageType, km, 1, err)
	}
	if decoded.Type == "" {
		decoded.Type = messageType
	}

	for attempt := 1; ; attempt++ {
		err := t.dispatch(messaging.WithDeliveryAttempt(ctx, attempt), decoded)
		if err == nil {
			return true
		}
		if t.cfg.Retry.Exhausted(attempt) {
			return t.deadLetter(ctx, messageType, km, attempt, err)
		}
		delay := t.cfg.Retry.Delay(attempt)
		t.logger.Warn(ctx, "message handler failed, retrying",
			logging.MessageID(decoded.ID),
			logging.Topic(messageType),
			logging.Int("attempt", attempt),
			logging.Duration("backoff", delay),
			logging.Error(err))
		t.redelivered.Add(1)
		if !sleepCtx(ctx, delay) {
			return false
		}
	}
}

func (t *Transport) deadLetter(ctx context.Context, messageType string, km kafkago.Message, attempts int, cause error) bool {
	dlq := kafkago.Message{
		Topic: t.topicName(messaging.DeadLetterTopic(messageType)),
		Key:   km.Key,
		Value: km.Value,
		Headers: append(append([]kafkago.Header(nil), km.Headers...),
			kafkago.Header{Key: headerAttempts, Value: []byte(strconv.Itoa(attempts))},
			kafkago.Header{Key: headerError, Value: []byte(cause.Error())},
		),
	}
	for {
		err := t.writer.WriteMessages(ctx, dlq)
		if err == nil {
			break
		}
		t.logger.Error(ctx, "write dead letter failed", logging.Topic(dlq.Topic), logging.Error(err))
		if !sleepCtx(ctx, t.cfg.Retry.Delay(attempts)) {
			return false
		}
	}
	t.deadLettered.Add(1)
	t.logger.Error(ctx, "message dead-lettered",
		logging.Topic(messageType),
		logging.Int64("offset", km.Offset),
		logging.Int("attempts", attempts),
		logging.Error(cause))
	return true
}

func (t *Transport) dispatch(ctx context.Context, message messaging.IMessage) error {
	t.mu.RLock()
	exact := t.handlers[message.GetType()]
	wildcard := t.handlers["*"]
	handlers := make([]messaging.IMessageHandler, 0, len(exact)+len(wildcard))
	handlers = append(handlers, exact...)
	handlers = append(handlers, wildcard...)
	t.mu.RUnlock()

	var errs []error
	for _, h := range handlers {
		if err := h.Handle(ctx, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
