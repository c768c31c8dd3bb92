// Package natsjetstream 基于 NATS JetStream 实现 messaging.Transport
package natsjetstream

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"taskboard/logging"
	"taskboard/messaging"
)

// Config configures the JetStream transport.
type Config struct {
	URL           string
	Stream        string
	SubjectPrefix string
	DurablePrefix string
	AckWait       time.Duration
	MaxAckPending int
	Retry         messaging.RetryPolicy
	Logger        logging.Logger
	Conn          *nats.Conn

	// 可选：流参数
	Retention string // limits|interest|workqueue（默认 limits，死信保留在流中供排查）
	MaxBytes  int64
	Replicas  int
}

// Transport implements messaging.Transport on top of NATS JetStream.
//
// 处理器失败时消息以退避延迟 Nak；JetStream 投递次数达到 MaxDeliver 时
// 原始消息被发布到 <prefix>dlq.<type> 并 Term。
type Transport struct {
	cfg      Config
	logger   logging.Logger
	conn     *nats.Conn
	js       nats.JetStreamContext
	ownsConn bool

	handlers map[string][]messaging.IMessageHandler
	subs     map[string]*nats.Subscription

	mu      sync.RWMutex
	running bool

	redelivered  atomic.Int64
	deadLettered atomic.Int64
}

// NewTransport builds a JetStream transport.
func NewTransport(cfg Config) *Transport {
	if cfg.Stream == "" {
		cfg.Stream = "TASKBOARD"
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "bus."
	}
	if cfg.DurablePrefix == "" {
		cfg.DurablePrefix = "taskboard-"
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = 30 * time.Second
	}
	if cfg.MaxAckPending <= 0 {
		cfg.MaxAckPending = 1024
	}
	if cfg.Retry.MaxDeliver <= 0 {
		cfg.Retry = messaging.DefaultRetryPolicy()
	}
	return &Transport{
		cfg:      cfg,
		logger:   logging.OrDefault(cfg.Logger, "transport.nats"),
		handlers: make(map[string][]messaging.IMessageHandler),
		subs:     make(map[string]*nats.Subscription),
	}
}

func (t *Transport) Publish(ctx context.Context, message messaging.IMessage) error {
	t.mu.RLock()
	js := t.js
	running := t.running
	t.mu.RUnlock()
	if !running || js == nil {
		return errors.New("nats transport not running")
	}
	data, err := messaging.Encode(message)
	if err != nil {
		return err
	}
	_, err = js.Publish(t.subjectName(message.GetType()), data,
		nats.Context(ctx), nats.MsgId(message.GetID()))
	return err
}

func (t *Transport) PublishAll(ctx context.Context, messages []messaging.IMessage) error {
	for _, msg := range messages {
		if err := t.Publish(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transport) Subscribe(messageType string, handler messaging.IMessageHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[messageType] = append(t.handlers[messageType], handler)
	if t.running {
		return t.subscribeLocked(messageType)
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
			break
		}
	}
	if len(t.handlers[messageType]) == 0 {
		if sub, ok := t.subs[messageType]; ok {
			_ = sub.Drain()
			delete(t.subs, messageType)
		}
	}
	return nil
}

func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return errors.New("nats transport already running")
	}
	if err := t.ensureConnection(); err != nil {
		return err
	}
	if err := t.ensureStream(); err != nil {
		return err
	}
	for mt := range t.handlers {
		if err := t.subscribeLocked(mt); err != nil {
			return err
		}
	}
	t.running = true
	return nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running = false
	for mt, sub := range t.subs {
		_ = sub.Drain()
		delete(t.subs, mt)
	}
	if t.ownsConn && t.conn != nil {
		t.conn.Close()
	}
	t.conn = nil
	t.js = nil
	return nil
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
		Redelivered:  t.redelivered.Load(),
		DeadLettered: t.deadLettered.Load(),
	}
}

func (t *Transport) ensureConnection() error {
	if t.conn != nil && t.js != nil {
		return nil
	}
	if t.cfg.Conn != nil {
		t.conn = t.cfg.Conn
	} else {
		if t.cfg.URL == "" {
			t.cfg.URL = nats.DefaultURL
		}
		conn, err := nats.Connect(t.cfg.URL, nats.Name(t.cfg.DurablePrefix+"transport"))
		if err != nil {
			return err
		}
		t.conn = conn
		t.ownsConn = true
	}
	js, err := t.conn.JetStream()
	if err != nil {
		return err
	}
	t.js = js
	return nil
}

func (t *Transport) ensureStream() error {
	_, err := t.js.StreamInfo(t.cfg.Stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) && !strings.Contains(err.Error(), "stream not found") {
		return err
	}
	retention := nats.LimitsPolicy
	switch strings.ToLower(t.cfg.Retention) {
	case "workqueue":
		retention = nats.WorkQueuePolicy
	case "interest":
		retention = nats.InterestPolicy
	}
	sc := &nats.StreamConfig{
		Name:      t.cfg.Stream,
		Subjects:  []string{t.cfg.SubjectPrefix + ">"},
		Retention: retention,
	}
	if t.cfg.MaxBytes > 0 {
		sc.MaxBytes = t.cfg.MaxBytes
	}
	if t.cfg.Replicas > 0 {
		sc.Replicas = t.cfg.Replicas
	}
	_, err = t.js.AddStream(sc)
	return err
}

func (t *Transport) subscribeLocked(messageType string) error {
	if _, exists := t.subs[messageType]; exists {
		return nil
	}
	subject := t.subjectName(messageType)
	durable := durableName(t.cfg.DurablePrefix + messageType)
	sub, err := t.js.QueueSubscribe(subject, durable, t.handleMessage(messageType),
		nats.ManualAck(),
		nats.Durable(durable),
		nats.AckWait(t.cfg.AckWait),
		nats.MaxDeliver(t.cfg.Retry.MaxDeliver),
		nats.MaxAckPending(t.cfg.MaxAckPending))
	if err != nil {
		return err
	}
	t.subs[messageType] = sub
	return nil
}

// jsMsg 是 *nats.Msg 上用于确认的方法集合
type jsMsg interface {
	Ack(opts ...nats.AckOpt) error
	NakWithDelay(delay time.Duration, opts ...nats.AckOpt) error
	Term(opts ...nats.AckOpt) error
	Metadata() (*nats.MsgMetadata, error)
}

func (t *Transport) handleMessage(defaultType string) nats.MsgHandler {
	return func(msg *nats.Msg) {
		t.process(context.Background(), msg, msg.Data, defaultType)
	}
}

func (t *Transport) process(ctx context.Context, msg jsMsg, data []byte, defaultType string) {
	decoded, err := messaging.Decode(data)
	if err != nil {
		t.logger.Warn(ctx, "decode nats message failed, terminating", logging.Error(err))
		_ = msg.Term()
		return
	}
	if decoded.Type == "" {
		decoded.Type = defaultType
	}

	attempt := 1
	if md, err := msg.Metadata(); err == nil && md.NumDelivered > 0 {
		attempt = int(md.NumDelivered)
	}

	err = t.dispatch(messaging.WithDeliveryAttempt(ctx, attempt), decoded)
	if err == nil {
		if ackErr := msg.Ack(); ackErr != nil {
			t.logger.Warn(ctx, "nats ack failed", logging.MessageID(decoded.ID), logging.Error(ackErr))
		}
		return
	}

	if t.cfg.Retry.Exhausted(attempt) {
		t.deadLetter(ctx, msg, data, decoded, attempt, err)
		return
	}
	delay := t.cfg.Retry.Delay(attempt)
	t.logger.Warn(ctx, "message handler failed, nak with delay",
		logging.MessageID(decoded.ID),
		logging.Topic(decoded.Type),
		logging.Int("attempt", attempt),
		logging.Duration("backoff", delay),
		logging.Error(err))
	t.redelivered.Add(1)
	_ = msg.NakWithDelay(delay)
}

func (t *Transport) deadLetter(ctx context.Context, msg jsMsg, data []byte, decoded *messaging.Message, attempts int, cause error) {
	t.mu.RLock()
	js := t.js
	t.mu.RUnlock()

	subject := t.subjectName(messaging.DeadLetterTopic(decoded.Type))
	if js != nil {
		if _, err := js.Publish(subject, data); err != nil {
			// 死信写入失败时保留原消息，等待下一次投递
			t.logger.Error(ctx, "publish dead letter failed", logging.MessageID(decoded.ID), logging.Error(err))
			_ = msg.NakWithDelay(t.cfg.Retry.Delay(attempts))
			return
		}
	}
	t.deadLettered.Add(1)
	t.logger.Error(ctx, "message dead-lettered",
		logging.MessageID(decoded.ID),
		logging.Topic(decoded.Type),
		logging.String("dead_letter_subject", subject),
		logging.Int("attempts", attempts),
		logging.Error(cause))
	_ = msg.Term()
}

// dispatch 调用全部处理器；任一失败则整条消息重投，由处理器自身幂等保证正确性
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

func (t *Transport) subjectName(messageType string) string {
	return t.cfg.SubjectPrefix + messageType
}

// durableName 将消息类型转换为合法的 durable 名称（不允许 '.'、'*'、'>'）
func durableName(s string) string {
	return strings.NewReplacer(".", "_", "*", "all", ">", "all").Replace(s)
}
