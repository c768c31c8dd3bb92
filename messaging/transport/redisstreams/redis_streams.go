// Package redisstreams 基于 Redis Streams 消费组实现 messaging.Transport
package redisstreams

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"taskboard/logging"
	"taskboard/messaging"
)

// client captures the subset of go-redis commands we rely on (for easier testing).
type client interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XPendingExt(ctx context.Context, a *redis.XPendingExtArgs) *redis.XPendingExtCmd
	XClaim(ctx context.Context, a *redis.XClaimArgs) *redis.XMessageSliceCmd
	XRangeN(ctx context.Context, stream, start, stop string, count int64) *redis.XMessageSliceCmd
	Close() error
}

// Config describes how the Redis Streams transport should connect/behave.
type Config struct {
	Client       redis.UniversalClient
	Addr         string
	Username     string
	Password     string
	DB           int
	StreamPrefix string
	GroupName    string
	ConsumerName string
	BlockTimeout time.Duration
	ReadCount    int64
	Retry        messaging.RetryPolicy
	Logger       logging.Logger

	ClaimInterval  time.Duration // 扫描待确认消息的周期，默认 1s
	MinReadBackoff time.Duration // 订阅错误最小退避，默认 100ms
	MaxReadBackoff time.Duration // 订阅错误最大退避，默认 5s
}

// Transport is a messaging.Transport backed by Redis Streams consumer groups.
//
// 处理失败的条目不做 XACK，留在消费组 PEL 中；reclaim 循环按退避时间
// XCLAIM 后重新投递，投递次数达到 MaxDeliver 时写入 dlq. 前缀的死信流并确认。
type Transport struct {
	cfg       Config
	client    client
	ownClient bool
	logger    logging.Logger

	handlers      map[string][]messaging.IMessageHandler
	subscriptions map[string]bool

	mu      sync.RWMutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	redelivered  atomic.Int64
	deadLettered atomic.Int64
}

// NewTransport constructs a Redis Streams transport.
func NewTransport(cfg Config) (*Transport, error) {
	if cfg.StreamPrefix == "" {
		cfg.StreamPrefix = "bus:"
	}
	if cfg.GroupName == "" {
		cfg.GroupName = "taskboard"
	}
	if cfg.ConsumerName == "" {
		cfg.ConsumerName = "consumer-" + uuid.NewString()
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = 5 * time.Second
	}
	if cfg.ReadCount <= 0 {
		cfg.ReadCount = 10
	}
	if cfg.Retry.MaxDeliver <= 0 {
		cfg.Retry = messaging.DefaultRetryPolicy()
	}
	if cfg.ClaimInterval <= 0 {
		cfg.ClaimInterval = time.Second
	}
	if cfg.MinReadBackoff <= 0 {
		cfg.MinReadBackoff = 100 * time.Millisecond
	}
	if cfg.MaxReadBackoff <= 0 {
		cfg.MaxReadBackoff = 5 * time.Second
	}

	var cl client
	var own bool
	if cfg.Client != nil {
		cl = cfg.Client
	} else {
		if cfg.Addr == "" {
			return nil, errors.New("redis client not configured")
		}
		cl = redis.NewClient(&redis.Options{Addr: cfg.Addr, Username: cfg.Username, Password: cfg.Password, DB: cfg.DB})
		own = true
	}
	return newTransport(cfg, cl, own), nil
}

func newTransport(cfg Config, cl client, own bool) *Transport {
	return &Transport{
		cfg:           cfg,
		client:        cl,
		ownClient:     own,
		logger:        logging.OrDefault(cfg.Logger, "transport.redisstreams"),
		handlers:      make(map[string][]messaging.IMessageHandler),
		subscriptions: make(map[string]bool),
		ctx:           context.Background(),
	}
}

// Publish writes a single message into the appropriate Stream.
func (t *Transport) Publish(ctx context.Context, message messaging.IMessage) error {
	values, err := encodeMessage(message)
	if err != nil {
		return err
	}
	return t.client.XAdd(ctx, &redis.XAddArgs{Stream: t.streamName(message.GetType()), Values: values}).Err()
}

// PublishAll writes messages sequentially. Redis Streams does not support multi append.
func (t *Transport) PublishAll(ctx context.Context, messages []messaging.IMessage) error {
	for _, msg := range messages {
		if err := t.Publish(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe registers a handler for a given message type.
func (t *Transport) Subscribe(messageType string, handler messaging.IMessageHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[messageType] = append(t.handlers[messageType], handler)
	if t.running {
		t.startReaderLocked(messageType)
	}
	return nil
}

// Unsubscribe removes the handler for a message type (no-op if not found).
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
	return nil
}

// Start begins background consumers per message type.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return fmt.Errorf("redis streams transport already running")
	}
	t.ctx, t.cancel = context.WithCancel(ctx)
	for mt := range t.handlers {
		t.startReaderLocked(mt)
	}
	t.running = true
	return nil
}

// Close stops consumers and optionally closes the redis client.
func (t *Transport) Close() error {
	t.mu.Lock()
	running := t.running
	t.running = false
	cancel := t.cancel
	t.mu.Unlock()

	if running && cancel != nil {
		cancel()
		t.wg.Wait()
	}
	if t.ownClient {
		return t.client.Close()
	}
	return nil
}

// Stats returns basic handler/stream information.
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

func (t *Transport) startReaderLocked(messageType string) {
	if t.subscriptions[messageType] {
		return
	}
	t.subscriptions[messageType] = true
	stream := t.streamName(messageType)
	if err := t.ensureGroup(stream); err != nil {
		t.logger.Warn(t.ctx, "ensure group failed", logging.String("stream", stream), logging.Error(err))
	}
	t.wg.Add(2)
	go t.readLoop(stream)
	go t.reclaimLoop(stream)
}

func (t *Transport) readLoop(stream string) {
	defer t.wg.Done()
	args := &redis.XReadGroupArgs{
		Group:    t.cfg.GroupName,
		Consumer: t.cfg.ConsumerName,
		Streams:  []string{stream, ">"},
		Count:    t.cfg.ReadCount,
		Block:    t.cfg.BlockTimeout,
	}
	backoff := t.cfg.MinReadBackoff
	for {
		if t.ctx.Err() != nil {
			return
		}
		res, err := t.client.XReadGroup(t.ctx, args).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if t.ctx.Err() != nil {
				return
			}
			t.logger.Warn(t.ctx, "xreadgroup failed", logging.Duration("backoff", backoff), logging.Error(err))
			if !sleepCtx(t.ctx, backoff) {
				return
			}
			backoff = min(backoff*2, t.cfg.MaxReadBackoff)
			continue
		}
		backoff = t.cfg.MinReadBackoff
		for _, streamRes := range res {
			for _, entry := range streamRes.Messages {
				t.handleEntry(t.ctx, streamRes.Stream, entry, 1)
			}
		}
	}
}

func (t *Transport) reclaimLoop(stream string) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.ClaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			if err := t.reclaim(t.ctx, stream); err != nil && t.ctx.Err() == nil {
				t.logger.Warn(t.ctx, "reclaim pending entries failed", logging.String("stream", stream), logging.Error(err))
			}
		}
	}
}

// reclaim 重新投递 PEL 中空闲超过退避时间的条目，耗尽投递次数的转入死信
func (t *Transport) reclaim(ctx context.Context, stream string) error {
	pending, err := t.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  t.cfg.GroupName,
		Idle:   t.cfg.Retry.Delay(1),
		Start:  "-",
		End:    "+",
		Count:  t.cfg.ReadCount,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	}

	for _, p := range pending {
		delivered := int(p.RetryCount)
		if t.cfg.Retry.Exhausted(delivered) {
			if err := t.deadLetterPending(ctx, stream, p.ID, delivered); err != nil {
				return err
			}
			continue
		}
		minIdle := t.cfg.Retry.Delay(delivered)
		if p.Idle < minIdle {
			continue
		}
		claimed, err := t.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   stream,
			Group:    t.cfg.GroupName,
			Consumer: t.cfg.ConsumerName,
			MinIdle:  minIdle,
			Messages: []string{p.ID},
		}).Result()
		if err != nil {
			return err
		}
		for _, entry := range claimed {
			t.redelivered.Add(1)
			t.handleEntry(ctx, stream, entry, delivered+1)
		}
	}
	return nil
}

// handleEntry 分发单条记录；成功才 XACK
func (t *Transport) handleEntry(ctx context.Context, stream string, entry redis.XMessage, attempt int) {
	msg, err := decodeMessage(entry)
	if err != nil {
		t.logger.Warn(ctx, "decode redis stream entry failed, dead-lettering", logging.String("entry_id", entry.ID), logging.Error(err))
		t.deadLetterEntry(ctx, stream, entry, attempt, err)
		return
	}
	if err := t.dispatch(messaging.WithDeliveryAttempt(ctx, attempt), msg); err != nil {
		if t.cfg.Retry.Exhausted(attempt) {
			t.deadLetterEntry(ctx, stream, entry, attempt, err)
			return
		}
		t.logger.Warn(ctx, "message handler failed, left pending for redelivery",
			logging.MessageID(msg.ID),
			logging.Topic(msg.Type),
			logging.Int("attempt", attempt),
			logging.Error(err))
		return
	}
	if ackErr := t.client.XAck(ctx, stream, t.cfg.GroupName, entry.ID).Err(); ackErr != nil {
		t.logger.Warn(ctx, "xack failed", logging.String("entry_id", entry.ID), logging.Error(ackErr))
	}
}

func (t *Transport) deadLetterPending(ctx context.Context, stream, id string, attempts int) error {
	entries, err := t.client.XRangeN(ctx, stream, id, id, 1).Result()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		// 条目已被裁剪，只需清理 PEL
		return t.client.XAck(ctx, stream, t.cfg.GroupName, id).Err()
	}
	t.deadLetterEntry(ctx, stream, entries[0], attempts, errors.New("max deliveries exceeded"))
	return nil
}

func (t *Transport) deadLetterEntry(ctx context.Context, stream string, entry redis.XMessage, attempts int, cause error) {
	dlq := t.deadLetterStream(stream)
	values := make(map[string]any, len(entry.Values)+3)
	for k, v := range entry.Values {
		values[k] = v
	}
	values["dlq_source_id"] = entry.ID
	values["dlq_attempts"] = attempts
	values["dlq_error"] = cause.Error()
	if err := t.client.XAdd(ctx, &redis.XAddArgs{Stream: dlq, Values: values}).Err(); err != nil {
		t.logger.Error(ctx, "write dead letter failed", logging.String("entry_id", entry.ID), logging.Error(err))
		return
	}
	t.deadLettered.Add(1)
	t.logger.Error(ctx, "message dead-lettered",
		logging.String("entry_id", entry.ID),
		logging.String("dead_letter_stream", dlq),
		logging.Int("attempts", attempts),
		logging.Error(cause))
	_ = t.client.XAck(ctx, stream, t.cfg.GroupName, entry.ID).Err()
}

func (t *Transport) ensureGroup(stream string) error {
	err := t.client.XGroupCreateMkStream(t.ctx, stream, t.cfg.GroupName, "0").Err()
	if err == nil || strings.Contains(strings.ToUpper(err.Error()), "BUSYGROUP") {
		return nil
	}
	return err
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

func (t *Transport) streamName(messageType string) string {
	return t.cfg.StreamPrefix + messageType
}

func (t *Transport) deadLetterStream(stream string) string {
	return t.cfg.StreamPrefix + messaging.DeadLetterTopic(strings.TrimPrefix(stream, t.cfg.StreamPrefix))
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

func encodeMessage(msg messaging.IMessage) (map[string]any, error) {
	metadata, err := json.Marshal(msg.GetMetadata())
	if err != nil {
		return nil, err
	}
	ts := msg.GetTimestamp()
	if ts.IsZero() {
		ts = time.Now()
	}
	return map[string]any{
		"id":        msg.GetID(),
		"type":      msg.GetType(),
		"key":       msg.GetKey(),
		"timestamp": ts.UnixNano(),
		"payload":   string(msg.GetPayload()),
		"metadata":  string(metadata),
	}, nil
}

func decodeMessage(entry redis.XMessage) (*messaging.Message, error) {
	id, _ := entry.Values["id"].(string)
	msgType, _ := entry.Values["type"].(string)
	key, _ := entry.Values["key"].(string)
	payloadRaw, _ := entry.Values["payload"].(string)
	metadataRaw, _ := entry.Values["metadata"].(string)

	if payloadRaw != "" && !json.Valid([]byte(payloadRaw)) {
		return nil, fmt.Errorf("entry %s: payload is not valid JSON", entry.ID)
	}
	metadata := make(map[string]any)
	if metadataRaw != "" {
		if err := json.Unmarshal([]byte(metadataRaw), &metadata); err != nil {
			return nil, err
		}
	}

	ts := time.Now()
	switch v := entry.Values["timestamp"].(type) {
	case int64:
		ts = time.Unix(0, v)
	case string:
		if ns, err := strconv.ParseInt(v, 10, 64); err == nil {
			ts = time.Unix(0, ns)
		}
	}
	if id == "" {
		id = entry.ID
	}

	return &messaging.Message{
		ID:        id,
		Type:      msgType,
		Key:       key,
		Timestamp: ts,
		Payload:   json.RawMessage(payloadRaw),
		Metadata:  metadata,
	}, nil
}
