// Package logging 提供统一的日志接口抽象，默认实现基于 zap
package logging

import (
	"context"
	"strings"
	"sync/atomic"
	"time"
)

// Level 日志级别
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// ParseLevel 解析配置中的级别名称，未知名称回退到 info
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DebugLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

// Logger 日志接口
type Logger interface {
	Debug(ctx context.Context, msg string, fields ...Field)
	Info(ctx context.Context, msg string, fields ...Field)
	Warn(ctx context.Context, msg string, fields ...Field)
	Error(ctx context.Context, msg string, fields ...Field)

	// WithFields 添加字段，返回新的Logger
	WithFields(fields ...Field) Logger
}

// Field 日志字段
type Field struct {
	Key   string
	Value any
}

// 字段构造函数
func String(key, value string) Field {
	return Field{Key: key, Value: value}
}

func Int(key string, value int) Field {
	return Field{Key: key, Value: value}
}

func Int64(key string, value int64) Field {
	return Field{Key: key, Value: value}
}

func Uint64(key string, value uint64) Field {
	return Field{Key: key, Value: value}
}

func Bool(key string, value bool) Field {
	return Field{Key: key, Value: value}
}

func Any(key string, value any) Field {
	return Field{Key: key, Value: value}
}

func Error(err error) Field {
	return Field{Key: "error", Value: err}
}

// Duration 以 time.Duration 作为字段值
func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value}
}

// 领域常用字段
func AggregateID(id string) Field {
	return String("aggregate_id", id)
}

func AggregateType(t string) Field {
	return String("aggregate_type", t)
}

func EventType(t string) Field {
	return String("event_type", t)
}

func Version(v uint64) Field {
	return Uint64("version", v)
}

func MessageID(id string) Field {
	return String("message_id", id)
}

func Topic(topic string) Field {
	return String("topic", topic)
}

func Component(name string) Field {
	return String("component", name)
}

// NoopLogger 空日志实现（用于测试）
type NoopLogger struct{}

func NewNoopLogger() *NoopLogger { return &NoopLogger{} }

func (l *NoopLogger) Debug(ctx context.Context, msg string, fields ...Field) {}
func (l *NoopLogger) Info(ctx context.Context, msg string, fields ...Field)  {}
func (l *NoopLogger) Warn(ctx context.Context, msg string, fields ...Field)  {}
func (l *NoopLogger) Error(ctx context.Context, msg string, fields ...Field) {}
func (l *NoopLogger) WithFields(fields ...Field) Logger                      { return l }

type loggerHolder struct{ l Logger }

var globalLogger atomic.Value

func init() {
	globalLogger.Store(loggerHolder{l: NewNoopLogger()})
}

// SetLogger 设置全局Logger，nil 恢复为空实现
func SetLogger(logger Logger) {
	if logger == nil {
		logger = NewNoopLogger()
	}
	globalLogger.Store(loggerHolder{l: logger})
}

// GetLogger 获取全局Logger
func GetLogger() Logger {
	return globalLogger.Load().(loggerHolder).l
}

// ComponentLogger 返回带组件名的全局 Logger
func ComponentLogger(name string) Logger {
	return GetLogger().WithFields(Component(name))
}

// OrDefault 未注入 Logger 时返回组件级全局 Logger
func OrDefault(logger Logger, component string) Logger {
	if logger != nil {
		return logger
	}
	return ComponentLogger(component)
}
