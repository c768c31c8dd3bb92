package eventing

import (
	"fmt"

	"taskboard/errors"
)

// EventStoreError 事件存储错误
type EventStoreError struct {
	Code      string
	Message   string
	Cause     error
	EventID   string
	EventType string
}

func (e *EventStoreError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *EventStoreError) Unwrap() error { return e.Cause }

// Is 同 Code 的 EventStoreError 视为同一类错误
func (e *EventStoreError) Is(target error) bool {
	t, ok := target.(*EventStoreError)
	return ok && t.Code == e.Code
}

// ErrorCode 非法事件属于调用方错误，其余为存储故障
func (e *EventStoreError) ErrorCode() errors.ErrorCode {
	switch e.Code {
	case codeInvalidEvent:
		return errors.ErrCodeInvalidInput
	case codeUnknownEventType:
		return errors.ErrCodeInternal
	}
	return errors.ErrCodeDatabase
}

const (
	codeInvalidEvent     = "INVALID_EVENT"
	codeStoreFailed      = "STORE_FAILED"
	codeUnknownEventType = "UNKNOWN_EVENT_TYPE"
)

var (
	ErrInvalidEvent     = &EventStoreError{Code: codeInvalidEvent, Message: "invalid event"}
	ErrStoreFailed      = &EventStoreError{Code: codeStoreFailed, Message: "event store operation failed"}
	ErrUnknownEventType = &EventStoreError{Code: codeUnknownEventType, Message: "unknown event type"}
)

// NewInvalidEventError 构造非法事件错误
func NewInvalidEventError(evt Event, format string, args ...any) *EventStoreError {
	return &EventStoreError{
		Code:      codeInvalidEvent,
		Message:   fmt.Sprintf(format, args...),
		EventID:   evt.ID,
		EventType: evt.Type,
	}
}

// NewStoreError 包装底层存储错误
func NewStoreError(message string, cause error) *EventStoreError {
	return &EventStoreError{Code: codeStoreFailed, Message: message, Cause: cause}
}

// ConcurrencyError 并发冲突错误
//
// 追加时期望版本与流的当前版本不一致；调用方应重新加载聚合后重放命令。
type ConcurrencyError struct {
	AggregateType   string
	AggregateID     string
	ExpectedVersion uint64
	ActualVersion   uint64
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("concurrency conflict: %s %s expected version %d, actual version %d",
		e.AggregateType, e.AggregateID, e.ExpectedVersion, e.ActualVersion)
}

func (e *ConcurrencyError) ErrorCode() errors.ErrorCode { return errors.ErrCodeConcurrency }

func NewConcurrencyError(aggregateType, aggregateID string, expected, actual uint64) *ConcurrencyError {
	return &ConcurrencyError{
		AggregateType:   aggregateType,
		AggregateID:     aggregateID,
		ExpectedVersion: expected,
		ActualVersion:   actual,
	}
}
