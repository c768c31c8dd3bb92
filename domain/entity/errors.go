package entity

import (
	"fmt"

	"taskboard/errors"
)

// ValidationError 业务规则校验失败
//
// Rule 为稳定的规则标识（如 "board.name.required"），Message 面向调用方。
type ValidationError struct {
	Rule    string
	Message string
}

func NewValidationError(rule, format string, args ...any) *ValidationError {
	return &ValidationError{Rule: rule, Message: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed [%s]: %s", e.Rule, e.Message)
}

func (e *ValidationError) ErrorCode() errors.ErrorCode { return errors.ErrCodeValidation }

// AggregateError 聚合根内部错误（事件应用失败、流不连续）
type AggregateError struct {
	Code        string
	Message     string
	AggregateID string
	EventID     string
	Cause       error
}

func (e *AggregateError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *AggregateError) Unwrap() error { return e.Cause }

func (e *AggregateError) ErrorCode() errors.ErrorCode { return errors.ErrCodeInternal }
