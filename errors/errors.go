// Package errors 定义统一的错误码体系与分类工具
package errors

import (
	stdErrors "errors"
	"fmt"
)

// ErrorCode 错误代码类型
type ErrorCode string

const (
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
	ErrCodeInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeTimeout            ErrorCode = "TIMEOUT"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"

	// 业务错误代码
	ErrCodeValidation  ErrorCode = "VALIDATION_ERROR"
	ErrCodeConcurrency ErrorCode = "CONCURRENCY_ERROR"

	// 投递链路错误代码
	ErrCodePublish    ErrorCode = "PUBLISH_ERROR"
	ErrCodeProjection ErrorCode = "PROJECTION_ERROR"

	// 基础设施错误代码
	ErrCodeDatabase ErrorCode = "DATABASE_ERROR"
	ErrCodeQueue    ErrorCode = "QUEUE_ERROR"
)

// ICodedError 携带错误码的错误
//
// 领域层与基础设施层的具体错误类型（如并发冲突、校验失败）实现该接口，
// 以便上层按错误码分类，而不依赖字符串匹配。
type ICodedError interface {
	error
	ErrorCode() ErrorCode
}

// IError 应用错误接口
type IError interface {
	ICodedError

	// Message 获取错误消息
	Message() string

	// Cause 获取原始错误
	Cause() error

	// Details 获取错误详情
	Details() map[string]any

	// WithContext 添加上下文
	WithContext(key string, value any) IError
}

// AppError 应用错误实现
type AppError struct {
	code    ErrorCode
	message string
	cause   error
	details map[string]any
}

// NewError 创建新错误
func NewError(code ErrorCode, message string) IError {
	return &AppError{
		code:    code,
		message: message,
		details: make(map[string]any),
	}
}

// WrapError 包装错误
func WrapError(err error, code ErrorCode, message string) IError {
	if err == nil {
		return nil
	}
	return &AppError{
		code:    code,
		message: message,
		cause:   err,
		details: make(map[string]any),
	}
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

func (e *AppError) ErrorCode() ErrorCode { return e.code }
func (e *AppError) Message() string      { return e.message }
func (e *AppError) Cause() error         { return e.cause }
func (e *AppError) Unwrap() error        { return e.cause }

// Details 获取错误详情
func (e *AppError) Details() map[string]any {
	if e.details == nil {
		e.details = make(map[string]any)
	}
	return e.details
}

// Is 同错误码的 AppError 视为同一类错误
func (e *AppError) Is(target error) bool {
	if appErr, ok := target.(*AppError); ok {
		return e.code == appErr.code
	}
	return false
}

// WithContext 添加上下文（返回副本）
func (e *AppError) WithContext(key string, value any) IError {
	details := make(map[string]any, len(e.details)+1)
	for k, v := range e.details {
		details[k] = v
	}
	details[key] = value
	return &AppError{code: e.code, message: e.message, cause: e.cause, details: details}
}

// 预定义错误变量，用于 errors.Is 比较
var (
	ErrNotFound    = NewError(ErrCodeNotFound, "resource not found")
	ErrValidation  = NewError(ErrCodeValidation, "validation failed")
	ErrConcurrency = NewError(ErrCodeConcurrency, "concurrency conflict")
	ErrTimeout     = NewError(ErrCodeTimeout, "operation timed out")
)

// GetCode 获取错误链上第一个错误码；未编码的错误视为内部错误
func GetCode(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var coded ICodedError
	if stdErrors.As(err, &coded) {
		return coded.ErrorCode()
	}
	return ErrCodeInternal
}

// IsCode 检查错误链是否携带指定错误码
func IsCode(err error, code ErrorCode) bool {
	return err != nil && GetCode(err) == code
}

// IsNotFound 检查是否为未找到错误
func IsNotFound(err error) bool { return IsCode(err, ErrCodeNotFound) }

// IsValidation 检查是否为校验错误
func IsValidation(err error) bool { return IsCode(err, ErrCodeValidation) }

// IsConcurrency 检查是否为并发冲突
func IsConcurrency(err error) bool { return IsCode(err, ErrCodeConcurrency) }

// IsRetryable 判断错误是否可由调用方重试
//
// 并发冲突需要重新加载后重放命令；超时与依赖不可用属于瞬时故障。
func IsRetryable(err error) bool {
	switch GetCode(Normalize(err)) {
	case ErrCodeConcurrency, ErrCodeTimeout, ErrCodeServiceUnavailable, ErrCodeProjection:
		return true
	}
	return false
}
