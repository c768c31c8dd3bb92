package errors

import (
	"context"
	stdErrors "errors"
)

// Normalize 将上下文超时/取消统一为可重试的 TIMEOUT 错误。
//
// 错误链上出现 context.DeadlineExceeded / context.Canceled 时（即使已被存储层包装为
// DATABASE_ERROR）归一为 TIMEOUT；其他错误原样返回。
func Normalize(err error) error {
	if err == nil {
		return nil
	}
	var coded ICodedError
	if stdErrors.As(err, &coded) && coded.ErrorCode() == ErrCodeTimeout {
		return err
	}
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return WrapError(err, ErrCodeTimeout, "deadline exceeded")
	}
	if stdErrors.Is(err, context.Canceled) {
		return WrapError(err, ErrCodeTimeout, "operation canceled")
	}
	return err
}
