// Package service 定义命令/查询边界的结果类型
package service

import (
	stdErrors "errors"

	"taskboard/domain/entity"
	"taskboard/errors"
	"taskboard/eventing/integration"
)

// FailureKind 失败分类，调用方据此决定响应方式
type FailureKind string

const (
	FailureValidation  FailureKind = "validation"
	FailureNotFound    FailureKind = "not_found"
	FailureConflict    FailureKind = "conflict"
	FailureTimeout     FailureKind = "timeout"
	FailureUnavailable FailureKind = "unavailable"
	FailureInternal    FailureKind = "internal"
)

// Failure 预期内的失败，作为值返回
type Failure struct {
	Kind    FailureKind `json:"kind"`
	Rule    string      `json:"rule,omitempty"`
	Message string      `json:"message"`
}

// Result 命令或查询的结果：Value 与 Failure 二选一
//
// Warnings 记录不影响结果的问题，例如事件已提交但发布失败。
type Result struct {
	Value    any      `json:"value,omitempty"`
	Failure  *Failure `json:"failure,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

func Ok(value any) Result { return Result{Value: value} }

func Fail(kind FailureKind, message string) Result {
	return Result{Failure: &Failure{Kind: kind, Message: message}}
}

func (r Result) IsOk() bool { return r.Failure == nil }

// WithWarning 追加告警
func (r Result) WithWarning(message string) Result {
	r.Warnings = append(append([]string(nil), r.Warnings...), message)
	return r
}

// ResultFromError 按错误码把错误转换为失败结果
//
// nil 返回 Ok(nil)；PublishError 表示写入已成功，转换为带告警的 Ok。
func ResultFromError(err error) Result {
	if err == nil {
		return Ok(nil)
	}

	var pe *integration.PublishError
	if stdErrors.As(err, &pe) {
		return Ok(nil).WithWarning(pe.Error())
	}

	var ve *entity.ValidationError
	if stdErrors.As(err, &ve) {
		return Result{Failure: &Failure{Kind: FailureValidation, Rule: ve.Rule, Message: ve.Message}}
	}

	err = errors.Normalize(err)
	switch errors.GetCode(err) {
	case errors.ErrCodeValidation, errors.ErrCodeInvalidInput:
		return Fail(FailureValidation, err.Error())
	case errors.ErrCodeNotFound:
		return Fail(FailureNotFound, err.Error())
	case errors.ErrCodeConcurrency:
		return Fail(FailureConflict, err.Error())
	case errors.ErrCodeTimeout:
		return Fail(FailureTimeout, err.Error())
	case errors.ErrCodeServiceUnavailable, errors.ErrCodeDatabase, errors.ErrCodeQueue:
		return Fail(FailureUnavailable, err.Error())
	default:
		return Fail(FailureInternal, err.Error())
	}
}
