// Package validation 提供命令校验用的自由函数
//
// 每个函数返回 *entity.ValidationError，Rule 由调用方传入，
// 便于命令边界按规则标识区分失败原因。
package validation

import (
	"strings"
	"unicode/utf8"

	"taskboard/domain/entity"
)

// Required 去除首尾空白后不能为空
func Required(rule, field, value string) error {
	if strings.TrimSpace(value) == "" {
		return entity.NewValidationError(rule, "%s不能为空", field)
	}
	return nil
}

// MaxRunes 按字符（而非字节）计算长度
func MaxRunes(rule, field, value string, max int) error {
	if n := utf8.RuneCountInString(value); n > max {
		return entity.NewValidationError(rule, "%s长度不能超过%d个字符（当前%d）", field, max, n)
	}
	return nil
}

// MaxCount 集合元素个数不能超过上限（含新增的一个）
func MaxCount(rule, field string, current, max int) error {
	if current >= max {
		return entity.NewValidationError(rule, "%s数量不能超过%d", field, max)
	}
	return nil
}

// Unique 值在已有集合中不能重复（忽略大小写与首尾空白）
func Unique(rule, field, value string, existing []string) error {
	needle := strings.ToLower(strings.TrimSpace(value))
	for _, e := range existing {
		if strings.ToLower(strings.TrimSpace(e)) == needle {
			return entity.NewValidationError(rule, "%s已存在: %s", field, value)
		}
	}
	return nil
}

// OneOf 值必须在允许集合中
func OneOf(rule, field, value string, allowed []string) error {
	for _, a := range allowed {
		if a == value {
			return nil
		}
	}
	return entity.NewValidationError(rule, "%s不存在: %s", field, value)
}

// First 返回第一个非 nil 错误
func First(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
