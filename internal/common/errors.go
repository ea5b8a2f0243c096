package common

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// 哨兵错误，用于 errors.Is 判断
var (
	ErrNotFound            = errors.New("资源不存在")
	ErrValidation          = errors.New("配置校验失败")
	ErrConnection          = errors.New("连接校验失败")
	ErrInstanceNotActive   = errors.New("实例未处于 ACTIVE 状态")
	ErrOperationInProgress = errors.New("实例已有进行中的操作")
	ErrOperationCancelled  = errors.New("操作已取消")
	ErrOperationTimeout    = errors.New("操作超时")
)

// ValidationError 配置校验错误，列出全部缺失或非法字段（而不仅是第一个）
type ValidationError struct {
	Missing []string // 缺失的必填字段（label）
	Invalid []string // 格式非法的字段说明
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, 2)
	if len(e.Missing) > 0 {
		parts = append(parts, "缺少必填字段: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Invalid) > 0 {
		parts = append(parts, "字段格式错误: "+strings.Join(e.Invalid, ", "))
	}
	if len(parts) == 0 {
		return ErrValidation.Error()
	}
	return strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Empty 没有任何问题时返回 true
func (e *ValidationError) Empty() bool {
	return len(e.Missing) == 0 && len(e.Invalid) == 0
}

// NotFoundError 未知 ID
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s 不存在: %s", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// NewNotFound 创建 NotFoundError
func NewNotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// ConnectionError 连接校验失败
type ConnectionError struct {
	ResourceID string
	Reason     string
}

func (e *ConnectionError) Error() string {
	if e.ResourceID == "" {
		return "连接校验失败: " + e.Reason
	}
	return fmt.Sprintf("连接校验失败 [%s]: %s", e.ResourceID, e.Reason)
}

func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

// CodeOf 将错误映射为业务状态码
func CodeOf(err error) int {
	switch {
	case err == nil:
		return CodeSuccess
	case errors.Is(err, ErrValidation):
		return CodeValidationFailed
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrConnection):
		return CodeConnectionFailed
	case errors.Is(err, ErrInstanceNotActive):
		return CodeInstanceNotActive
	case errors.Is(err, ErrOperationInProgress):
		return CodeOperationInProgress
	case errors.Is(err, ErrOperationCancelled):
		return CodeOperationCancelled
	case errors.Is(err, ErrOperationTimeout):
		return CodeOperationTimeout
	}
	var be *BusinessError
	if errors.As(err, &be) {
		return be.Code
	}
	return CodeInternalError
}

// HTTPStatusOf 业务状态码对应的 HTTP 状态
func HTTPStatusOf(code int) int {
	switch code {
	case CodeSuccess:
		return http.StatusOK
	case CodeInvalidRequest, CodeValidationFailed:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict, CodeInstanceNotActive, CodeOperationInProgress:
		return http.StatusConflict
	case CodeConnectionFailed:
		return http.StatusBadGateway
	case CodeServiceUnavailable:
		return http.StatusServiceUnavailable
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeOperationCancelled, CodeOperationTimeout:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}
