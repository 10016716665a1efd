// Package errs 定义了网关对外暴露的错误分类。
// 所有跨越网关边界的错误都是 *Error，调用方使用 errors.Is 与预定义实例比较错误代码。
package errs

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorCode 错误代码类型
type ErrorCode string

const (
	// CodeRateLimited 本地限流器拒绝，或提供商返回了带 retry-after 的限流响应。
	CodeRateLimited ErrorCode = "RATE_LIMITED"
	// CodeQuotaExceeded 提供商的每日配额已耗尽。
	CodeQuotaExceeded ErrorCode = "QUOTA_EXCEEDED"
	// CodeAuthFailed API key 或 token 无效。
	CodeAuthFailed ErrorCode = "AUTH_FAILED"
	// CodeProviderUnavailable 提供商不可用（网络错误、5xx 或熔断器打开）。
	CodeProviderUnavailable ErrorCode = "PROVIDER_UNAVAILABLE"
	// CodeNotFound 请求的资源不存在，或被内容过滤剔除。
	CodeNotFound ErrorCode = "NOT_FOUND"
	// CodeTimeout 调用方的截止时间已过。
	CodeTimeout ErrorCode = "TIMEOUT"
	// CodeInvalidRequest 请求参数无效。
	CodeInvalidRequest ErrorCode = "INVALID_REQUEST"
)

// Error 网关错误类型
type Error struct {
	Code        ErrorCode     `json:"code"`                  // 错误的分类代码
	Message     string        `json:"message"`               // 人类可读的错误信息
	Provider    string        `json:"provider,omitempty"`    // 产生错误的提供商
	RetryAfter  time.Duration `json:"retry_after,omitempty"` // 建议的等待时间
	Retryable   bool          `json:"retryable"`             // 是否可在本层重试
	BreakerOpen bool          `json:"breaker_open,omitempty"`
	StatusCode  int           `json:"status_code,omitempty"` // 上游 HTTP 状态码
	Cause       error         `json:"-"`                     // 导致此错误的原始错误
	Timestamp   time.Time     `json:"timestamp"`
}

// New 创建新的网关错误
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Wrap 包装现有错误
func Wrap(code ErrorCode, message string, cause error) *Error {
	e := New(code, message)
	e.Cause = cause
	return e
}

// Error 实现 error 接口
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Provider != "" {
		msg = fmt.Sprintf("%s: [%s] %s", e.Code, e.Provider, e.Message)
	}
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %s)", e.RetryAfter)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap 支持错误包装
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is 按错误代码比较
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// WithProvider 附加提供商名称
func (e *Error) WithProvider(name string) *Error {
	e.Provider = name
	return e
}

// WithRetryAfter 附加等待提示
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// WithStatus 附加上游状态码
func (e *Error) WithStatus(code int) *Error {
	e.StatusCode = code
	return e
}

// AsRetryable 标记为可重试
func (e *Error) AsRetryable() *Error {
	e.Retryable = true
	return e
}

// 预定义实例，仅用于 errors.Is 比较
var (
	ErrRateLimited         = New(CodeRateLimited, "rate limited")
	ErrQuotaExceeded       = New(CodeQuotaExceeded, "quota exceeded")
	ErrAuthFailed          = New(CodeAuthFailed, "authentication failed")
	ErrProviderUnavailable = New(CodeProviderUnavailable, "provider unavailable")
	ErrNotFound            = New(CodeNotFound, "not found")
	ErrTimeout             = New(CodeTimeout, "timeout")
	ErrInvalidRequest      = New(CodeInvalidRequest, "invalid request")
)

// RateLimited 创建限流错误
func RateLimited(provider string, retryAfter time.Duration) *Error {
	return New(CodeRateLimited, "rate limit exceeded").WithProvider(provider).WithRetryAfter(retryAfter)
}

// Unavailable 创建提供商不可用错误
func Unavailable(provider string, retryable bool, cause error) *Error {
	e := Wrap(CodeProviderUnavailable, "provider unavailable", cause).WithProvider(provider)
	e.Retryable = retryable
	return e
}

// BreakerOpen 创建熔断器拒绝错误，与真实的提供商错误区分开
func BreakerOpen(provider string, retryAfter time.Duration, cause error) *Error {
	e := Wrap(CodeProviderUnavailable, "circuit breaker open", cause).WithProvider(provider).WithRetryAfter(retryAfter)
	e.BreakerOpen = true
	return e
}

// FromContext 将 context 错误转换为网关错误。
// DeadlineExceeded 映射为 Timeout；Canceled 保留原始错误以便调用方识别。
func FromContext(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(CodeTimeout, "operation deadline exceeded", err)
	default:
		return err
	}
}

// CodeOf 返回错误代码，非网关错误返回空字符串
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// RetryAfterOf 返回错误携带的等待提示
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// IsRetryable 判断错误是否标记为可重试
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// IsBreakerOpen 判断错误是否来自熔断器拒绝
func IsBreakerOpen(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.BreakerOpen
	}
	return false
}
