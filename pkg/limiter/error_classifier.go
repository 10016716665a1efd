package limiter

import (
	"context"
	"errors"
	"net"
	"strings"

	"trackgate/pkg/errs"
)

// ErrorLevel 定义错误的处理级别
type ErrorLevel int

const (
	LevelFatal     ErrorLevel = iota // 永久错误（认证、参数、未找到），立即返回
	LevelNetwork                     // 瞬时错误（网络、5xx、带 retry-after 的上游限流），可重试
	LevelExhausted                   // 资源耗尽（本地限流、配额耗尽），交给调用方决定
	LevelBreaker                     // 熔断器拒绝，不在本层重试
	LevelAborted                     // 调用方取消或截止时间已过
	LevelUnknown                     // 未知错误
)

// String 返回级别名称
func (l ErrorLevel) String() string {
	switch l {
	case LevelFatal:
		return "fatal"
	case LevelNetwork:
		return "network"
	case LevelExhausted:
		return "exhausted"
	case LevelBreaker:
		return "breaker"
	case LevelAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// ErrorClassifier 负责根据错误类型进行分类
type ErrorClassifier struct{}

// NewErrorClassifier 创建新的错误分类器
func NewErrorClassifier() *ErrorClassifier {
	return &ErrorClassifier{}
}

// Classify 根据错误内容分类错误级别
func (c *ErrorClassifier) Classify(err error) ErrorLevel {
	if err == nil {
		return LevelUnknown
	}

	if errors.Is(err, context.Canceled) {
		return LevelAborted
	}

	var gwErr *errs.Error
	if errors.As(err, &gwErr) {
		return c.classifyGateway(gwErr)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return LevelAborted
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return LevelNetwork
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "network is unreachable"),
		strings.Contains(msg, "temporary failure"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "unexpected eof"):
		return LevelNetwork
	}

	return LevelUnknown
}

func (c *ErrorClassifier) classifyGateway(e *errs.Error) ErrorLevel {
	switch e.Code {
	case errs.CodeRateLimited:
		if e.Retryable {
			return LevelNetwork
		}
		return LevelExhausted
	case errs.CodeQuotaExceeded:
		return LevelExhausted
	case errs.CodeProviderUnavailable:
		if e.BreakerOpen {
			return LevelBreaker
		}
		if e.Retryable {
			return LevelNetwork
		}
		return LevelFatal
	case errs.CodeTimeout:
		return LevelAborted
	case errs.CodeAuthFailed, errs.CodeNotFound, errs.CodeInvalidRequest:
		return LevelFatal
	default:
		return LevelUnknown
	}
}

// ShouldRetry 只有瞬时错误可以在本层重试
func (c *ErrorClassifier) ShouldRetry(level ErrorLevel) bool {
	return level == LevelNetwork
}

// CountsAsFailure 判断错误是否说明提供商不健康，用于熔断计数。
// 提供商明确给出的答复（未找到、认证失败、配额耗尽）不代表提供商宕机；
// 往返过程中截止时间到期说明提供商挂起，计为失败，只有调用方主动取消不计数。
func (c *ErrorClassifier) CountsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	switch c.Classify(err) {
	case LevelNetwork, LevelUnknown:
		return true
	case LevelAborted:
		return IsDeadline(err)
	default:
		return false
	}
}

// IsDeadline 判断错误是否由截止时间到期引起（而不是调用方取消）
func IsDeadline(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, context.DeadlineExceeded) || errs.CodeOf(err) == errs.CodeTimeout
}
