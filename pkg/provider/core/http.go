package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"trackgate/pkg/errs"
)

// MaxBodySize 单次响应读取上限
const MaxBodySize = 4 << 20

// Response 上游响应
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// NewHTTPClient 创建提供商使用的 HTTP 客户端
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     30 * time.Second,
			MaxConnsPerHost:     10,
		},
		Timeout: timeout,
	}
}

// Do 执行请求并读取响应体。
// 调用方 context 结束时返回 context 错误；其余传输错误视为提供商暂时不可用。
// 返回的错误不包含请求 URL，查询串里可能带有凭证。
func Do(ctx context.Context, client *http.Client, req *http.Request, provider string) (*Response, error) {
	resp, err := client.Do(req.WithContext(ctx))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, errs.FromContext(ctxErr)
		}
		return nil, errs.Unavailable(provider, true, fmt.Errorf("%s %s failed: %w", req.Method, req.URL.Path, stripURL(err)))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodySize))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, errs.FromContext(ctxErr)
		}
		return nil, errs.Unavailable(provider, true, fmt.Errorf("read response failed: %w", err))
	}

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

// stripURL 去掉 *url.Error 携带的完整 URL，只保留底层原因
func stripURL(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Err
	}
	return err
}

// ParseRetryAfter 解析 Retry-After 头，支持秒数和 HTTP 日期
func ParseRetryAfter(value string, now time.Time) time.Duration {
	if value == "" {
		return 0
	}
	var seconds int
	if _, err := fmt.Sscanf(value, "%d", &seconds); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}
