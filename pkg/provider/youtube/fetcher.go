// Package youtube 实现 YouTube Data API v3 的曲目查询
package youtube

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"trackgate/pkg/errs"
	"trackgate/pkg/logger"
	"trackgate/pkg/provider/core"
)

const providerName = "youtube"

// DefaultBaseURL YouTube Data API 地址
const DefaultBaseURL = "https://www.googleapis.com/youtube/v3"

// Config YouTube 提供商配置
type Config struct {
	APIKey       string
	BaseURL      string
	RegionCode   string
	BlockedTerms []string
	Timeout      time.Duration
	HTTPClient   *http.Client
}

// Fetcher YouTube 数据获取器
type Fetcher struct {
	apiKey     string
	baseURL    string
	region     string
	httpClient *http.Client
	filter     *core.ContentFilter
	log        *logrus.Entry
}

// NewFetcher 创建 YouTube 获取器
func NewFetcher(cfg Config) *Fetcher {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = core.NewHTTPClient(cfg.Timeout)
	}
	return &Fetcher{
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		region:     strings.ToUpper(cfg.RegionCode),
		httpClient: client,
		filter:     core.NewContentFilter(cfg.BlockedTerms, true),
		log:        logger.WithComponent("youtube"),
	}
}

// Name 返回提供商名称
func (f *Fetcher) Name() string {
	return providerName
}

// IsHealthy 没有 API key 时无法工作
func (f *Fetcher) IsHealthy() bool {
	return f.apiKey != ""
}

// Fetch 执行一次逻辑请求
func (f *Fetcher) Fetch(ctx context.Context, req core.Request) ([]core.Track, error) {
	if f.apiKey == "" {
		return nil, errs.New(errs.CodeAuthFailed, "youtube api key not configured").WithProvider(providerName)
	}

	switch req.Endpoint {
	case core.EndpointSearch:
		return f.search(ctx, req)
	case core.EndpointDetails:
		return f.details(ctx, req)
	case core.EndpointTrending:
		return f.trending(ctx, req)
	default:
		return nil, errs.New(errs.CodeInvalidRequest, fmt.Sprintf("unsupported endpoint %q", req.Endpoint)).WithProvider(providerName)
	}
}

func (f *Fetcher) search(ctx context.Context, req core.Request) ([]core.Track, error) {
	params := url.Values{}
	params.Set("part", "snippet")
	params.Set("type", "video")
	params.Set("videoCategoryId", musicCategoryID)
	params.Set("q", req.Query)
	params.Set("maxResults", strconv.Itoa(req.Limit))
	if region := f.regionFor(req); region != "" {
		params.Set("regionCode", region)
	}

	body, err := f.get(ctx, "search", params)
	if err != nil {
		return nil, err
	}
	tracks := f.filter.Apply(parseItems(body))
	f.log.WithFields(logrus.Fields{"query": req.Query, "results": len(tracks)}).Debug("搜索完成")
	return tracks, nil
}

func (f *Fetcher) details(ctx context.Context, req core.Request) ([]core.Track, error) {
	params := url.Values{}
	params.Set("part", "snippet,contentDetails")
	params.Set("id", req.ID)

	body, err := f.get(ctx, "videos", params)
	if err != nil {
		return nil, err
	}
	tracks := f.filter.Apply(parseItems(body))
	if len(tracks) == 0 {
		return nil, errs.New(errs.CodeNotFound, fmt.Sprintf("video %s not found", req.ID)).WithProvider(providerName)
	}
	return tracks[:1], nil
}

func (f *Fetcher) trending(ctx context.Context, req core.Request) ([]core.Track, error) {
	params := url.Values{}
	params.Set("part", "snippet,contentDetails")
	params.Set("chart", "mostPopular")
	params.Set("videoCategoryId", musicCategoryID)
	params.Set("maxResults", strconv.Itoa(req.Limit))
	if region := f.regionFor(req); region != "" {
		params.Set("regionCode", region)
	}

	body, err := f.get(ctx, "videos", params)
	if err != nil {
		return nil, err
	}
	return f.filter.Apply(parseItems(body)), nil
}

func (f *Fetcher) regionFor(req core.Request) string {
	if req.Region != "" {
		return req.Region
	}
	return f.region
}

// get 发起 GET 请求并将非 200 响应转换为网关错误
func (f *Fetcher) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	params.Set("key", f.apiKey)
	endpoint := f.baseURL + "/" + path + "?" + params.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		// 构造错误里带有完整 URL（含 key），只保留路径
		return nil, errs.New(errs.CodeInvalidRequest, "build request for "+path+" failed").WithProvider(providerName)
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := core.Do(ctx, f.httpClient, httpReq, providerName)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, mapError(resp, time.Now())
	}
	return resp.Body, nil
}

// mapError 按 HTTP 状态码和 error.errors[0].reason 分类上游错误
func mapError(resp *core.Response, now time.Time) error {
	reason := gjson.GetBytes(resp.Body, "error.errors.0.reason").String()
	message := gjson.GetBytes(resp.Body, "error.message").String()
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}

	var e *errs.Error
	switch {
	case reason == "quotaExceeded" || reason == "dailyLimitExceeded":
		e = errs.New(errs.CodeQuotaExceeded, message)
	case reason == "rateLimitExceeded" || reason == "userRateLimitExceeded" || resp.StatusCode == http.StatusTooManyRequests:
		e = errs.New(errs.CodeRateLimited, message).
			WithRetryAfter(core.ParseRetryAfter(resp.Header.Get("Retry-After"), now)).
			AsRetryable()
	case reason == "keyInvalid" || resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		e = errs.New(errs.CodeAuthFailed, message)
	case resp.StatusCode == http.StatusNotFound:
		e = errs.New(errs.CodeNotFound, message)
	case resp.StatusCode == http.StatusBadRequest:
		e = errs.New(errs.CodeInvalidRequest, message)
	case resp.StatusCode >= 500:
		e = errs.New(errs.CodeProviderUnavailable, message).AsRetryable()
	default:
		e = errs.New(errs.CodeProviderUnavailable, message)
	}
	return e.WithProvider(providerName).WithStatus(resp.StatusCode)
}
