package core

import (
	"fmt"
	"strings"

	"trackgate/pkg/errs"
	"trackgate/pkg/popularity"
)

const (
	DefaultLimit = 10
	MaxLimit     = 50
)

// SearchOptions 搜索选项
type SearchOptions struct {
	Limit  int    `json:"limit"`
	Region string `json:"region,omitempty"`
}

// Request 一次逻辑请求
type Request struct {
	Endpoint Endpoint
	Query    string // 已规范化的查询，search 使用
	ID       string // details 使用
	Region   string
	Limit    int
}

// NewSearchRequest 创建搜索请求，查询被规范化
func NewSearchRequest(query string, opts SearchOptions) (Request, error) {
	normalized := popularity.Normalize(query)
	if normalized == "" {
		return Request{}, errs.New(errs.CodeInvalidRequest, "search query cannot be empty")
	}
	return Request{
		Endpoint: EndpointSearch,
		Query:    normalized,
		Region:   strings.ToUpper(strings.TrimSpace(opts.Region)),
		Limit:    clampLimit(opts.Limit),
	}, nil
}

// NewDetailsRequest 创建详情请求
func NewDetailsRequest(id string) (Request, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Request{}, errs.New(errs.CodeInvalidRequest, "track id cannot be empty")
	}
	return Request{Endpoint: EndpointDetails, ID: id, Limit: 1}, nil
}

// NewTrendingRequest 创建趋势请求
func NewTrendingRequest(region string, opts SearchOptions) Request {
	return Request{
		Endpoint: EndpointTrending,
		Region:   strings.ToUpper(strings.TrimSpace(region)),
		Limit:    clampLimit(opts.Limit),
	}
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	default:
		return limit
	}
}

// CacheKey 返回请求在指定提供商下的缓存键
func (r Request) CacheKey(provider string) string {
	switch r.Endpoint {
	case EndpointDetails:
		return fmt.Sprintf("details:%s:%s", provider, r.ID)
	case EndpointTrending:
		return fmt.Sprintf("trending:%s:%s:limit=%d", provider, r.Region, r.Limit)
	default:
		return fmt.Sprintf("search:%s:%s:limit=%d:region=%s", provider, r.Query, r.Limit, r.Region)
	}
}

// Tags 返回缓存条目的标签
func (r Request) Tags(provider string) []string {
	tags := []string{string(r.Endpoint), "provider:" + provider}
	switch r.Endpoint {
	case EndpointSearch:
		tags = append(tags, "query:"+r.Query)
	case EndpointDetails:
		tags = append(tags, "track:"+r.ID)
	case EndpointTrending:
		if r.Region != "" {
			tags = append(tags, "region:"+r.Region)
		}
	}
	return tags
}

// String 用于日志
func (r Request) String() string {
	switch r.Endpoint {
	case EndpointDetails:
		return fmt.Sprintf("details(%s)", r.ID)
	case EndpointTrending:
		return fmt.Sprintf("trending(%s)", r.Region)
	default:
		return fmt.Sprintf("search(%q)", r.Query)
	}
}
