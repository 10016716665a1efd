// Package spotify 实现 Spotify Web API 的曲目查询
package spotify

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
	"golang.org/x/oauth2"

	"trackgate/pkg/errs"
	"trackgate/pkg/logger"
	"trackgate/pkg/provider/core"
)

const providerName = "spotify"

// DefaultBaseURL Spotify Web API 地址
const DefaultBaseURL = "https://api.spotify.com/v1"

// Config Spotify 提供商配置
type Config struct {
	ClientID      string
	ClientSecret  string
	TokenURL      string
	BaseURL       string
	Market        string
	AllowExplicit bool
	BlockedTerms  []string
	Timeout       time.Duration
	HTTPClient    *http.Client
}

// Fetcher Spotify 数据获取器
type Fetcher struct {
	baseURL    string
	market     string
	configured bool
	httpClient *http.Client
	tokens     oauth2.TokenSource
	filter     *core.ContentFilter
	log        *logrus.Entry
	now        func() time.Time
}

// NewFetcher 创建 Spotify 获取器
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
		baseURL:    baseURL,
		market:     strings.ToUpper(cfg.Market),
		configured: cfg.ClientID != "" && cfg.ClientSecret != "",
		httpClient: client,
		tokens:     newTokenSource(cfg.ClientID, cfg.ClientSecret, cfg.TokenURL, client),
		filter:     core.NewContentFilter(cfg.BlockedTerms, cfg.AllowExplicit),
		log:        logger.WithComponent("spotify"),
		now:        time.Now,
	}
}

// Name 返回提供商名称
func (f *Fetcher) Name() string {
	return providerName
}

// IsHealthy 没有客户端凭证时无法工作
func (f *Fetcher) IsHealthy() bool {
	return f.configured
}

// Fetch 执行一次逻辑请求
func (f *Fetcher) Fetch(ctx context.Context, req core.Request) ([]core.Track, error) {
	if !f.configured {
		return nil, errs.New(errs.CodeAuthFailed, "spotify client credentials not configured").WithProvider(providerName)
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
	params.Set("q", req.Query)
	params.Set("type", "track")
	params.Set("limit", strconv.Itoa(req.Limit))
	if market := f.marketFor(req); market != "" {
		params.Set("market", market)
	}

	body, err := f.get(ctx, "search", params)
	if err != nil {
		return nil, err
	}

	var tracks []core.Track
	gjson.GetBytes(body, "tracks.items").ForEach(func(_, item gjson.Result) bool {
		tracks = append(tracks, parseTrack(item))
		return true
	})
	tracks = f.filter.Apply(tracks)
	f.log.WithFields(logrus.Fields{"query": req.Query, "results": len(tracks)}).Debug("搜索完成")
	return tracks, nil
}

func (f *Fetcher) details(ctx context.Context, req core.Request) ([]core.Track, error) {
	params := url.Values{}
	if f.market != "" {
		params.Set("market", f.market)
	}

	body, err := f.get(ctx, "tracks/"+url.PathEscape(req.ID), params)
	if err != nil {
		return nil, err
	}

	tracks := f.filter.Apply([]core.Track{parseTrack(gjson.ParseBytes(body))})
	if len(tracks) == 0 {
		return nil, errs.New(errs.CodeNotFound, fmt.Sprintf("track %s not available", req.ID)).WithProvider(providerName)
	}
	return tracks, nil
}

// trending Spotify 没有曲目排行榜接口，使用新发行专辑代替
func (f *Fetcher) trending(ctx context.Context, req core.Request) ([]core.Track, error) {
	params := url.Values{}
	params.Set("limit", strconv.Itoa(req.Limit))
	if market := f.marketFor(req); market != "" {
		params.Set("country", market)
	}

	body, err := f.get(ctx, "browse/new-releases", params)
	if err != nil {
		return nil, err
	}

	var tracks []core.Track
	gjson.GetBytes(body, "albums.items").ForEach(func(_, album gjson.Result) bool {
		tracks = append(tracks, parseAlbum(album))
		return true
	})
	return f.filter.Apply(tracks), nil
}

func (f *Fetcher) marketFor(req core.Request) string {
	if req.Region != "" {
		return req.Region
	}
	return f.market
}

// get 携带 bearer token 发起 GET 请求
func (f *Fetcher) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	token, err := f.tokens.Token()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, errs.FromContext(ctxErr)
		}
		return nil, mapTokenError(err)
	}

	endpoint := f.baseURL + "/" + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInvalidRequest, "build request failed", err).WithProvider(providerName)
	}
	httpReq.Header.Set("Accept", "application/json")
	token.SetAuthHeader(httpReq)

	resp, err := core.Do(ctx, f.httpClient, httpReq, providerName)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, mapError(resp, f.now())
	}
	return resp.Body, nil
}

// mapError 按 HTTP 状态码分类上游错误
func mapError(resp *core.Response, now time.Time) error {
	message := gjson.GetBytes(resp.Body, "error.message").String()
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}

	var e *errs.Error
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		e = errs.New(errs.CodeRateLimited, message).
			WithRetryAfter(core.ParseRetryAfter(resp.Header.Get("Retry-After"), now)).
			AsRetryable()
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
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

func artistNames(artists gjson.Result) string {
	var names []string
	artists.ForEach(func(_, a gjson.Result) bool {
		if name := a.Get("name").String(); name != "" {
			names = append(names, name)
		}
		return true
	})
	return strings.Join(names, ", ")
}

func firstImage(images gjson.Result) string {
	return images.Get("0.url").String()
}

// parseReleaseDate 支持 year、month、day 三种精度
func parseReleaseDate(s string) time.Time {
	for _, layout := range []string{"2006-01-02", "2006-01", "2006"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func parseTrack(item gjson.Result) core.Track {
	return core.Track{
		ID:           item.Get("id").String(),
		Provider:     providerName,
		Title:        item.Get("name").String(),
		Artist:       artistNames(item.Get("artists")),
		Album:        item.Get("album.name").String(),
		ThumbnailURL: firstImage(item.Get("album.images")),
		URL:          item.Get("external_urls.spotify").String(),
		Duration:     time.Duration(item.Get("duration_ms").Int()) * time.Millisecond,
		Explicit:     item.Get("explicit").Bool(),
		PublishedAt:  parseReleaseDate(item.Get("album.release_date").String()),
	}
}

func parseAlbum(album gjson.Result) core.Track {
	return core.Track{
		ID:           album.Get("id").String(),
		Provider:     providerName,
		Title:        album.Get("name").String(),
		Artist:       artistNames(album.Get("artists")),
		Album:        album.Get("name").String(),
		ThumbnailURL: firstImage(album.Get("images")),
		URL:          album.Get("external_urls.spotify").String(),
		PublishedAt:  parseReleaseDate(album.Get("release_date").String()),
	}
}
