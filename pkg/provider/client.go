package provider

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"trackgate/pkg/cache"
	"trackgate/pkg/errs"
	"trackgate/pkg/logger"
	"trackgate/pkg/popularity"
	"trackgate/pkg/provider/core"
	"trackgate/pkg/provider/decorators"
)

// DefaultRequestTimeout 单次填充的超时时间
const DefaultRequestTimeout = 15 * time.Second

// ClientOptions 提供商客户端选项
type ClientOptions struct {
	Cache          *cache.TieredCache
	Tracker        *popularity.Tracker
	RequestTimeout time.Duration
	Logger         *logrus.Entry
}

// ClientStats 客户端统计
type ClientStats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Fills     int64 `json:"fills"`
	Coalesced int64 `json:"coalesced"`
	Errors    int64 `json:"errors"`
}

// Client 带缓存的提供商客户端。
// 先查缓存，未命中时经装饰器链访问提供商，同一个键同时只有一次填充。
type Client struct {
	name    string
	chain   *decorators.Chain
	cache   *cache.TieredCache
	tracker *popularity.Tracker
	timeout time.Duration
	group   singleflight.Group
	log     *logrus.Entry

	hits      atomic.Int64
	misses    atomic.Int64
	fills     atomic.Int64
	coalesced atomic.Int64
	errors    atomic.Int64
}

// NewClient 创建提供商客户端
func NewClient(chain *decorators.Chain, opts ClientOptions) *Client {
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	log := opts.Logger
	if log == nil {
		log = logger.WithComponent("provider_client")
	}
	return &Client{
		name:    chain.Name(),
		chain:   chain,
		cache:   opts.Cache,
		tracker: opts.Tracker,
		timeout: timeout,
		log:     log.WithField("provider", chain.Name()),
	}
}

// Name 提供商名称
func (c *Client) Name() string {
	return c.name
}

// Chain 返回装饰器链，用于读取熔断器和账本状态
func (c *Client) Chain() *decorators.Chain {
	return c.chain
}

// IsHealthy 提供商可用且熔断器未打开
func (c *Client) IsHealthy() bool {
	return c.chain.IsHealthy()
}

// Search 搜索曲目。每次查询都计入热度，存储层级由热度决定
func (c *Client) Search(ctx context.Context, query string, opts core.SearchOptions) ([]core.Track, error) {
	req, err := core.NewSearchRequest(query, opts)
	if err != nil {
		return nil, err
	}
	if c.tracker != nil {
		c.tracker.Increment(req.Query)
	}
	return c.lookup(ctx, req, c.searchTier(req.Query))
}

// GetDetails 获取单首曲目详情
func (c *Client) GetDetails(ctx context.Context, id string) (core.Track, error) {
	req, err := core.NewDetailsRequest(id)
	if err != nil {
		return core.Track{}, err
	}
	tracks, err := c.lookup(ctx, req, cache.TierPopular)
	if err != nil {
		return core.Track{}, err
	}
	if len(tracks) == 0 {
		return core.Track{}, errs.New(errs.CodeNotFound, "track "+req.ID+" not found").WithProvider(c.name)
	}
	return tracks[0], nil
}

// GetTrending 获取趋势曲目
func (c *Client) GetTrending(ctx context.Context, region string, opts core.SearchOptions) ([]core.Track, error) {
	return c.lookup(ctx, core.NewTrendingRequest(region, opts), cache.TierTrending)
}

// Warm 跳过缓存强制刷新一个搜索结果并以指定层级存储，不计入热度
func (c *Client) Warm(ctx context.Context, query string, opts core.SearchOptions, tier cache.Tier) ([]core.Track, error) {
	req, err := core.NewSearchRequest(query, opts)
	if err != nil {
		return nil, err
	}
	return c.fill(ctx, req, tier)
}

// Cached 判断搜索结果是否已缓存且未过期
func (c *Client) Cached(ctx context.Context, query string, opts core.SearchOptions) bool {
	req, err := core.NewSearchRequest(query, opts)
	if err != nil {
		return false
	}
	return c.cache.Exists(ctx, req.CacheKey(c.name))
}

// Stats 返回客户端统计
func (c *Client) Stats() ClientStats {
	return ClientStats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Fills:     c.fills.Load(),
		Coalesced: c.coalesced.Load(),
		Errors:    c.errors.Load(),
	}
}

func (c *Client) searchTier(query string) cache.Tier {
	if c.tracker == nil {
		return cache.TierRecent
	}
	return c.tracker.Classify(query)
}

func (c *Client) lookup(ctx context.Context, req core.Request, tier cache.Tier) ([]core.Track, error) {
	var tracks []core.Track
	if c.cache.GetInto(ctx, req.CacheKey(c.name), &tracks) {
		c.hits.Add(1)
		return tracks, nil
	}
	c.misses.Add(1)
	return c.fill(ctx, req, tier)
}

// fill 合并同一个键的并发填充。
// 填充在脱离调用方取消的 context 中运行；调用方结束时只是不再等待结果。
func (c *Client) fill(ctx context.Context, req core.Request, tier cache.Tier) ([]core.Track, error) {
	key := req.CacheKey(c.name)

	ch := c.group.DoChan(key, func() (interface{}, error) {
		fillCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()

		c.fills.Add(1)
		tracks, err := c.chain.Fetch(fillCtx, req)
		if err != nil {
			return nil, err
		}
		if tracks == nil {
			tracks = []core.Track{}
		}
		if err := c.cache.Set(fillCtx, key, tracks, tier, req.Tags(c.name)); err != nil {
			c.log.WithError(err).WithField("key", key).Warn("写入缓存失败")
		}
		return tracks, nil
	})

	select {
	case res := <-ch:
		if res.Shared {
			c.coalesced.Add(1)
		}
		if res.Err != nil {
			c.errors.Add(1)
			c.log.WithError(res.Err).WithField("request", req.String()).Debug("请求提供商失败")
			return nil, res.Err
		}
		return res.Val.([]core.Track), nil
	case <-ctx.Done():
		return nil, errs.Wrap(errs.CodeTimeout, "caller stopped waiting for "+req.String(), ctx.Err()).WithProvider(c.name)
	}
}
