package metrics

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sirupsen/logrus"

	"trackgate/pkg/cache"
	"trackgate/pkg/logger"
	"trackgate/pkg/quota"
	"trackgate/pkg/scheduler"
)

// InfluxConfig InfluxDB 写入配置
type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// InfluxReporter 把配额、缓存快照和预缓存运行记录写入 InfluxDB
type InfluxReporter struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	logger   *logrus.Entry
}

// NewInfluxReporter 创建 InfluxDB 写入器
func NewInfluxReporter(config InfluxConfig) (*InfluxReporter, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("influxdb url cannot be empty")
	}
	if config.Org == "" || config.Bucket == "" {
		return nil, fmt.Errorf("influxdb org and bucket are required")
	}

	client := influxdb2.NewClientWithOptions(config.URL, config.Token,
		influxdb2.DefaultOptions().SetHTTPRequestTimeout(10))

	return &InfluxReporter{
		client:   client,
		writeAPI: client.WriteAPIBlocking(config.Org, config.Bucket),
		logger:   logger.WithComponent("influx"),
	}, nil
}

// quotaPoint 配额快照转换为数据点
func quotaPoint(s quota.Snapshot, ts time.Time) *write.Point {
	return influxdb2.NewPoint("quota_usage",
		map[string]string{
			"provider": s.Provider,
			"status":   string(s.Status),
		},
		map[string]interface{}{
			"consumed":     s.Consumed,
			"budget":       s.Budget,
			"remaining":    s.Remaining,
			"percent_used": s.PercentUsed,
			"projected":    s.Projected,
			"calls":        s.Calls,
		},
		ts)
}

func cachePoint(s cache.Stats, ts time.Time) *write.Point {
	return influxdb2.NewPoint("cache_stats",
		map[string]string{},
		map[string]interface{}{
			"hits":           s.Hits,
			"misses":         s.Misses,
			"fallback_hits":  s.FallbackHits,
			"sets":           s.Sets,
			"invalidations":  s.Invalidations,
			"backend_errors": s.BackendErrors,
			"hit_rate":       s.HitRate,
		},
		ts)
}

// Report 写入一批快照
func (r *InfluxReporter) Report(ctx context.Context, snapshots []quota.Snapshot, stats cache.Stats, ts time.Time) error {
	points := make([]*write.Point, 0, len(snapshots)+1)
	for _, s := range snapshots {
		points = append(points, quotaPoint(s, ts))
	}
	points = append(points, cachePoint(stats, ts))

	if err := r.writeAPI.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("write points to influxdb: %w", err)
	}
	r.logger.WithField("points", len(points)).Debug("写入 InfluxDB 完成")
	return nil
}

// ReportPrecache 写入一次预缓存运行，时间戳取运行结束时间
func (r *InfluxReporter) ReportPrecache(ctx context.Context, record scheduler.RunRecord, result string) error {
	point := influxdb2.NewPoint("precache_run",
		map[string]string{
			"provider": record.Provider,
			"trigger":  string(record.Trigger),
			"result":   result,
		},
		map[string]interface{}{
			"warmed":         record.Warmed,
			"already_cached": record.AlreadyCached,
			"failed":         record.Failed,
			"swept":          record.Swept,
			"queries":        len(record.Queries),
			"duration_ms":    record.Duration.Milliseconds(),
		},
		record.FinishedAt)

	if err := r.writeAPI.WritePoint(ctx, point); err != nil {
		return fmt.Errorf("write precache point to influxdb: %w", err)
	}
	return nil
}

// Close 关闭客户端
func (r *InfluxReporter) Close() {
	r.client.Close()
}
