package gateway

import (
	"context"

	"github.com/sirupsen/logrus"

	"trackgate/pkg/quota"
)

// Housekeep 周期维护：清理过期的热度统计和限流窗口，检查配额日切，刷新指标
func (g *Gateway) Housekeep(ctx context.Context) error {
	swept := g.tracker.Sweep()

	var snapshots []quota.Snapshot
	windows := 0
	for _, client := range g.registry.All() {
		chain := client.Chain()
		if chain.RateLimit != nil {
			windows += chain.RateLimit.Limiter().Sweep()
		}
		if chain.Quota != nil {
			ledger := chain.Quota.Ledger()
			if ledger.Rollover() {
				g.log.WithField("provider", client.Name()).Info("配额已按日重置")
			}
			snap := ledger.Snapshot()
			g.metrics.SetQuota(snap)
			snapshots = append(snapshots, snap)
		}
		if chain.Breaker != nil {
			g.metrics.SetBreakerState(client.Name(), chain.Breaker.GetState())
		}
	}

	g.log.WithFields(logrus.Fields{
		"queries_swept": swept,
		"windows_swept": windows,
	}).Debug("周期维护完成")

	if g.influx != nil {
		if err := g.influx.Report(ctx, snapshots, g.cache.Stats(), g.clock.Now()); err != nil {
			g.log.WithError(err).Warn("写入 InfluxDB 失败")
		}
	}
	return nil
}
