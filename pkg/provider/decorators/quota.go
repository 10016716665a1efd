package decorators

import (
	"context"

	"trackgate/pkg/provider/core"
	"trackgate/pkg/quota"
)

// QuotaProvider 配额记账装饰器，成功的逻辑请求按端点消耗计入账本
type QuotaProvider struct {
	*BaseDecorator
	ledger *quota.Ledger
	costs  map[core.Endpoint]int
}

// NewQuotaProvider 创建配额记账装饰器
func NewQuotaProvider(base core.Fetcher, ledger *quota.Ledger, costs map[core.Endpoint]int) *QuotaProvider {
	copied := make(map[core.Endpoint]int, len(costs))
	for endpoint, cost := range costs {
		copied[endpoint] = cost
	}
	return &QuotaProvider{
		BaseDecorator: NewBaseDecorator(base),
		ledger:        ledger,
		costs:         copied,
	}
}

// Cost 端点的配额消耗，未配置时为 1
func (q *QuotaProvider) Cost(endpoint core.Endpoint) int {
	if cost, ok := q.costs[endpoint]; ok {
		return cost
	}
	return 1
}

// Fetch 执行请求，成功后记账
func (q *QuotaProvider) Fetch(ctx context.Context, req core.Request) ([]core.Track, error) {
	tracks, err := q.base.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	q.ledger.RecordUsage(q.Cost(req.Endpoint))
	return tracks, nil
}

// Ledger 返回账本
func (q *QuotaProvider) Ledger() *quota.Ledger {
	return q.ledger
}
