package decorators

import (
	"context"

	"trackgate/pkg/provider/core"
)

// Decorator 装饰器基础接口
// 所有装饰器都应该实现此接口
type Decorator interface {
	core.Fetcher

	// GetBaseProvider 获取被装饰的 Fetcher
	GetBaseProvider() core.Fetcher
}

// BaseDecorator 装饰器基础实现
// 提供通用的装饰器功能
type BaseDecorator struct {
	base core.Fetcher
}

// NewBaseDecorator 创建基础装饰器
func NewBaseDecorator(base core.Fetcher) *BaseDecorator {
	return &BaseDecorator{base: base}
}

// Name 实现 Provider 接口
func (d *BaseDecorator) Name() string {
	return d.base.Name()
}

// IsHealthy 实现 Provider 接口
func (d *BaseDecorator) IsHealthy() bool {
	return d.base.IsHealthy()
}

// Fetch 实现 Fetcher 接口
func (d *BaseDecorator) Fetch(ctx context.Context, req core.Request) ([]core.Track, error) {
	return d.base.Fetch(ctx, req)
}

// GetBaseProvider 实现 Decorator 接口
func (d *BaseDecorator) GetBaseProvider() core.Fetcher {
	return d.base
}

// DecoratorChain 装饰器链
// 用于组合多个装饰器，先添加的在内层
type DecoratorChain struct {
	decorators []func(core.Fetcher) core.Fetcher
}

// NewDecoratorChain 创建装饰器链
func NewDecoratorChain() *DecoratorChain {
	return &DecoratorChain{
		decorators: make([]func(core.Fetcher) core.Fetcher, 0),
	}
}

// AddDecorator 添加装饰器到链中
func (dc *DecoratorChain) AddDecorator(decorator func(core.Fetcher) core.Fetcher) *DecoratorChain {
	dc.decorators = append(dc.decorators, decorator)
	return dc
}

// Apply 应用装饰器链到指定的 Fetcher
func (dc *DecoratorChain) Apply(base core.Fetcher) core.Fetcher {
	fetcher := base
	for _, decorator := range dc.decorators {
		fetcher = decorator(fetcher)
	}
	return fetcher
}

// Unwrap 沿装饰器链向内查找第一个类型为 T 的层
func Unwrap[T core.Fetcher](f core.Fetcher) (T, bool) {
	for f != nil {
		if t, ok := f.(T); ok {
			return t, true
		}
		d, ok := f.(Decorator)
		if !ok {
			break
		}
		f = d.GetBaseProvider()
	}
	var zero T
	return zero, false
}
