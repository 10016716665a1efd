package provider

import (
	"fmt"
	"sort"
	"sync"

	"trackgate/pkg/errs"
	"trackgate/pkg/provider/core"
)

// Registry 提供商注册表，按名称管理已装配的客户端
type Registry struct {
	clients map[string]*Client
	mu      sync.RWMutex
}

// NewRegistry 创建提供商注册表
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]*Client)}
}

// Register 注册客户端，同名客户端不能重复注册
func (r *Registry) Register(client *Client) error {
	if client == nil {
		return fmt.Errorf("provider client cannot be nil")
	}
	name := client.Name()
	if name == "" {
		return fmt.Errorf("provider name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.clients[name]; exists {
		return fmt.Errorf("provider '%s' already registered", name)
	}
	r.clients[name] = client
	return nil
}

// Get 按名称获取客户端
func (r *Registry) Get(name string) (*Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if client, exists := r.clients[name]; exists {
		return client, nil
	}
	return nil, errs.New(errs.CodeInvalidRequest, fmt.Sprintf("provider '%s' not registered", name))
}

// Names 返回已注册的提供商名称，已排序
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All 按名称顺序返回所有客户端
func (r *Registry) All() []*Client {
	names := r.Names()

	r.mu.RLock()
	defer r.mu.RUnlock()

	clients := make([]*Client, 0, len(names))
	for _, name := range names {
		if client, ok := r.clients[name]; ok {
			clients = append(clients, client)
		}
	}
	return clients
}

// Unregister 注销提供商
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.clients[name]; !exists {
		return fmt.Errorf("provider '%s' not found", name)
	}
	delete(r.clients, name)
	return nil
}

// Close 关闭注册表，清理所有支持关闭的提供商
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errors []error
	for name, client := range r.clients {
		if closable, ok := client.chain.Base.(core.Closable); ok {
			if err := closable.Close(); err != nil {
				errors = append(errors, fmt.Errorf("error closing provider '%s': %w", name, err))
			}
		}
	}
	r.clients = make(map[string]*Client)

	if len(errors) > 0 {
		return fmt.Errorf("errors occurred while closing providers: %v", errors)
	}
	return nil
}
