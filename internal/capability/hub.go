package capability

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sync"

	xerrors "OpenMCP-Swarm/internal/errors"
	"OpenMCP-Swarm/pkg/logger"
)

// Hub 按提供方标识路由工具调用，实现 Client 接口。
type Hub struct {
	mu        sync.RWMutex
	providers map[string]Provider
	order     []string
	logger    *slog.Logger
}

// HubOption 定义 Hub 的可选配置。
type HubOption func(*Hub)

// WithHubLogger 指定日志输出。
func WithHubLogger(l *slog.Logger) HubOption {
	return func(h *Hub) {
		h.logger = l
	}
}

// NewHub 构造空的 Hub。
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{providers: make(map[string]Provider)}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	if h.logger == nil {
		h.logger = logger.Named("capability")
	}
	return h
}

// Register 注册提供方，标识重复时返回错误。
func (h *Hub) Register(p Provider) error {
	if p == nil || p.ID() == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "provider id is required")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.providers[p.ID()]; exists {
		return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("provider %s already registered", p.ID()))
	}
	h.providers[p.ID()] = p
	h.order = append(h.order, p.ID())
	return nil
}

// CallTool 将调用转发给对应提供方。提供方缺失视为不可用。
func (h *Hub) CallTool(ctx context.Context, providerID, tool string, args map[string]any) (*Result, error) {
	h.mu.RLock()
	p, ok := h.providers[providerID]
	h.mu.RUnlock()
	if !ok {
		return nil, xerrors.New(CodeProviderUnavailable, fmt.Sprintf("provider %s is not connected", providerID),
			xerrors.WithMetadata("provider", providerID))
	}
	return p.CallTool(ctx, tool, args)
}

// ListTools 汇总所有提供方的工具，单个提供方失败只记录日志。
func (h *Hub) ListTools(ctx context.Context) ([]Descriptor, error) {
	h.mu.RLock()
	providers := make([]Provider, 0, len(h.order))
	for _, id := range h.order {
		providers = append(providers, h.providers[id])
	}
	h.mu.RUnlock()

	var out []Descriptor
	for _, p := range providers {
		tools, err := p.ListTools(ctx)
		if err != nil {
			h.logger.Warn("获取工具列表失败", slog.String("provider", p.ID()), slog.Any("error", err))
			continue
		}
		out = append(out, tools...)
	}
	return out, nil
}

// Providers 返回已注册的提供方标识。
func (h *Hub) Providers() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]string(nil), h.order...)
}

// Close 关闭所有提供方会话。
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	var err error
	for _, id := range h.order {
		err = stdErrors.Join(err, h.providers[id].Close())
	}
	h.providers = make(map[string]Provider)
	h.order = nil
	return err
}

var _ Client = (*Hub)(nil)
