// Package interceptor 决定每个请求由谁处理：预取会话认领的请求打上存储标记，
// 离线时优先从缓存返回，其余请求走默认网络路径。
package interceptor

import (
	"net/http"

	"pageprimer/internal/cache"
	"pageprimer/internal/logger"
	"pageprimer/internal/registry"
	"pageprimer/pkg/domain"
)

// Interceptor 请求拦截决策
type Interceptor struct {
	registry *registry.Registry
	store    cache.Store
	base     http.RoundTripper
	log      logger.Logger
}

// Config 配置选项
type Config struct {
	Registry *registry.Registry
	Store    cache.Store
	// Base 实际发起网络请求的传输层，默认 http.DefaultTransport
	Base   http.RoundTripper
	Logger logger.Logger
}

// New 创建拦截器
func New(cfg Config) *Interceptor {
	if cfg.Base == nil {
		cfg.Base = http.DefaultTransport
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	return &Interceptor{
		registry: cfg.Registry,
		store:    cfg.Store,
		base:     cfg.Base,
		log:      cfg.Logger,
	}
}

// ShouldHandle 请求是否由本拦截器处理
func (i *Interceptor) ShouldHandle(req *domain.Request) bool {
	if req.HasTag(domain.TagHandled) {
		return false
	}
	if _, ok := i.registry.FindClaimingSession(req); ok {
		return true
	}
	return i.store != nil && i.store.IsOffline()
}

// Canonicalize 返回规范化副本：优先使用缓存，被会话认领时换成会话的带标记版本，并标记为已处理
func (i *Interceptor) Canonicalize(req *domain.Request) *domain.Request {
	c := req.Clone()
	if req.HasTag(domain.TagHandled) {
		return c
	}
	c.CachePolicy = domain.ReturnCacheDataElseLoad
	if s, ok := i.registry.FindClaimingSession(req); ok {
		c = s.TagRequest(c)
		i.log.Debug("请求被预取会话认领", "sessionID", string(s.ID()), "url", req.URL)
	}
	c.SetTag(domain.TagHandled)
	return c
}

// NewLoad 为单个请求创建加载过程
func (i *Interceptor) NewLoad(req *domain.Request, client Client) *Load {
	return &Load{icp: i, req: req, client: client}
}
