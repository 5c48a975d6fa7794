package api

import (
	"context"
	"net/http"

	"pageprimer/internal/cache"
	"pageprimer/internal/config"
	"pageprimer/internal/engine"
	"pageprimer/internal/logger"
	"pageprimer/internal/registry"
	"pageprimer/internal/service"
	"pageprimer/pkg/domain"
)

type (
	// PrimeRequest 预取请求
	PrimeRequest = service.PrimeRequest
	// Authority 缓存权威
	Authority = registry.Authority
	// LoadedFunc 加载判定函数
	LoadedFunc = engine.LoadedFunc
	// Store 缓存存储
	Store = cache.Store
)

// Service 服务接口
type Service interface {
	// RegisterAuthority 注册缓存权威，第一个权威注册时安装拦截层
	RegisterAuthority(a Authority) error

	// UnregisterAuthority 注销缓存权威，最后一个权威注销时卸载拦截层
	UnregisterAuthority(a Authority) bool

	// PrimePage 启动预取会话
	PrimePage(ctx context.Context, req PrimeRequest) (domain.SessionID, error)

	// Cancel 取消预取会话
	Cancel(id domain.SessionID) error

	// Session 查询会话状态
	Session(id domain.SessionID) (domain.SessionInfo, error)

	// Transport 经过拦截层的 HTTP 传输层
	Transport() http.RoundTripper

	// Store 缓存存储
	Store() Store

	// SetOffline 强制离线
	SetOffline(v bool)

	// Close 关闭服务
	Close() error
}

// NewService 创建并返回服务接口实现
func NewService(cfg *config.Config, l logger.Logger) (Service, error) {
	svc, err := service.New(service.Options{Config: cfg, Logger: l})
	if err != nil {
		return nil, err
	}
	return svc, nil
}
