// Package cache 提供持久化的请求/响应存储。
// 存储不实现新鲜度与重新验证语义，只负责按缓存键读写。
package cache

import (
	"context"

	"pageprimer/pkg/domain"
)

// Store 缓存存储协作方
type Store interface {
	// IsOffline 设备当前是否离线
	IsOffline() bool
	// CachedResponse 返回请求对应的缓存响应
	CachedResponse(ctx context.Context, req *domain.Request) (*domain.Response, bool, error)
	// Store 保存请求对应的响应
	Store(ctx context.Context, req *domain.Request, resp *domain.Response) error
	// Keys 返回所有缓存键
	Keys(ctx context.Context) ([]string, error)
	// Purge 删除指定缓存键
	Purge(ctx context.Context, key string) error
}

// OfflineFunc 离线状态探测函数
type OfflineFunc func() bool

func neverOffline() bool { return false }
