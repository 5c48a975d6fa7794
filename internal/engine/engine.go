// Package engine 定义预取会话与渲染引擎之间的协作约定。
//
// 引擎负责实际加载与渲染页面；会话只观察并引导导航事件。
// 同一个引擎实例的 Delegate 回调逐个投递，不会并发进入。
package engine

import (
	"context"

	"github.com/tidwall/gjson"

	"pageprimer/pkg/domain"
)

// Decision 导航决策
type Decision int

const (
	// Allow 放行请求
	Allow Decision = iota
	// CancelAndReissue 取消原请求（替代请求已由会话重新发起）
	CancelAndReissue
)

func (d Decision) String() string {
	if d == CancelAndReissue {
		return "cancel_and_reissue"
	}
	return "allow"
}

// Handle 暴露给加载判定函数的引擎句柄
type Handle interface {
	// URL 当前页面地址
	URL() string
	// Evaluate 在页面中执行表达式并返回按值序列化的结果
	Evaluate(ctx context.Context, expression string) (gjson.Result, error)
}

// Engine 渲染引擎实例
type Engine interface {
	Handle
	// Load 加载请求；带引擎请求ID的请求表示重新发起被取消的原请求
	Load(ctx context.Context, req *domain.Request) error
	// Stop 停止当前加载
	Stop(ctx context.Context) error
	// Close 释放引擎
	Close() error
}

// Delegate 引擎事件接收方
type Delegate interface {
	// WillNavigate 引擎即将发起请求
	WillNavigate(req *domain.Request)
	// DecideNavigation 决定请求是否放行；可修改请求上的标记
	DecideNavigation(req *domain.Request) Decision
	// Settled 引擎认为页面已进入稳定状态（不一定是最终状态）
	Settled()
	// Failed 引擎报告加载失败
	Failed(err error)
}

// Factory 创建绑定到指定 Delegate 的引擎实例
type Factory interface {
	New(ctx context.Context, d Delegate) (Engine, error)
}

// FactoryFunc 函数形式的 Factory
type FactoryFunc func(ctx context.Context, d Delegate) (Engine, error)

func (f FactoryFunc) New(ctx context.Context, d Delegate) (Engine, error) { return f(ctx, d) }
