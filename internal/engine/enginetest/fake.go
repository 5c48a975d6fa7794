// Package enginetest 提供用于测试的内存渲染引擎
package enginetest

import (
	"context"
	"errors"
	"sync"

	"github.com/tidwall/gjson"

	"pageprimer/internal/engine"
	"pageprimer/pkg/domain"
)

// Engine 由测试驱动事件的假引擎
type Engine struct {
	deliverMu sync.Mutex

	mu       sync.Mutex
	delegate engine.Delegate
	url      string
	loads    []*domain.Request
	stops    int
	closed   bool
	values   map[string]string

	// LoadErr 非空时 Load 返回该错误
	LoadErr error
}

// Factory 记录创建出的引擎
type Factory struct {
	mu      sync.Mutex
	engines []*Engine
	// NewErr 非空时创建失败
	NewErr error
	// Setup 在引擎创建后调用
	Setup func(*Engine)
}

func (f *Factory) New(_ context.Context, d engine.Delegate) (engine.Engine, error) {
	if f.NewErr != nil {
		return nil, f.NewErr
	}
	e := &Engine{delegate: d, values: make(map[string]string)}
	if f.Setup != nil {
		f.Setup(e)
	}
	f.mu.Lock()
	f.engines = append(f.engines, e)
	f.mu.Unlock()
	return e, nil
}

// Last 最近创建的引擎
func (f *Factory) Last() *Engine {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.engines) == 0 {
		return nil
	}
	return f.engines[len(f.engines)-1]
}

// Count 创建过的引擎数量
func (f *Factory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.engines)
}

// SetValue 设置表达式的求值结果（JSON 文本）
func (e *Engine) SetValue(expression, json string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.values[expression] = json
}

func (e *Engine) URL() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.url
}

func (e *Engine) Evaluate(_ context.Context, expression string) (gjson.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.values[expression]
	if !ok {
		return gjson.Result{}, errors.New("no value for expression")
	}
	return gjson.Parse(v), nil
}

func (e *Engine) Load(_ context.Context, req *domain.Request) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.LoadErr != nil {
		return e.LoadErr
	}
	if req.ID == "" {
		e.url = req.URL
	}
	e.loads = append(e.loads, req.Clone())
	return nil
}

func (e *Engine) Stop(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stops++
	return nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// Loads 返回所有 Load 调用的请求
func (e *Engine) Loads() []*domain.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*domain.Request(nil), e.loads...)
}

// Stops 返回 Stop 调用次数
func (e *Engine) Stops() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stops
}

// Closed 是否已释放
func (e *Engine) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Navigate 模拟引擎发起请求：先通知再询问决策
func (e *Engine) Navigate(req *domain.Request) engine.Decision {
	e.deliverMu.Lock()
	defer e.deliverMu.Unlock()
	e.delegate.WillNavigate(req)
	return e.delegate.DecideNavigation(req)
}

// Settle 模拟页面稳定事件
func (e *Engine) Settle() {
	e.deliverMu.Lock()
	defer e.deliverMu.Unlock()
	e.delegate.Settled()
}

// Fail 模拟加载失败事件
func (e *Engine) Fail(err error) {
	e.deliverMu.Lock()
	defer e.deliverMu.Unlock()
	e.delegate.Failed(err)
}
