// Package cdp 基于 Chrome DevTools Protocol 的渲染引擎实现。
//
// 每个预取会话独占一个浏览器标签页；页面发出的请求在 Fetch 请求阶段暂停，
// 交给会话决策后由拦截器从缓存或网络取得响应并回填给浏览器。
package cdp

import (
	"context"
	"fmt"
	"time"

	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/devtool"
	"github.com/mafredri/cdp/rpcc"

	"pageprimer/internal/engine"
	"pageprimer/internal/interceptor"
	"pageprimer/internal/logger"
)

const (
	defaultProcessTimeout = 3 * time.Second
	defaultSettleInterval = 500 * time.Millisecond
)

// Options 浏览器配置
type Options struct {
	DevToolsURL string
	Interceptor *interceptor.Interceptor
	Layer       *interceptor.Layer
	// Concurrency 同时处理的拦截事件数量，队列长度为其 4 倍
	Concurrency int
	// ProcessTimeoutMS 单次 CDP 命令超时
	ProcessTimeoutMS int
	// SettleInterval 页面加载后重复评估加载判定的间隔
	SettleInterval time.Duration
	Logger         logger.Logger
}

// Manager 浏览器连接管理器，为每个会话创建独立标签页
type Manager struct {
	dt             *devtool.DevTools
	icp            *interceptor.Interceptor
	layer          *interceptor.Layer
	pool           *workerPool
	processTimeout time.Duration
	settleInterval time.Duration
	log            logger.Logger
}

// New 创建浏览器管理器
func New(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 16
	}
	to := time.Duration(opts.ProcessTimeoutMS) * time.Millisecond
	if to <= 0 {
		to = defaultProcessTimeout
	}
	if opts.SettleInterval <= 0 {
		opts.SettleInterval = defaultSettleInterval
	}
	return &Manager{
		dt:             devtool.New(opts.DevToolsURL),
		icp:            opts.Interceptor,
		layer:          opts.Layer,
		pool:           newWorkerPool(opts.Concurrency, opts.Concurrency*4),
		processTimeout: to,
		settleInterval: opts.SettleInterval,
		log:            opts.Logger,
	}
}

// New 打开新标签页并绑定事件接收方，实现 engine.Factory
func (m *Manager) New(ctx context.Context, d engine.Delegate) (engine.Engine, error) {
	t, err := m.dt.Create(ctx)
	if err != nil {
		return nil, fmt.Errorf("create target: %w", err)
	}
	conn, err := rpcc.DialContext(ctx, t.WebSocketDebuggerURL)
	if err != nil {
		m.closeTarget(t)
		return nil, fmt.Errorf("dial target: %w", err)
	}

	pctx, cancel := context.WithCancel(context.Background())
	client := cdp.NewClient(conn)
	p := &Page{
		m:        m,
		target:   t,
		conn:     conn,
		client:   client,
		fetch:    client.Fetch,
		ctx:      pctx,
		cancel:   cancel,
		delegate: d,
		log:      m.log.With("target", string(t.ID)),
	}
	if err := p.enable(ctx); err != nil {
		p.Close()
		return nil, err
	}
	p.log.Info("已打开标签页")
	return p, nil
}

// Close 停止事件处理
func (m *Manager) Close() {
	m.pool.stop()
}

func (m *Manager) closeTarget(t *devtool.Target) {
	ctx, cancel := context.WithTimeout(context.Background(), m.processTimeout)
	defer cancel()
	if err := m.dt.Close(ctx, t); err != nil {
		m.log.Warn("关闭标签页失败", "target", string(t.ID), "error", err)
	}
}
