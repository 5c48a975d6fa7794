package cdp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/devtool"
	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/network"
	"github.com/mafredri/cdp/protocol/page"
	"github.com/mafredri/cdp/protocol/runtime"
	"github.com/mafredri/cdp/rpcc"
	"github.com/tidwall/gjson"

	"pageprimer/internal/engine"
	"pageprimer/internal/logger"
	"pageprimer/pkg/domain"
)

// Page 单个标签页上的渲染引擎
type Page struct {
	m      *Manager
	target *devtool.Target
	conn   *rpcc.Conn
	client *cdp.Client
	fetch  fetchCommands
	ctx    context.Context
	cancel context.CancelFunc
	log    logger.Logger

	// deliverMu 保证 Delegate 回调逐个投递
	deliverMu sync.Mutex
	delegate  engine.Delegate

	mu            sync.Mutex
	url           string
	mainFrame     string
	mainDocument  string
	mainRequestID network.RequestID

	recheckOnce sync.Once
	closeOnce   sync.Once
	closeErr    error
}

// enable 启用所需的 CDP 域并订阅事件流
func (p *Page) enable(ctx context.Context) error {
	c := p.client
	if err := c.Page.Enable(ctx); err != nil {
		return fmt.Errorf("enable page: %w", err)
	}
	if err := c.Network.Enable(ctx, nil); err != nil {
		return fmt.Errorf("enable network: %w", err)
	}
	if err := c.Page.SetLifecycleEventsEnabled(ctx, page.NewSetLifecycleEventsEnabledArgs(true)); err != nil {
		return fmt.Errorf("enable lifecycle events: %w", err)
	}
	tree, err := c.Page.GetFrameTree(ctx)
	if err != nil {
		return fmt.Errorf("get frame tree: %w", err)
	}
	p.mainFrame = string(tree.FrameTree.Frame.ID)

	paused, err := c.Fetch.RequestPaused(p.ctx)
	if err != nil {
		return fmt.Errorf("subscribe request paused: %w", err)
	}
	loaded, err := c.Page.LoadEventFired(p.ctx)
	if err != nil {
		paused.Close()
		return fmt.Errorf("subscribe load event: %w", err)
	}
	lifecycle, err := c.Page.LifecycleEvent(p.ctx)
	if err != nil {
		paused.Close()
		loaded.Close()
		return fmt.Errorf("subscribe lifecycle: %w", err)
	}
	navigated, err := c.Page.FrameNavigated(p.ctx)
	if err != nil {
		paused.Close()
		loaded.Close()
		lifecycle.Close()
		return fmt.Errorf("subscribe frame navigated: %w", err)
	}
	willSend, err := c.Network.RequestWillBeSent(p.ctx)
	if err != nil {
		paused.Close()
		loaded.Close()
		lifecycle.Close()
		navigated.Close()
		return fmt.Errorf("subscribe request will be sent: %w", err)
	}
	failed, err := c.Network.LoadingFailed(p.ctx)
	if err != nil {
		paused.Close()
		loaded.Close()
		lifecycle.Close()
		navigated.Close()
		willSend.Close()
		return fmt.Errorf("subscribe loading failed: %w", err)
	}

	pattern := "*"
	err = c.Fetch.Enable(ctx, &fetch.EnableArgs{Patterns: []fetch.RequestPattern{
		{URLPattern: &pattern, RequestStage: fetch.RequestStageRequest},
	}})
	if err != nil {
		paused.Close()
		loaded.Close()
		lifecycle.Close()
		navigated.Close()
		willSend.Close()
		failed.Close()
		return fmt.Errorf("enable fetch: %w", err)
	}

	go p.consume(paused)
	go p.watchLoad(loaded)
	go p.watchLifecycle(lifecycle)
	go p.watchNavigated(navigated)
	go p.watchWillSend(willSend)
	go p.watchFailed(failed)
	return nil
}

// URL 当前页面地址
func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

// Evaluate 在页面中执行表达式，按值返回结果
func (p *Page) Evaluate(ctx context.Context, expression string) (gjson.Result, error) {
	args := runtime.NewEvaluateArgs(expression).SetReturnByValue(true).SetAwaitPromise(true)
	reply, err := p.client.Runtime.Evaluate(ctx, args)
	if err != nil {
		return gjson.Result{}, err
	}
	if reply.ExceptionDetails != nil {
		return gjson.Result{}, fmt.Errorf("evaluate %q: %s", expression, reply.ExceptionDetails.Text)
	}
	return gjson.ParseBytes(reply.Result.Value), nil
}

// Load 导航到请求地址；带请求ID的请求是被取消原请求的替代，经拦截器取得响应后回填
func (p *Page) Load(ctx context.Context, req *domain.Request) error {
	if req.ID != "" {
		go p.serve(req)
		return nil
	}

	p.mu.Lock()
	p.url = req.URL
	p.mu.Unlock()

	reply, err := p.client.Page.Navigate(ctx, page.NewNavigateArgs(req.URL))
	if err != nil {
		return fmt.Errorf("navigate %s: %w", req.URL, err)
	}
	if reply.ErrorText != nil && *reply.ErrorText != "" {
		return fmt.Errorf("navigate %s: %s", req.URL, *reply.ErrorText)
	}
	return nil
}

// Stop 停止页面加载
func (p *Page) Stop(ctx context.Context) error {
	if p.ctx.Err() != nil {
		return nil
	}
	return p.client.Page.StopLoading(ctx)
}

// Close 断开连接并关闭标签页，可重复调用
func (p *Page) Close() error {
	p.closeOnce.Do(func() {
		p.cancel()
		if p.conn != nil {
			p.closeErr = p.conn.Close()
		}
		if p.target != nil {
			p.m.closeTarget(p.target)
		}
		p.log.Info("已关闭标签页")
	})
	return p.closeErr
}

// deliver 串行投递 Delegate 回调
func (p *Page) deliver(fn func(d engine.Delegate)) {
	if p.ctx.Err() != nil {
		return
	}
	p.deliverMu.Lock()
	defer p.deliverMu.Unlock()
	fn(p.delegate)
}

func (p *Page) isMainFrame(frameID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return frameID == p.mainFrame
}

func (p *Page) mainDocumentURL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mainDocument
}

func (p *Page) settle() {
	p.deliver(func(d engine.Delegate) { d.Settled() })
}

// watchLoad load 事件后进入稳定状态，并周期性重新评估加载判定
func (p *Page) watchLoad(stream page.LoadEventFiredClient) {
	defer stream.Close()
	for {
		if _, err := stream.Recv(); err != nil {
			return
		}
		p.log.Debug("页面 load 事件")
		p.settle()
		p.recheckOnce.Do(func() { go p.recheck() })
	}
}

func (p *Page) recheck() {
	t := time.NewTicker(p.m.settleInterval)
	defer t.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-t.C:
			p.settle()
		}
	}
}

func (p *Page) watchLifecycle(stream page.LifecycleEventClient) {
	defer stream.Close()
	for {
		ev, err := stream.Recv()
		if err != nil {
			return
		}
		if ev.Name == "networkIdle" && p.isMainFrame(string(ev.FrameID)) {
			p.log.Debug("主框架网络空闲")
			p.settle()
		}
	}
}

func (p *Page) watchNavigated(stream page.FrameNavigatedClient) {
	defer stream.Close()
	for {
		ev, err := stream.Recv()
		if err != nil {
			return
		}
		if ev.Frame.ParentID != nil {
			continue
		}
		p.mu.Lock()
		p.mainFrame = string(ev.Frame.ID)
		p.url = ev.Frame.URL
		p.mu.Unlock()
	}
}

// watchWillSend 记录主文档的网络请求ID，用于识别主文档加载失败
func (p *Page) watchWillSend(stream network.RequestWillBeSentClient) {
	defer stream.Close()
	for {
		ev, err := stream.Recv()
		if err != nil {
			return
		}
		if ev.Type != network.ResourceTypeDocument || ev.FrameID == nil {
			continue
		}
		if !p.isMainFrame(string(*ev.FrameID)) {
			continue
		}
		p.mu.Lock()
		p.mainRequestID = ev.RequestID
		p.mu.Unlock()
	}
}

func (p *Page) watchFailed(stream network.LoadingFailedClient) {
	defer stream.Close()
	for {
		ev, err := stream.Recv()
		if err != nil {
			return
		}
		p.onLoadingFailed(ev)
	}
}

// onLoadingFailed 只有主文档的加载失败会通知 Delegate
func (p *Page) onLoadingFailed(ev *network.LoadingFailedReply) {
	p.mu.Lock()
	isMain := p.mainRequestID != "" && ev.RequestID == p.mainRequestID
	p.mu.Unlock()
	if !isMain {
		return
	}
	ferr := errors.New(ev.ErrorText)
	if ev.Canceled != nil && *ev.Canceled {
		ferr = errors.Join(domain.ErrCanceled, ferr)
	}
	p.log.Debug("主文档加载失败", "error", ferr)
	p.deliver(func(d engine.Delegate) { d.Failed(ferr) })
}
