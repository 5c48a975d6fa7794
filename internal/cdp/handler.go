package cdp

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/network"

	"pageprimer/internal/engine"
	"pageprimer/pkg/domain"
)

// consume 持续接收拦截事件并按并发限制分发处理
func (p *Page) consume(stream fetch.RequestPausedClient) {
	defer stream.Close()
	p.log.Info("开始消费拦截事件流")
	for {
		ev, err := stream.Recv()
		if err != nil {
			if p.ctx.Err() == nil {
				p.log.Err(err, "接收拦截事件失败")
			}
			return
		}
		p.dispatchPaused(ev)
	}
}

// dispatchPaused 提交到工作池，队列满时等待空位；仅在页面关闭或池已停止时降级放行
func (p *Page) dispatchPaused(ev *fetch.RequestPausedReply) {
	if !p.m.pool.submit(p.ctx, func() { p.handle(ev) }) {
		p.degradeAndContinue(ev, "工作池已停止")
	}
}

// handle 处理一次拦截事件：先由会话决策，再决定由拦截器处理还是直接放行
func (p *Page) handle(ev *fetch.RequestPausedReply) {
	if p.ctx.Err() != nil {
		return
	}
	start := time.Now()
	req := ToDomainRequest(ev)

	if ev.ResourceType == network.ResourceTypeDocument && p.isMainFrame(string(ev.FrameID)) {
		p.mu.Lock()
		p.mainDocument = req.URL
		p.mu.Unlock()
		req.MainDocumentURL = req.URL
	} else {
		req.MainDocumentURL = p.mainDocumentURL()
	}

	decision := engine.Allow
	p.deliver(func(d engine.Delegate) {
		d.WillNavigate(req)
		decision = d.DecideNavigation(req)
	})
	if decision == engine.CancelAndReissue {
		// 替代请求已经通过 Load 发起，会回填同一个请求ID
		p.log.Debug("原请求已取消并重新发起", "url", req.URL)
		return
	}

	if p.m.layer == nil || !p.m.layer.Installed() || !p.m.icp.ShouldHandle(req) {
		p.continueRequest(ev.RequestID)
		p.log.Debug("拦截事件处理完成，直接放行", "url", req.URL, "duration", time.Since(start))
		return
	}
	p.serve(req)
	p.log.Debug("拦截事件处理完成", "url", req.URL, "duration", time.Since(start))
}

// serve 经拦截器取得响应，由 fulfillClient 在加载事件中回填暂停的请求。
// 网络请求在 Load 自己的协程中进行，不占用工作池。
func (p *Page) serve(req *domain.Request) {
	fc := &fulfillClient{p: p, id: fetch.RequestID(req.ID)}
	p.m.icp.NewLoad(req, fc).Start(p.ctx)
}

func (p *Page) commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(p.ctx, p.m.processTimeout)
}

func (p *Page) continueRequest(id fetch.RequestID) {
	ctx, cancel := p.commandContext()
	defer cancel()
	if err := p.fetch.ContinueRequest(ctx, &fetch.ContinueRequestArgs{RequestID: id}); err != nil && p.ctx.Err() == nil {
		p.log.Warn("放行请求失败", "requestID", string(id), "error", err)
	}
}

// degradeAndContinue 统一的降级处理：直接放行请求
func (p *Page) degradeAndContinue(ev *fetch.RequestPausedReply, reason string) {
	p.log.Warn("执行降级策略：直接放行", "reason", reason, "requestID", string(ev.RequestID), "url", ev.Request.URL)
	p.continueRequest(ev.RequestID)
}

// fetchCommands 回填暂停请求所需的 Fetch 域命令
type fetchCommands interface {
	ContinueRequest(ctx context.Context, args *fetch.ContinueRequestArgs) error
	FulfillRequest(ctx context.Context, args *fetch.FulfillRequestArgs) error
	FailRequest(ctx context.Context, args *fetch.FailRequestArgs) error
}

// fulfillClient 收集拦截器的加载事件并回填给浏览器
type fulfillClient struct {
	p    *Page
	id   fetch.RequestID
	mu   sync.Mutex
	resp *domain.Response
	body bytes.Buffer
}

func (c *fulfillClient) CachedResponse(resp *domain.Response) {
	c.fulfill(resp, resp.Body)
}

func (c *fulfillClient) ReceivedResponse(resp *domain.Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resp = resp
}

func (c *fulfillClient) ReceivedData(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.body.Write(data)
}

func (c *fulfillClient) Finished() {
	c.mu.Lock()
	resp := c.resp
	body := c.body.Bytes()
	c.mu.Unlock()
	if resp == nil {
		c.Failed(errors.New("finished without response"))
		return
	}
	c.fulfill(resp, body)
}

func (c *fulfillClient) Failed(err error) {
	reason := network.ErrorReasonFailed
	if domain.IsCanceled(err) {
		reason = network.ErrorReasonAborted
	}
	ctx, cancel := c.p.commandContext()
	defer cancel()
	if ferr := c.p.fetch.FailRequest(ctx, &fetch.FailRequestArgs{RequestID: c.id, ErrorReason: reason}); ferr != nil && c.p.ctx.Err() == nil {
		c.p.log.Warn("回填失败响应失败", "requestID", string(c.id), "error", ferr)
	}
}

func (c *fulfillClient) fulfill(resp *domain.Response, body []byte) {
	ctx, cancel := c.p.commandContext()
	defer cancel()
	args := &fetch.FulfillRequestArgs{RequestID: c.id, ResponseCode: resp.StatusCode}
	if len(resp.Headers) > 0 {
		args.ResponseHeaders = ToHeaderEntries(resp.Headers)
	}
	if len(body) > 0 {
		args.Body = body
	}
	if err := c.p.fetch.FulfillRequest(ctx, args); err != nil && c.p.ctx.Err() == nil {
		c.p.log.Warn("回填响应失败", "requestID", string(c.id), "error", err)
	}
}
