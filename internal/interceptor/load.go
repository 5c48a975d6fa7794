package interceptor

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"

	"pageprimer/internal/logger"
	"pageprimer/pkg/domain"
)

const readChunk = 32 * 1024

// Client 接收加载事件的调用方
type Client interface {
	// CachedResponse 缓存命中，完整响应同步交付，不再有其他事件
	CachedResponse(resp *domain.Response)
	// ReceivedResponse 收到网络响应头（Body 为空）
	ReceivedResponse(resp *domain.Response)
	// ReceivedData 收到一段响应体
	ReceivedData(data []byte)
	// Finished 网络加载完成
	Finished()
	// Failed 网络加载失败
	Failed(err error)
}

// Load 单个请求的加载过程
type Load struct {
	icp    *Interceptor
	req    *domain.Request
	client Client

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Start 规范化请求；缓存命中时同步交付，否则异步发起网络请求并原样转发事件
func (l *Load) Start(ctx context.Context) {
	canonical := l.icp.Canonicalize(l.req)

	if l.icp.store != nil {
		resp, ok, err := l.icp.store.CachedResponse(ctx, canonical)
		if err != nil {
			l.icp.log.Err(err, "读取缓存失败", "url", canonical.URL)
		} else if ok {
			l.icp.log.Debug("命中缓存", "url", canonical.URL)
			l.client.CachedResponse(resp)
			return
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	l.mu.Lock()
	l.cancel = cancel
	l.done = done
	l.mu.Unlock()

	go func() {
		defer close(done)
		defer cancel()
		l.fetch(ctx, canonical)
	}()
}

// Cancel 中止进行中的网络请求
func (l *Load) Cancel() {
	l.mu.Lock()
	cancel := l.cancel
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait 等待网络请求结束（缓存命中时立即返回）
func (l *Load) Wait() {
	l.mu.Lock()
	done := l.done
	l.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (l *Load) fetch(ctx context.Context, req *domain.Request) {
	log := l.icp.log
	hreq, err := req.HTTPRequest()
	if err != nil {
		l.client.Failed(err)
		return
	}
	hres, err := l.icp.base.RoundTrip(hreq.WithContext(ctx))
	if err != nil {
		if ctx.Err() != nil {
			err = errors.Join(domain.ErrCanceled, err)
		}
		log.Debug("网络请求失败", "url", req.URL, "error", err)
		l.client.Failed(err)
		return
	}
	defer hres.Body.Close()

	resp := domain.FromHTTPResponse(hres)
	resp.URL = req.URL
	l.client.ReceivedResponse(resp)

	var recorded *bytes.Buffer
	if req.HasTag(domain.TagStore) {
		recorded = &bytes.Buffer{}
	}
	buf := make([]byte, readChunk)
	for {
		n, rerr := hres.Body.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			if recorded != nil {
				recorded.Write(chunk)
			}
			l.client.ReceivedData(chunk)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			if ctx.Err() != nil {
				rerr = errors.Join(domain.ErrCanceled, rerr)
			}
			l.client.Failed(rerr)
			return
		}
	}

	if recorded != nil {
		stored := *resp
		stored.Body = recorded.Bytes()
		l.record(ctx, req, &stored)
	}
	l.client.Finished()
}

// record 将带存储标记的请求写入缓存
func (l *Load) record(ctx context.Context, req *domain.Request, resp *domain.Response) {
	if l.icp.store == nil {
		return
	}
	ctx = logger.WithTraceID(context.WithoutCancel(ctx), domain.CacheKey(req))
	if err := l.icp.store.Store(ctx, req, resp); err != nil {
		l.icp.log.Err(err, "写入缓存失败", "key", domain.CacheKey(req))
		return
	}
	l.icp.log.Debug("写入缓存", "key", domain.CacheKey(req), "bytes", len(resp.Body))
}
