package interceptor

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"sync"

	"pageprimer/pkg/domain"
)

const cacheStatusName = "pageprimer"

// Transport 把拦截器接入 net/http 客户端的传输层
type Transport struct {
	Interceptor *Interceptor
	Layer       *Layer
	// Base 不处理的请求走该传输层，默认使用拦截器的网络传输层
	Base http.RoundTripper
}

// RoundTrip implements http.RoundTripper
func (t *Transport) RoundTrip(r *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = t.Interceptor.base
	}
	if t.Layer == nil || !t.Layer.Installed() {
		return base.RoundTrip(r)
	}

	req := domain.FromHTTPRequest(r)
	out := r
	if r.Body != nil && r.Body != http.NoBody {
		body, err := io.ReadAll(r.Body)
		r.Body.Close()
		if err != nil {
			return nil, err
		}
		req.Body = body
		out = r.Clone(r.Context())
		out.Body = io.NopCloser(bytes.NewReader(body))
	}
	if !t.Interceptor.ShouldHandle(req) {
		return base.RoundTrip(out)
	}

	pc := &pipeClient{req: r, ready: make(chan roundTripResult, 1)}
	load := t.Interceptor.NewLoad(req, pc)
	pc.cancel = load.Cancel
	load.Start(r.Context())

	select {
	case res := <-pc.ready:
		return res.resp, res.err
	case <-r.Context().Done():
		load.Cancel()
		return nil, r.Context().Err()
	}
}

type roundTripResult struct {
	resp *http.Response
	err  error
}

// pipeClient 把加载事件桥接为 *http.Response
type pipeClient struct {
	req    *http.Request
	ready  chan roundTripResult
	once   sync.Once
	cancel func()
	pw     *io.PipeWriter
}

func (c *pipeClient) deliver(res roundTripResult) {
	c.once.Do(func() { c.ready <- res })
}

func (c *pipeClient) CachedResponse(resp *domain.Response) {
	body := io.NopCloser(bytes.NewReader(resp.Body))
	hres := toHTTPResponse(c.req, resp, body, int64(len(resp.Body)))
	hres.Header.Add("Cache-Status", cacheStatusName+"; hit")
	c.deliver(roundTripResult{resp: hres})
}

func (c *pipeClient) ReceivedResponse(resp *domain.Response) {
	pr, pw := io.Pipe()
	c.pw = pw
	hres := toHTTPResponse(c.req, resp, &cancelOnClose{ReadCloser: pr, cancel: c.cancel}, -1)
	hres.Header.Add("Cache-Status", cacheStatusName+"; fwd=miss")
	c.deliver(roundTripResult{resp: hres})
}

func (c *pipeClient) ReceivedData(data []byte) {
	// 读取方提前关闭时写入失败，剩余数据丢弃
	_, _ = c.pw.Write(data)
}

func (c *pipeClient) Finished() {
	c.pw.Close()
}

func (c *pipeClient) Failed(err error) {
	if c.pw != nil {
		c.pw.CloseWithError(err)
		return
	}
	c.deliver(roundTripResult{err: err})
}

type cancelOnClose struct {
	io.ReadCloser
	cancel func()
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	if c.cancel != nil {
		c.cancel()
	}
	return err
}

func toHTTPResponse(req *http.Request, resp *domain.Response, body io.ReadCloser, length int64) *http.Response {
	h := make(http.Header, len(resp.Headers))
	for k, v := range resp.Headers {
		h.Set(k, v)
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode)),
		StatusCode:    resp.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          body,
		ContentLength: length,
		Request:       req,
	}
}
