package domain

import (
	"bytes"
	"io"
	"net/http"
	"net/url"
	"strings"
)

type SessionID string

// State 预取会话状态
type State string

const (
	StateIdle      State = "idle"
	StateLoading   State = "loading"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCanceled  State = "canceled"
)

// Terminal 是否为终止状态
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCanceled
}

// SessionInfo 预取会话快照
type SessionInfo struct {
	ID     SessionID `json:"id"`
	URL    string    `json:"url"`
	Target string    `json:"target,omitempty"`
	State  State     `json:"state"`
	Error  string    `json:"error,omitempty"`
}

// CachePolicy 请求的缓存指令
type CachePolicy int

const (
	// UseProtocolCachePolicy 按网络栈默认规则处理
	UseProtocolCachePolicy CachePolicy = iota
	// ReturnCacheDataElseLoad 有缓存则返回缓存，否则走网络
	ReturnCacheDataElseLoad
)

// Header 封装通用的头部操作
type Header map[string]string

// Get 获取指定 Header 的值（大小写不敏感）
func (h Header) Get(key string) string {
	if h == nil {
		return ""
	}
	return h[strings.ToLower(key)]
}

// Set 设置指定 Header 的值（自动转换为小写）
func (h Header) Set(key, value string) {
	h[strings.ToLower(key)] = value
}

// Del 删除指定 Header
func (h Header) Del(key string) {
	delete(h, strings.ToLower(key))
}

// Clone 复制 Header
func (h Header) Clone() Header {
	out := make(Header, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// Request 中立的请求模型
type Request struct {
	ID              string      // 引擎侧的请求ID（为空表示非引擎发起）
	URL             string      // 完整URL
	MainDocumentURL string      // 所属顶层文档URL
	Method          string      // HTTP方法
	Headers         Header      // 请求头
	Body            []byte      // 请求体原始数据
	ResourceType    string      // 资源类型 (如 Document, XHR)
	CachePolicy     CachePolicy // 缓存指令
	tags            map[Tag]struct{}
}

// Response 中立的响应模型
type Response struct {
	URL        string // 响应对应的URL
	StatusCode int    // 状态码
	Headers    Header // 响应头
	Body       []byte // 响应体数据
}

// NewRequest 创建初始化请求对象
func NewRequest(method, rawURL string) *Request {
	if method == "" {
		method = http.MethodGet
	}
	return &Request{
		URL:     rawURL,
		Method:  strings.ToUpper(method),
		Headers: make(Header),
	}
}

// NewResponse 创建初始化响应对象
func NewResponse() *Response {
	return &Response{
		StatusCode: http.StatusOK,
		Headers:    make(Header),
	}
}

// Clone 深拷贝请求（包括标记）
func (r *Request) Clone() *Request {
	c := *r
	c.Headers = r.Headers.Clone()
	if r.Body != nil {
		c.Body = append([]byte(nil), r.Body...)
	}
	c.tags = nil
	for t := range r.tags {
		c.SetTag(t)
	}
	return &c
}

// DocumentURL 请求声明的顶层文档，未声明时顶层文档请求即为自身
func (r *Request) DocumentURL() string {
	if r.MainDocumentURL != "" {
		return r.MainDocumentURL
	}
	return r.URL
}

// Host 返回请求URL的主机名
func (r *Request) Host() string {
	u, err := url.Parse(r.URL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// HTTPRequest 转换为 net/http 请求
func (r *Request) HTTPRequest() (*http.Request, error) {
	var body io.Reader
	if len(r.Body) > 0 {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequest(r.Method, r.URL, body)
	if err != nil {
		return nil, err
	}
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// FromHTTPRequest 将 net/http 请求转换为中立模型（不读取请求体）
func FromHTTPRequest(r *http.Request) *Request {
	req := NewRequest(r.Method, r.URL.String())
	for k, vals := range r.Header {
		if len(vals) > 0 {
			req.Headers.Set(k, vals[0])
		}
	}
	req.MainDocumentURL = MainDocumentFromContext(r.Context())
	return req
}

// FromHTTPResponse 将 net/http 响应头转换为中立模型（不读取响应体）
func FromHTTPResponse(r *http.Response) *Response {
	res := NewResponse()
	res.StatusCode = r.StatusCode
	if r.Request != nil && r.Request.URL != nil {
		res.URL = r.Request.URL.String()
	}
	for k, vals := range r.Header {
		if len(vals) > 0 {
			res.Headers.Set(k, vals[0])
		}
	}
	return res
}

// CacheKey 计算缓存等价键：方法 + 去除片段后的URL
func CacheKey(r *Request) string {
	raw := r.URL
	if u, err := url.Parse(raw); err == nil {
		u.Fragment = ""
		u.RawFragment = ""
		raw = u.String()
	}
	return r.Method + " " + raw
}
