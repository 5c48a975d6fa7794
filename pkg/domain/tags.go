package domain

import (
	"context"
	"sort"
)

// Tag 附加在请求实例上的不透明标记
type Tag string

const (
	// TagHandled 已被拦截器处理，不再重复拦截
	TagHandled Tag = "handled"
	// TagStore 需要写入缓存（仅由预取会话设置）
	TagStore Tag = "store"
	// TagNoStore 因存储策略被排除后重新发起的请求
	TagNoStore Tag = "no-store"
)

// SetTag 设置标记（重复设置无副作用）
func (r *Request) SetTag(t Tag) {
	if r.tags == nil {
		r.tags = make(map[Tag]struct{}, 2)
	}
	r.tags[t] = struct{}{}
}

// HasTag 判断是否带有标记
func (r *Request) HasTag(t Tag) bool {
	_, ok := r.tags[t]
	return ok
}

// ClearTag 移除标记
func (r *Request) ClearTag(t Tag) {
	delete(r.tags, t)
}

// Tags 按字典序返回全部标记
func (r *Request) Tags() []Tag {
	out := make([]Tag, 0, len(r.tags))
	for t := range r.tags {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type mainDocumentKey struct{}

// WithMainDocument 在上下文中声明请求所属的顶层文档
func WithMainDocument(ctx context.Context, documentURL string) context.Context {
	return context.WithValue(ctx, mainDocumentKey{}, documentURL)
}

// MainDocumentFromContext 读取上下文中声明的顶层文档
func MainDocumentFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(mainDocumentKey{}).(string)
	return v
}
