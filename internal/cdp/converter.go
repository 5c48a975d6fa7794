package cdp

import (
	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/tidwall/gjson"

	"pageprimer/pkg/domain"
)

// ToDomainRequest 将 CDP 拦截事件转换为中立 Request 模型
func ToDomainRequest(ev *fetch.RequestPausedReply) *domain.Request {
	req := domain.NewRequest(ev.Request.Method, ev.Request.URL)
	req.ID = string(ev.RequestID)
	req.ResourceType = string(ev.ResourceType)

	// 请求头是 JSON 对象
	gjson.ParseBytes([]byte(ev.Request.Headers)).ForEach(func(k, v gjson.Result) bool {
		req.Headers.Set(k.String(), v.String())
		return true
	})

	if ev.Request.PostData != nil {
		req.Body = []byte(*ev.Request.PostData)
	}
	return req
}

// ToHeaderEntries 将中立 Header 转换为 CDP Header 条目
func ToHeaderEntries(h domain.Header) []fetch.HeaderEntry {
	entries := make([]fetch.HeaderEntry, 0, len(h))
	for k, v := range h {
		entries = append(entries, fetch.HeaderEntry{Name: k, Value: v})
	}
	return entries
}
