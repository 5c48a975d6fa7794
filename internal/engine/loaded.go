package engine

import (
	"context"
	"strconv"
	"time"
)

// LoadedFunc 判定页面是否已加载完成
type LoadedFunc func(h Handle) bool

const evaluateTimeout = 5 * time.Second

// Always 第一次稳定即视为完成
func Always(Handle) bool { return true }

// ReadyStateComplete document.readyState 为 complete 时视为完成
func ReadyStateComplete(h Handle) bool {
	ctx, cancel := context.WithTimeout(context.Background(), evaluateTimeout)
	defer cancel()
	res, err := h.Evaluate(ctx, "document.readyState")
	if err != nil {
		return false
	}
	return res.String() == "complete"
}

// SelectorPresent 页面中出现指定选择器的元素时视为完成
func SelectorPresent(selector string) LoadedFunc {
	expr := "document.querySelector(" + strconv.Quote(selector) + ") !== null"
	return func(h Handle) bool {
		ctx, cancel := context.WithTimeout(context.Background(), evaluateTimeout)
		defer cancel()
		res, err := h.Evaluate(ctx, expr)
		if err != nil {
			return false
		}
		return res.Bool()
	}
}

// AllOf 所有判定都满足时视为完成
func AllOf(fns ...LoadedFunc) LoadedFunc {
	return func(h Handle) bool {
		for _, fn := range fns {
			if !fn(h) {
				return false
			}
		}
		return true
	}
}
