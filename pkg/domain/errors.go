package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCanceled 操作被取消（重新发起路径或显式取消），不属于会话失败
	ErrCanceled = errors.New("operation canceled")
	// ErrNotIdle 会话已经启动
	ErrNotIdle = errors.New("session already started")
	// ErrSessionNotFound 会话不存在
	ErrSessionNotFound = errors.New("session not found")
)

// EngineLoadError 渲染引擎报告的加载失败
type EngineLoadError struct {
	URL string
	Err error
}

func (e *EngineLoadError) Error() string {
	return fmt.Sprintf("engine load %s: %v", e.URL, e.Err)
}

func (e *EngineLoadError) Unwrap() error { return e.Err }

// IsCanceled 判断错误是否为取消
func IsCanceled(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCanceled) || errors.Is(err, context.Canceled) {
		return true
	}
	return strings.Contains(err.Error(), "net::ERR_ABORTED")
}
