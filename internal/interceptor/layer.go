package interceptor

import "sync/atomic"

// Layer 拦截层安装开关，只由注册表根据权威数量切换。
// 未安装时 Transport 与 CDP 页面都直接走默认网络路径。
type Layer struct {
	installed atomic.Bool
}

// NewLayer 创建未安装的拦截层
func NewLayer() *Layer { return &Layer{} }

// Install 安装拦截层
func (l *Layer) Install() error {
	l.installed.Store(true)
	return nil
}

// Uninstall 卸载拦截层
func (l *Layer) Uninstall() error {
	l.installed.Store(false)
	return nil
}

// Installed 拦截层是否已安装
func (l *Layer) Installed() bool { return l.installed.Load() }
