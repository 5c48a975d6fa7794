package registry

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"pageprimer/internal/logger"
	"pageprimer/pkg/domain"
)

// Session 可以认领请求的预取会话
type Session interface {
	ID() domain.SessionID
	// DidOriginate 请求是否由该会话发起
	DidOriginate(req *domain.Request) bool
	// TagRequest 返回带存储标记的请求副本
	TagRequest(req *domain.Request) *domain.Request
}

// Authority 已注册的缓存权威，负责认领属于其会话的请求。
// 注销按 == 比较，动态类型必须可比较，通常用指针实现。
type Authority interface {
	Claim(req *domain.Request) (Session, bool)
}

// Installer 拦截层的安装开关
type Installer interface {
	Install() error
	Uninstall() error
}

// Registry 按注册顺序保存权威列表。
// 拦截层是否安装严格等于列表是否非空，只有这里会切换它。
type Registry struct {
	mu          sync.Mutex
	authorities []Authority
	installer   Installer
	log         logger.Logger
}

// New 创建注册表
func New(installer Installer, l logger.Logger) *Registry {
	if l == nil {
		l = logger.NewNop()
	}
	return &Registry{installer: installer, log: l}
}

// ErrIncomparableAuthority 权威的动态类型不可比较，无法注销
var ErrIncomparableAuthority = errors.New("authority type is not comparable")

// Register 追加权威；列表由空变为非空时在同一临界区内安装拦截层
func (r *Registry) Register(a Authority) error {
	if !isComparable(a) {
		return fmt.Errorf("register %T: %w", a, ErrIncomparableAuthority)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.authorities) == 0 && r.installer != nil {
		if err := r.installer.Install(); err != nil {
			return fmt.Errorf("install interception layer: %w", err)
		}
		r.log.Info("安装拦截层")
	}
	r.authorities = append(r.authorities, a)
	r.log.Debug("注册缓存权威", "count", len(r.authorities))
	return nil
}

// Unregister 移除第一个匹配的权威；列表变空时卸载拦截层
func (r *Registry) Unregister(a Authority) bool {
	if !isComparable(a) {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := -1
	for i := range r.authorities {
		if r.authorities[i] == a {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}
	r.authorities = append(r.authorities[:idx], r.authorities[idx+1:]...)
	r.log.Debug("注销缓存权威", "count", len(r.authorities))

	if len(r.authorities) == 0 && r.installer != nil {
		if err := r.installer.Uninstall(); err != nil {
			r.log.Err(err, "卸载拦截层失败")
		} else {
			r.log.Info("卸载拦截层")
		}
	}
	return true
}

// FindClaimingSession 逆注册顺序查找认领请求的会话，后注册的权威优先
func (r *Registry) FindClaimingSession(req *domain.Request) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := len(r.authorities) - 1; i >= 0; i-- {
		if s, ok := r.authorities[i].Claim(req); ok {
			return s, true
		}
	}
	return nil, false
}

// Len 返回已注册权威数量
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.authorities)
}

func isComparable(a Authority) bool {
	t := reflect.TypeOf(a)
	return t != nil && t.Comparable()
}
