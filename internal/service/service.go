// Package service 组装注册表、拦截器、会话管理器、缓存与渲染引擎
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"pageprimer/internal/cache"
	"pageprimer/internal/cdp"
	"pageprimer/internal/config"
	"pageprimer/internal/connectivity"
	"pageprimer/internal/engine"
	"pageprimer/internal/interceptor"
	"pageprimer/internal/logger"
	"pageprimer/internal/registry"
	"pageprimer/internal/rules"
	"pageprimer/internal/session"
	"pageprimer/pkg/domain"
)

const historySize = 256

// PrimeRequest 预取请求
type PrimeRequest struct {
	URL string
	// Loaded 页面稳定时判定是否完成，默认第一次稳定即完成
	Loaded engine.LoadedFunc
	// OnComplete 会话完成时调用，至多一次
	OnComplete func(id domain.SessionID)
	// OnFailure 会话失败时调用，至多一次，与 OnComplete 互斥
	OnFailure func(id domain.SessionID, err error)
	// Policy 存储策略，默认使用配置中的排除规则
	Policy session.StoragePolicy
}

// Options 服务依赖；未设置的依赖按配置创建
type Options struct {
	Config *config.Config
	Logger logger.Logger
	// Factory 渲染引擎工厂，默认连接配置中的浏览器
	Factory engine.Factory
	// Store 缓存存储，默认按配置打开 sqlite，未配置 dsn 时使用内存存储
	Store cache.Store
	// Base 实际发起网络请求的传输层
	Base http.RoundTripper
	// Offline 离线状态，默认使用连通性探测
	Offline cache.OfflineFunc
}

// Service 预取服务
type Service struct {
	cfg      *config.Config
	log      logger.Logger
	store    cache.Store
	monitor  *connectivity.Monitor
	layer    *interceptor.Layer
	registry *registry.Registry
	icp      *interceptor.Interceptor
	manager  *session.Manager
	browser  *cdp.Manager
	rules    *rules.Engine

	mu      sync.Mutex
	history map[domain.SessionID]domain.SessionInfo
	order   []domain.SessionID
	closed  bool
}

// New 创建预取服务并把会话管理器注册为缓存权威
func New(opts Options) (*Service, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.NewConfig()
	}
	l := opts.Logger
	if l == nil {
		l = logger.NewNop()
	}

	s := &Service{
		cfg:     cfg,
		log:     l,
		layer:   interceptor.NewLayer(),
		rules:   rules.New(toRules(cfg.Storage.Exclude)),
		history: make(map[domain.SessionID]domain.SessionInfo),
	}

	s.monitor = connectivity.New(connectivity.Options{
		ProbeURL: cfg.Connectivity.ProbeURL,
		Interval: time.Duration(cfg.Connectivity.IntervalMS) * time.Millisecond,
		Timeout:  time.Duration(cfg.Connectivity.TimeoutMS) * time.Millisecond,
		Logger:   l.With("component", "connectivity"),
	})
	offline := opts.Offline
	if offline == nil {
		offline = s.monitor.Offline
	}

	s.store = opts.Store
	if s.store == nil {
		if cfg.Sqlite.Dsn != "" {
			st, err := cache.OpenSQLStore(cfg.Sqlite.Dsn, cfg.Sqlite.Prefix, offline, l.With("component", "cache"))
			if err != nil {
				return nil, err
			}
			s.store = st
		} else {
			s.store = cache.NewMemoryStore(offline)
		}
	}

	s.registry = registry.New(s.layer, l.With("component", "registry"))
	s.icp = interceptor.New(interceptor.Config{
		Registry: s.registry,
		Store:    s.store,
		Base:     opts.Base,
		Logger:   l.With("component", "interceptor"),
	})

	factory := opts.Factory
	if factory == nil {
		s.browser = cdp.New(cdp.Options{
			DevToolsURL:      cfg.Browser.DevToolsURL,
			Interceptor:      s.icp,
			Layer:            s.layer,
			Concurrency:      cfg.Browser.Concurrency,
			ProcessTimeoutMS: cfg.Browser.ProcessTimeoutMS,
			Logger:           l.With("component", "cdp"),
		})
		factory = s.browser
	}
	s.manager = session.NewManager(factory, l.With("component", "session"))

	if err := s.registry.Register(s.manager); err != nil {
		s.closeStore()
		return nil, err
	}
	if opts.Offline == nil {
		s.monitor.Start(context.Background())
	}
	l.Info("预取服务已启动", "store", fmt.Sprintf("%T", s.store))
	return s, nil
}

// RegisterAuthority 注册额外的缓存权威
func (s *Service) RegisterAuthority(a registry.Authority) error {
	return s.registry.Register(a)
}

// UnregisterAuthority 注销缓存权威
func (s *Service) UnregisterAuthority(a registry.Authority) bool {
	return s.registry.Unregister(a)
}

// PrimePage 启动预取会话；完成或失败通过回调通知
func (s *Service) PrimePage(ctx context.Context, pr PrimeRequest) (domain.SessionID, error) {
	if pr.URL == "" {
		return "", errors.New("prime: empty url")
	}
	policy := pr.Policy
	if policy == nil {
		policy = s.rules.Policy()
	}
	loaded := pr.Loaded
	if loaded == nil {
		loaded = engine.Always
	}

	sess := s.manager.Create(policy)
	id := sess.ID()
	s.remember(domain.SessionInfo{ID: id, URL: pr.URL, State: domain.StateLoading})

	onComplete := func(cs *session.Session) {
		s.remember(domain.SessionInfo{ID: id, URL: pr.URL, Target: cs.Target(), State: domain.StateCompleted})
		if pr.OnComplete != nil {
			pr.OnComplete(id)
		}
	}
	onFailure := func(err error) {
		s.remember(domain.SessionInfo{ID: id, URL: pr.URL, Target: sess.Target(), State: domain.StateFailed, Error: err.Error()})
		if pr.OnFailure != nil {
			pr.OnFailure(id, err)
		}
	}

	if err := sess.Start(ctx, pr.URL, loaded, onComplete, onFailure); err != nil {
		s.manager.Delete(id)
		return "", err
	}
	return id, nil
}

// Cancel 取消进行中的会话，不触发回调
func (s *Service) Cancel(id domain.SessionID) error {
	sess, ok := s.manager.Get(id)
	if !ok {
		return fmt.Errorf("cancel %s: %w", id, domain.ErrSessionNotFound)
	}
	if sess.Cancel() {
		s.remember(domain.SessionInfo{ID: id, URL: sess.URL(), Target: sess.Target(), State: domain.StateCanceled})
	}
	return nil
}

// Session 返回会话快照，包括最近结束的会话
func (s *Service) Session(id domain.SessionID) (domain.SessionInfo, error) {
	if sess, ok := s.manager.Get(id); ok {
		return domain.SessionInfo{ID: id, URL: sess.URL(), Target: sess.Target(), State: sess.State()}, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if info, ok := s.history[id]; ok {
		return info, nil
	}
	return domain.SessionInfo{}, fmt.Errorf("session %s: %w", id, domain.ErrSessionNotFound)
}

// Transport 经过拦截层的 HTTP 传输层
func (s *Service) Transport() http.RoundTripper {
	return &interceptor.Transport{Interceptor: s.icp, Layer: s.layer}
}

// Store 缓存存储
func (s *Service) Store() cache.Store { return s.store }

// SetOffline 强制离线（仅对默认连通性探测生效）
func (s *Service) SetOffline(v bool) { s.monitor.ForceOffline(v) }

// Close 取消所有会话、注销权威并释放资源
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	for _, sess := range s.manager.List() {
		sess.Cancel()
	}
	s.registry.Unregister(s.manager)
	if s.browser != nil {
		s.browser.Close()
	}
	s.monitor.Stop()
	err := s.closeStore()
	s.log.Info("预取服务已关闭")
	return err
}

func (s *Service) closeStore() error {
	if c, ok := s.store.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// remember 记录会话快照，超过容量时淘汰最早的记录
func (s *Service) remember(info domain.SessionInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.history[info.ID]; !ok {
		s.order = append(s.order, info.ID)
		if len(s.order) > historySize {
			delete(s.history, s.order[0])
			s.order = s.order[1:]
		}
	}
	s.history[info.ID] = info
}

func toRules(rs []config.ExcludeRule) []rules.Rule {
	out := make([]rules.Rule, 0, len(rs))
	for _, r := range rs {
		out = append(out, rules.Rule{Mode: rules.Mode(r.Mode), Pattern: r.Pattern})
	}
	return out
}
