package session

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"pageprimer/internal/engine"
	"pageprimer/internal/logger"
	"pageprimer/pkg/domain"
)

// StoragePolicy 判断请求是否应写入缓存，返回 false 表示排除
type StoragePolicy func(req *domain.Request) bool

// CompleteFunc 预取完成回调
type CompleteFunc func(s *Session)

// FailureFunc 预取失败回调
type FailureFunc func(err error)

const releaseTimeout = 5 * time.Second

// Options 会话依赖
type Options struct {
	Factory engine.Factory
	Policy  StoragePolicy
	Logger  logger.Logger
	// OnTerminal 进入终止状态后调用（在回调之后）
	OnTerminal func(s *Session)
}

// Session 驱动一个渲染引擎实例预取单个页面。
// 所有状态读写都在 mu 内完成；完成与失败回调各至多触发一次且互斥。
type Session struct {
	id         domain.SessionID
	factory    engine.Factory
	policy     StoragePolicy
	onTerminal func(s *Session)
	log        logger.Logger

	mu         sync.Mutex
	state      domain.State
	url        string
	target     string
	loaded     engine.LoadedFunc
	onComplete CompleteFunc
	onFailure  FailureFunc
	eng        engine.Engine
}

// New 创建空闲状态的会话
func New(id domain.SessionID, opts Options) *Session {
	l := opts.Logger
	if l == nil {
		l = logger.NewNop()
	}
	return &Session{
		id:         id,
		factory:    opts.Factory,
		policy:     opts.Policy,
		onTerminal: opts.OnTerminal,
		log:        l.With("session", string(id)),
		state:      domain.StateIdle,
	}
}

// ID 返回会话ID
func (s *Session) ID() domain.SessionID { return s.id }

// State 返回当前状态
func (s *Session) State() domain.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// URL 返回预取的目标地址
func (s *Session) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

// Target 返回记录的顶层文档标识，未记录时为空
func (s *Session) Target() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target
}

// Start 保存回调、进入加载状态并让引擎加载目标地址
func (s *Session) Start(ctx context.Context, url string, loaded engine.LoadedFunc, onComplete CompleteFunc, onFailure FailureFunc) error {
	s.mu.Lock()
	if s.state != domain.StateIdle {
		s.mu.Unlock()
		return domain.ErrNotIdle
	}
	s.url = url
	s.loaded = loaded
	s.onComplete = onComplete
	s.onFailure = onFailure
	s.state = domain.StateLoading
	s.mu.Unlock()

	// 创建引擎可能涉及网络往返，不能持锁：DidOriginate 在注册表锁内被调用
	eng, err := s.factory.New(ctx, s)
	if err != nil {
		s.log.Err(err, "创建渲染引擎失败", "url", url)
		s.fail(err)
		return nil
	}
	s.mu.Lock()
	if s.state != domain.StateLoading {
		s.mu.Unlock()
		s.log.Debug("引擎创建期间会话已结束，释放引擎", "url", url)
		s.release(eng)
		return nil
	}
	s.eng = eng
	s.mu.Unlock()

	s.log.Info("开始预取页面", "url", url)
	req := domain.NewRequest(http.MethodGet, url)
	req.ResourceType = "Document"
	req.SetTag(domain.TagStore)
	if err := eng.Load(ctx, req); err != nil {
		s.log.Err(err, "引擎加载失败", "url", url)
		s.Failed(err)
	}
	return nil
}

// WillNavigate 记录顶层文档标识（仅首次）
func (s *Session) WillNavigate(req *domain.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.captureTarget(req)
}

// DecideNavigation 决定请求的去留：被存储策略排除的请求以不带存储标记的方式重新发起，原请求取消
func (s *Session) DecideNavigation(req *domain.Request) engine.Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.captureTarget(req)

	if s.state != domain.StateLoading || s.eng == nil || req.HasTag(domain.TagNoStore) {
		req.ClearTag(domain.TagStore)
		return engine.Allow
	}

	if s.policy != nil && !s.policy(req) {
		reissue := req.Clone()
		reissue.ClearTag(domain.TagStore)
		reissue.SetTag(domain.TagNoStore)
		if err := s.eng.Load(context.Background(), reissue); err != nil {
			s.log.Err(err, "重新发起请求失败", "url", req.URL)
		}
		s.log.Debug("请求被存储策略排除，已重新发起", "url", req.URL)
		return engine.CancelAndReissue
	}

	req.SetTag(domain.TagStore)
	return engine.Allow
}

// Settled 页面稳定时评估加载判定，满足则完成会话
func (s *Session) Settled() {
	s.mu.Lock()
	if s.state != domain.StateLoading || s.eng == nil {
		s.mu.Unlock()
		return
	}
	if s.loaded != nil && !s.loaded(s.eng) {
		s.mu.Unlock()
		s.log.Debug("页面已稳定但尚未满足加载条件")
		return
	}
	s.state = domain.StateCompleted
	eng := s.eng
	s.eng = nil
	cb := s.onComplete
	s.clearCallbacks()
	s.mu.Unlock()

	s.release(eng)
	s.log.Info("页面预取完成", "url", s.url)
	if cb != nil {
		cb(s)
	}
	s.finish()
}

// Failed 引擎报告失败；取消类错误是重新发起路径的预期结果，忽略
func (s *Session) Failed(err error) {
	if domain.IsCanceled(err) {
		s.log.Debug("忽略取消错误", "error", err)
		return
	}
	s.fail(err)
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.state != domain.StateLoading {
		s.mu.Unlock()
		return
	}
	s.state = domain.StateFailed
	eng := s.eng
	s.eng = nil
	cb := s.onFailure
	url := s.url
	s.clearCallbacks()
	s.mu.Unlock()

	s.release(eng)
	var le *domain.EngineLoadError
	if !errors.As(err, &le) {
		err = &domain.EngineLoadError{URL: url, Err: err}
	}
	s.log.Err(err, "页面预取失败", "url", url)
	if cb != nil {
		cb(err)
	}
	s.finish()
}

// Cancel 显式取消会话：不触发任何回调
func (s *Session) Cancel() bool {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return false
	}
	s.state = domain.StateCanceled
	eng := s.eng
	s.eng = nil
	s.clearCallbacks()
	s.mu.Unlock()

	s.release(eng)
	s.log.Info("会话已取消")
	s.finish()
	return true
}

// DidOriginate 会话未终止、已记录顶层文档，且请求自身或其声明的顶层文档与之相同
func (s *Session) DidOriginate(req *domain.Request) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.target == "" || s.state.Terminal() {
		return false
	}
	return req.URL == s.target || req.MainDocumentURL == s.target
}

// TagRequest 返回带存储标记的副本；重新发起的排除请求保持不带存储标记
func (s *Session) TagRequest(req *domain.Request) *domain.Request {
	c := req.Clone()
	if !c.HasTag(domain.TagNoStore) {
		c.SetTag(domain.TagStore)
	}
	return c
}

func (s *Session) captureTarget(req *domain.Request) {
	if s.target != "" || s.state != domain.StateLoading {
		return
	}
	s.target = req.DocumentURL()
	s.log.Debug("记录顶层文档", "target", s.target)
}

func (s *Session) clearCallbacks() {
	s.loaded = nil
	s.onComplete = nil
	s.onFailure = nil
}

func (s *Session) release(eng engine.Engine) {
	if eng == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := eng.Stop(ctx); err != nil {
		s.log.Warn("停止引擎失败", "error", err)
	}
	if err := eng.Close(); err != nil {
		s.log.Warn("释放引擎失败", "error", err)
	}
}

func (s *Session) finish() {
	if s.onTerminal != nil {
		s.onTerminal(s)
	}
}
