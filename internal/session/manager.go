package session

import (
	"sync"

	"github.com/google/uuid"

	"pageprimer/internal/engine"
	"pageprimer/internal/logger"
	"pageprimer/internal/registry"
	"pageprimer/pkg/domain"
)

// Manager 活动预取会话管理器，同时作为缓存权威认领请求
type Manager struct {
	mu       sync.RWMutex
	sessions map[domain.SessionID]*Session
	order    []domain.SessionID
	factory  engine.Factory
	log      logger.Logger
}

// NewManager 创建会话管理器
func NewManager(factory engine.Factory, l logger.Logger) *Manager {
	if l == nil {
		l = logger.NewNop()
	}
	return &Manager{
		sessions: make(map[domain.SessionID]*Session),
		factory:  factory,
		log:      l,
	}
}

// Create 创建并注册新会话；会话终止后自动移除
func (m *Manager) Create(policy StoragePolicy) *Session {
	id := domain.SessionID(uuid.NewString())
	s := New(id, Options{
		Factory:    m.factory,
		Policy:     policy,
		Logger:     m.log,
		OnTerminal: func(s *Session) { m.Delete(s.ID()) },
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[id] = s
	m.order = append(m.order, id)
	m.log.Info("创建预取会话", "sessionID", string(id))
	return s
}

// Get 获取会话
func (m *Manager) Get(id domain.SessionID) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Delete 移除会话
func (m *Manager) Delete(id domain.SessionID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return
	}
	delete(m.sessions, id)
	for i := range m.order {
		if m.order[i] == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.log.Info("移除预取会话", "sessionID", string(id))
}

// List 按创建顺序返回所有活动会话
func (m *Manager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := make([]*Session, 0, len(m.order))
	for _, id := range m.order {
		list = append(list, m.sessions[id])
	}
	return list
}

// Claim 返回第一个认为自己发起了该请求的会话
func (m *Manager) Claim(req *domain.Request) (registry.Session, bool) {
	for _, s := range m.List() {
		if s.DidOriginate(req) {
			return s, true
		}
	}
	return nil, false
}
