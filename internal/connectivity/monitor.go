// Package connectivity 探测网络连通性，为缓存存储提供离线状态
package connectivity

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"pageprimer/internal/logger"
)

const (
	defaultInterval = 10 * time.Second
	defaultTimeout  = 3 * time.Second
)

// Options 探测配置
type Options struct {
	ProbeURL string
	Interval time.Duration
	Timeout  time.Duration
	Client   *http.Client
	Logger   logger.Logger
}

// Monitor 周期性 HEAD 探测，记录最近一次结果
type Monitor struct {
	opts    Options
	offline atomic.Bool
	forced  atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New 创建探测器；未配置探测地址时始终在线
func New(opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	return &Monitor{opts: opts}
}

// Offline 当前是否离线
func (m *Monitor) Offline() bool {
	return m.forced.Load() || m.offline.Load()
}

// ForceOffline 强制离线，优先于探测结果
func (m *Monitor) ForceOffline(v bool) {
	m.forced.Store(v)
	m.opts.Logger.Info("设置强制离线", "offline", v)
}

// Start 立即探测一次并启动后台探测
func (m *Monitor) Start(ctx context.Context) {
	if m.opts.ProbeURL == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.Probe(ctx)

	go func(done chan struct{}) {
		defer close(done)
		t := time.NewTicker(m.opts.Interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				m.Probe(ctx)
			}
		}
	}(m.done)
}

// Stop 停止后台探测
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Probe 执行一次探测并返回是否在线
func (m *Monitor) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	defer cancel()

	online := false
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.opts.ProbeURL, nil)
	if err == nil {
		var res *http.Response
		res, err = m.opts.Client.Do(req)
		if err == nil {
			res.Body.Close()
			online = true
		}
	}

	if prev := m.offline.Swap(!online); prev != !online {
		if online {
			m.opts.Logger.Info("网络已恢复", "probe", m.opts.ProbeURL)
		} else {
			m.opts.Logger.Warn("网络不可用，切换为离线", "probe", m.opts.ProbeURL, "error", err)
		}
	}
	return online
}
