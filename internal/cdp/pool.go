package cdp

import (
	"context"
	"sync"
)

// workerPool 固定数量的工作协程处理拦截事件；队列满时提交方等待，形成背压
type workerPool struct {
	queue chan func()
	wg    sync.WaitGroup
	once  sync.Once
}

func newWorkerPool(size, queueSize int) *workerPool {
	if size <= 0 {
		size = 1
	}
	if queueSize < size {
		queueSize = size
	}
	p := &workerPool{queue: make(chan func(), queueSize)}
	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go func() {
			defer p.wg.Done()
			for fn := range p.queue {
				fn()
			}
		}()
	}
	return p
}

// submit 提交任务，队列满时等待；ctx 结束或池已停止时返回 false
func (p *workerPool) submit(ctx context.Context, fn func()) (ok bool) {
	defer func() {
		// 已停止的池向关闭的通道发送会 panic
		if recover() != nil {
			ok = false
		}
	}()
	if ctx.Err() != nil {
		return false
	}
	select {
	case p.queue <- fn:
		return true
	case <-ctx.Done():
		return false
	}
}

// stop 停止接收任务并等待已提交任务完成
func (p *workerPool) stop() {
	p.once.Do(func() { close(p.queue) })
	p.wg.Wait()
}
