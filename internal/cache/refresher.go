package cache

import "sync"

// refresher 固定大小的后台重建池，队列满时直接拒绝，不阻塞读请求。
type refresher struct {
	mu     sync.RWMutex
	closed bool
	tasks  chan func()
	wg     sync.WaitGroup
}

func newRefresher(workers, queue int) *refresher {
	r := &refresher{tasks: make(chan func(), queue)}
	for i := 0; i < workers; i++ {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			for task := range r.tasks {
				task()
			}
		}()
	}
	return r
}

func (r *refresher) submit(task func()) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return false
	}
	select {
	case r.tasks <- task:
		return true
	default:
		return false
	}
}

// close 停止接收新任务，等待已排队任务执行完。
func (r *refresher) close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.tasks)
	r.mu.Unlock()
	r.wg.Wait()
}
