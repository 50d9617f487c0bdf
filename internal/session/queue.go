package session

import (
	"context"
	"sync"
)

// frameQueue 入站FIFO队列，limit<=0 表示无界
type frameQueue struct {
	mu     sync.Mutex
	items  []Frame
	limit  int
	notify chan struct{}
	out    chan Frame
}

func newFrameQueue(limit int) *frameQueue {
	return &frameQueue{
		limit:  limit,
		notify: make(chan struct{}, 1),
		out:    make(chan Frame),
	}
}

// push 入队，队列已满时返回 false
func (q *frameQueue) push(f Frame) bool {
	q.mu.Lock()
	if q.limit > 0 && len(q.items) >= q.limit {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, f)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

func (q *frameQueue) pop() (Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Frame{}, false
	}
	f := q.items[0]
	q.items[0] = Frame{}
	q.items = q.items[1:]
	return f, true
}

func (q *frameQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// run 按入队顺序把帧交给消费者，ctx结束后丢弃剩余帧并关闭输出通道
func (q *frameQueue) run(ctx context.Context) {
	defer func() {
		close(q.out)
		q.mu.Lock()
		q.items = nil
		q.mu.Unlock()
	}()

	for {
		f, ok := q.pop()
		if !ok {
			select {
			case <-q.notify:
				continue
			case <-ctx.Done():
				return
			}
		}

		select {
		case q.out <- f:
		case <-ctx.Done():
			return
		}
	}
}
