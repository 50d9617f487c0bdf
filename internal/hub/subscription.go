package hub

import (
	"sync"

	"github.com/google/uuid"
)

// Subscription 一个订阅者持有的有界消息队列。
// 队列本身从不关闭，取消订阅后 Done 关闭。
type Subscription struct {
	id    string
	queue chan string
	done  chan struct{}
	once  sync.Once
}

func newSubscription(capacity int) *Subscription {
	return &Subscription{
		id:    uuid.NewString(),
		queue: make(chan string, capacity),
		done:  make(chan struct{}),
	}
}

func (s *Subscription) ID() string {
	return s.id
}

// Messages 按发布顺序返回消息
func (s *Subscription) Messages() <-chan string {
	return s.queue
}

func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) Cap() int {
	return cap(s.queue)
}

func (s *Subscription) cancel() bool {
	closed := false
	s.once.Do(func() {
		close(s.done)
		closed = true
	})
	return closed
}

// registry 订阅者快照，创建后不再修改
type registry struct {
	subs []*Subscription
}

func (r *registry) with(s *Subscription) *registry {
	subs := make([]*Subscription, len(r.subs), len(r.subs)+1)
	copy(subs, r.subs)
	return &registry{subs: append(subs, s)}
}

// without 返回移除 s 后的快照，s 不存在时返回 nil
func (r *registry) without(s *Subscription) *registry {
	for i, cur := range r.subs {
		if cur != s {
			continue
		}
		subs := make([]*Subscription, 0, len(r.subs)-1)
		subs = append(subs, r.subs[:i]...)
		subs = append(subs, r.subs[i+1:]...)
		return &registry{subs: subs}
	}
	return nil
}
