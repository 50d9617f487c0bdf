package hub

import (
	"sync"
	"sync/atomic"
	"time"
)

// deduplicator 记录最近处理过的总线消息ID
type deduplicator struct {
	cache       sync.Map // key=消息ID, value=time.Time
	marks       atomic.Uint64
	cleanupMu   sync.Mutex
	lastCleanup time.Time
	ttl         time.Duration
}

func newDeduplicator(ttl time.Duration) *deduplicator {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &deduplicator{ttl: ttl, lastCleanup: time.Now()}
}

// seen 报告 id 是否在 ttl 内出现过，未出现则记录
func (d *deduplicator) seen(id string) bool {
	now := time.Now()
	if v, loaded := d.cache.LoadOrStore(id, now); loaded {
		if at, ok := v.(time.Time); ok && now.Sub(at) <= d.ttl {
			return true
		}
		d.cache.Store(id, now)
	}

	// 每记录100条尝试清理一次
	if d.marks.Add(1)%100 == 0 {
		d.cleanExpired(now)
	}
	return false
}

func (d *deduplicator) cleanExpired(now time.Time) {
	if !d.cleanupMu.TryLock() {
		return
	}
	defer d.cleanupMu.Unlock()

	if now.Sub(d.lastCleanup) < d.ttl {
		return
	}
	d.lastCleanup = now

	d.cache.Range(func(key, value any) bool {
		at, ok := value.(time.Time)
		if !ok || now.Sub(at) > d.ttl {
			d.cache.Delete(key)
		}
		return true
	})
}

func (d *deduplicator) size() int {
	n := 0
	d.cache.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
