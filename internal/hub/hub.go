// Package hub 实现多发布者、多订阅者的广播中心
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chenxilol/duplexhub/internal/bus"
	"github.com/chenxilol/duplexhub/internal/metrics"
	"github.com/google/uuid"
)

var ErrHubClosed = errors.New("hub closed")

type Option func(*Hub)

// WithBus 通过消息总线在多个节点间中继广播
func WithBus(b bus.MessageBus) Option {
	return func(h *Hub) { h.bus = b }
}

func WithNodeID(id string) Option {
	return func(h *Hub) {
		if id != "" {
			h.nodeID = id
		}
	}
}

// Hub 把每条发布的消息投递给发布时已注册的全部订阅者。
// 注册表是不可变快照，订阅和取消订阅通过 CAS 替换；
// 发布经由 seq 串行化，所有订阅者看到相同的相对顺序。
type Hub struct {
	cfg     Config
	reg     atomic.Pointer[registry]
	welcome atomic.Pointer[string]
	seq     chan struct{}

	closed atomic.Bool
	done   chan struct{}

	bus    bus.MessageBus
	nodeID string
	dedup  *deduplicator
	relayq chan string
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, opts ...Option) *Hub {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = DefaultQueueCapacity
	}
	if cfg.RelayTopic == "" {
		cfg.RelayTopic = DefaultRelayTopic
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		cfg:    cfg,
		seq:    make(chan struct{}, 1),
		done:   make(chan struct{}),
		nodeID: generateNodeID(),
		dedup:  newDeduplicator(cfg.DedupTTL),
		cancel: cancel,
	}
	h.reg.Store(&registry{})
	h.SetWelcome(cfg.WelcomeMessage)

	for _, opt := range opts {
		opt(h)
	}

	if h.bus != nil {
		h.relayq = make(chan string, relayQueueSize)
		h.wg.Add(2)
		go h.runRelay(ctx)
		go h.runRelayPublisher(ctx)
	}

	slog.Info("hub initialized", "node_id", h.nodeID, "relay", h.bus != nil)
	return h
}

func generateNodeID() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return fmt.Sprintf("%s-%d-%s", hostname, os.Getpid(), uuid.NewString()[:8])
}

func (h *Hub) NodeID() string {
	return h.nodeID
}

// SetWelcome 修改之后新订阅者收到的欢迎消息，空字符串表示不发送
func (h *Hub) SetWelcome(msg string) {
	h.welcome.Store(&msg)
}

func (h *Hub) Welcome() string {
	return *h.welcome.Load()
}

// Count 当前订阅者数量
func (h *Hub) Count() int {
	return len(h.reg.Load().subs)
}

// Subscribe 注册新的订阅者。capacity<=0 时使用配置的默认容量。
// 欢迎消息在注册之前放入队列，因此总是第一条。
func (h *Hub) Subscribe(capacity int) (*Subscription, error) {
	if h.closed.Load() {
		return nil, ErrHubClosed
	}
	if capacity <= 0 {
		capacity = h.cfg.QueueCapacity
	}

	sub := newSubscription(capacity)
	if w := h.Welcome(); w != "" {
		sub.queue <- w
	}
	if err := h.register(sub); err != nil {
		return nil, err
	}

	slog.Debug("subscriber added", "subscription_id", sub.id, "capacity", capacity)
	return sub, nil
}

// register 以 CAS 把 sub 加入注册表，与 Close 竞争时撤销注册
func (h *Hub) register(sub *Subscription) error {
	for {
		old := h.reg.Load()
		if h.reg.CompareAndSwap(old, old.with(sub)) {
			break
		}
	}
	metrics.SubscriberAdded()

	if h.closed.Load() {
		h.Unsubscribe(sub)
		return ErrHubClosed
	}
	return nil
}

// Unsubscribe 移除订阅者，可重复调用。
// 已经取得快照的发布仍可在队列有空位时投递，但不会再因它阻塞。
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	for {
		old := h.reg.Load()
		next := old.without(sub)
		if next == nil {
			break
		}
		if h.reg.CompareAndSwap(old, next) {
			metrics.SubscriberRemoved()
			break
		}
	}

	if sub.cancel() {
		slog.Debug("subscriber removed", "subscription_id", sub.id)
	}
}

// Publish 把 msg 投递给当前全部订阅者。某个订阅队列已满时阻塞，
// 直到队列有空位或该订阅者被移除。
// ctx 只约束调用方的等待：取得快照后投递一定完成，ctx 结束时 Publish 提前返回 ctx.Err()，
// 投递在后台继续并继续占用 seq，后续发布仍排在它之后。
func (h *Hub) Publish(ctx context.Context, msg string) error {
	if err := h.acquire(ctx); err != nil {
		return err
	}

	delivered := make(chan error, 1)
	go func() {
		defer h.release()
		err := h.deliver(msg)
		if err == nil && h.bus != nil {
			h.enqueueRelay(msg)
		}
		delivered <- err
	}()

	select {
	case err := <-delivered:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) acquire(ctx context.Context) error {
	if h.closed.Load() {
		return ErrHubClosed
	}
	select {
	case h.seq <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return ErrHubClosed
	}
	if h.closed.Load() {
		<-h.seq
		return ErrHubClosed
	}
	return nil
}

func (h *Hub) release() {
	<-h.seq
}

// deliver 调用方必须持有 seq。只在订阅者被移除或 hub 关闭时放弃等待。
func (h *Hub) deliver(msg string) error {
	start := time.Now()
	subs := h.reg.Load().subs
	defer func() { metrics.Published(time.Since(start)) }()

	switch len(subs) {
	case 0:
		return nil
	case 1:
		return h.deliverTo(subs[0], msg)
	}

	errs := make([]error, len(subs))
	var wg sync.WaitGroup
	for i, sub := range subs {
		i, sub := i, sub
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = h.deliverTo(sub, msg)
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (h *Hub) deliverTo(sub *Subscription, msg string) error {
	select {
	case sub.queue <- msg:
		return nil
	default:
	}

	metrics.DeliveryBlocked()
	select {
	case sub.queue <- msg:
		return nil
	case <-sub.done:
		return nil
	case <-h.done:
		return ErrHubClosed
	}
}

// Close 移除全部订阅者并停止总线中继，可重复调用。消息总线由调用方关闭。
func (h *Hub) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(h.done)
	h.cancel()

	for _, sub := range h.reg.Load().subs {
		h.Unsubscribe(sub)
	}
	h.wg.Wait()

	slog.Info("hub closed", "node_id", h.nodeID)
	return nil
}
