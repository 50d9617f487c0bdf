package redis

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/chenxilol/duplexhub/internal/bus"
	"github.com/chenxilol/duplexhub/internal/metrics"
	"github.com/redis/go-redis/v9"
)

func (r *RedisBus) Publish(ctx context.Context, topic string, data []byte) error {
	if topic == "" {
		return bus.ErrTopicEmpty
	}

	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return bus.ErrBusClosed
	}

	if r.cfg.OpTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.OpTimeout)
		defer cancel()
	}

	if err := r.client.Publish(ctx, r.formatKey(topic), data).Err(); err != nil {
		metrics.BusError(bus.TypeRedis, "publish")
		slog.Error("redis publish failed", "topic", topic, "error", err)
		return errors.Join(bus.ErrPublishFailed, err)
	}
	return nil
}

// Subscribe 订阅主题。连接中断时后台协程会按 RetryInterval 重新订阅。
func (r *RedisBus) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	if topic == "" {
		return nil, bus.ErrTopicEmpty
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, bus.ErrBusClosed
	}
	if cancel, ok := r.subs[topic]; ok {
		cancel()
	}

	subCtx, cancel := context.WithCancel(ctx)
	r.subs[topic] = cancel

	out := make(chan []byte, 100)
	go r.subscribeRoutine(subCtx, topic, out)
	return out, nil
}

func (r *RedisBus) subscribeRoutine(ctx context.Context, topic string, out chan<- []byte) {
	defer close(out)
	key := r.formatKey(topic)

	for {
		pubsub := r.client.Subscribe(ctx, key)
		if _, err := pubsub.Receive(ctx); err != nil {
			_ = pubsub.Close()
			if ctx.Err() != nil {
				return
			}
			metrics.BusError(bus.TypeRedis, "subscribe")
			slog.Warn("redis subscribe failed, retrying", "topic", topic, "error", err, "retry_in", r.cfg.RetryInterval)
			if !sleepCtx(ctx, r.cfg.RetryInterval) {
				return
			}
			continue
		}

		slog.Debug("redis subscribed", "topic", topic)
		done := r.forward(ctx, pubsub.Channel(), out)
		_ = pubsub.Close()
		if done {
			return
		}
		metrics.BusReconnected(bus.TypeRedis)
	}
}

// forward 把订阅消息转发到 out，ctx 结束时返回 true，订阅通道关闭时返回 false
func (r *RedisBus) forward(ctx context.Context, in <-chan *redis.Message, out chan<- []byte) bool {
	for {
		select {
		case <-ctx.Done():
			return true
		case msg, ok := <-in:
			if !ok {
				return ctx.Err() != nil
			}
			select {
			case out <- []byte(msg.Payload):
			case <-ctx.Done():
				return true
			}
		}
	}
}

func (r *RedisBus) Unsubscribe(topic string) error {
	if topic == "" {
		return bus.ErrTopicEmpty
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if cancel, ok := r.subs[topic]; ok {
		cancel()
		delete(r.subs, topic)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
