package nats

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/chenxilol/duplexhub/internal/bus"
	"github.com/chenxilol/duplexhub/internal/metrics"
	"github.com/nats-io/nats.go"
)

func (n *NatsBus) Publish(ctx context.Context, topic string, data []byte) error {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.closed {
		return bus.ErrBusClosed
	}
	if topic == "" {
		return bus.ErrTopicEmpty
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := n.conn.Publish(topic, data); err != nil {
		metrics.BusError(bus.TypeNATS, "publish")
		slog.Error("nats publish failed", "topic", topic, "error", err)
		return errors.Join(bus.ErrPublishFailed, err)
	}
	return nil
}

// Subscribe 订阅主题，同一主题可以有多个订阅
func (n *NatsBus) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil, bus.ErrBusClosed
	}
	if topic == "" {
		return nil, bus.ErrTopicEmpty
	}

	msgCh := make(chan *nats.Msg, 100)
	sub, err := n.conn.ChanSubscribe(topic, msgCh)
	if err != nil {
		metrics.BusError(bus.TypeNATS, "subscribe")
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	n.subs[topic] = append(n.subs[topic], &subscription{sub: sub, cancel: cancel})

	out := make(chan []byte, 100)
	go n.forward(subCtx, topic, sub, msgCh, out)

	slog.Info("subscribed to nats topic", "topic", topic)
	return out, nil
}

// forward 把NATS消息复制到 out，subCtx 结束时退订并关闭 out
func (n *NatsBus) forward(ctx context.Context, topic string, sub *nats.Subscription, in <-chan *nats.Msg, out chan<- []byte) {
	defer close(out)
	defer func() { _ = sub.Unsubscribe() }()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-in:
			data := make([]byte, len(msg.Data))
			copy(data, msg.Data)

			select {
			case out <- data:
				continue
			default:
			}

			// 订阅方处理慢时持续等待，超过 OpTimeout 只告警，不丢弃
			timer := time.NewTimer(n.cfg.OpTimeout)
			select {
			case out <- data:
				timer.Stop()
				continue
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
				slog.Warn("subscriber channel full, waiting", "topic", topic, "waited", n.cfg.OpTimeout)
				metrics.BusError(bus.TypeNATS, "slow_consumer")
			}
			select {
			case out <- data:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Unsubscribe 取消该主题上的全部订阅
func (n *NatsBus) Unsubscribe(topic string) error {
	if topic == "" {
		return bus.ErrTopicEmpty
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	for _, s := range n.subs[topic] {
		s.cancel()
	}
	delete(n.subs, topic)
	return nil
}
