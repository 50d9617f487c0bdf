// Package noop 提供单节点模式下使用的空消息总线
package noop

import (
	"context"
	"sync"

	"github.com/chenxilol/duplexhub/internal/bus"
)

// NoopBus 丢弃所有发布的消息，订阅通道永远不会收到数据
type NoopBus struct {
	mu     sync.Mutex
	closed bool
	subs   map[string]chan []byte
}

func New() *NoopBus {
	return &NoopBus{subs: make(map[string]chan []byte)}
}

func (n *NoopBus) Publish(_ context.Context, topic string, _ []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return bus.ErrBusClosed
	}
	if topic == "" {
		return bus.ErrTopicEmpty
	}
	return nil
}

func (n *NoopBus) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil, bus.ErrBusClosed
	}
	if topic == "" {
		return nil, bus.ErrTopicEmpty
	}

	if old, ok := n.subs[topic]; ok {
		close(old)
	}
	ch := make(chan []byte)
	n.subs[topic] = ch

	go func() {
		<-ctx.Done()
		n.release(topic, ch)
	}()
	return ch, nil
}

func (n *NoopBus) Unsubscribe(topic string) error {
	if topic == "" {
		return bus.ErrTopicEmpty
	}
	n.mu.Lock()
	ch := n.subs[topic]
	n.mu.Unlock()
	if ch != nil {
		n.release(topic, ch)
	}
	return nil
}

// release 仅当 topic 仍指向 ch 时关闭它，避免重复关闭
func (n *NoopBus) release(topic string, ch chan []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if cur, ok := n.subs[topic]; ok && cur == ch {
		close(ch)
		delete(n.subs, topic)
	}
}

func (n *NoopBus) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil
	}
	n.closed = true
	for topic, ch := range n.subs {
		close(ch)
		delete(n.subs, topic)
	}
	return nil
}

var _ bus.MessageBus = (*NoopBus)(nil)
