// Package bus 提供节点间的消息中继机制，用于把聊天广播扩展到多个实例
package bus

import (
	"context"
	"errors"
)

var (
	ErrTopicEmpty    = errors.New("topic cannot be empty")
	ErrBusClosed     = errors.New("message bus is closed")
	ErrPublishFailed = errors.New("publish message failed")
)

// 支持的总线类型
const (
	TypeNoop  = "noop"
	TypeRedis = "redis"
	TypeNATS  = "nats"
)

// MessageBus 在节点间传播消息
type MessageBus interface {
	// Publish 发布消息到指定主题
	Publish(ctx context.Context, topic string, data []byte) error

	// Subscribe 订阅指定主题。返回的通道在取消订阅、总线关闭或 ctx 结束时关闭。
	Subscribe(ctx context.Context, topic string) (<-chan []byte, error)

	// Unsubscribe 取消订阅主题
	Unsubscribe(topic string) error

	Close() error
}
