// Package nats 提供基于NATS Core Pub/Sub的消息总线实现
package nats

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chenxilol/duplexhub/internal/bus"
	"github.com/chenxilol/duplexhub/internal/metrics"
	"github.com/nats-io/nats.go"
)

type Config struct {
	// 例如 nats://localhost:4222
	URLs []string `mapstructure:"urls" json:"urls"`
	// 连接名称，用于在服务端标识客户端
	Name string `mapstructure:"name" json:"name"`

	ReconnectWait time.Duration `mapstructure:"reconnect_wait" json:"reconnect_wait"`
	// -1 表示无限重连
	MaxReconnects  int           `mapstructure:"max_reconnects" json:"max_reconnects"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" json:"connect_timeout"`

	// 订阅者消费过慢时，单条消息等待转发的最长时间
	OpTimeout time.Duration `mapstructure:"op_timeout" json:"op_timeout"`
}

func DefaultConfig() Config {
	return Config{
		URLs:           []string{nats.DefaultURL},
		Name:           "duplexhub",
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1,
		ConnectTimeout: 5 * time.Second,
		OpTimeout:      time.Second,
	}
}

type subscription struct {
	sub    *nats.Subscription
	cancel context.CancelFunc
}

type NatsBus struct {
	conn   *nats.Conn
	cfg    Config
	mu     sync.RWMutex
	closed bool
	subs   map[string][]*subscription
}

// New 连接NATS服务器
func New(cfg Config) (*NatsBus, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			metrics.BusReconnected(bus.TypeNATS)
			slog.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			slog.Info("nats connection closed")
		}),
	}

	serverURL := nats.DefaultURL
	if len(cfg.URLs) > 0 {
		serverURL = strings.Join(cfg.URLs, ",")
	}

	nc, err := nats.Connect(serverURL, opts...)
	if err != nil {
		return nil, err
	}

	slog.Info("connected to nats", "urls", cfg.URLs)
	return &NatsBus{
		conn: nc,
		cfg:  cfg,
		subs: make(map[string][]*subscription),
	}, nil
}

func (n *NatsBus) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil
	}
	n.closed = true

	for topic, subs := range n.subs {
		for _, s := range subs {
			s.cancel()
			_ = s.sub.Unsubscribe()
		}
		delete(n.subs, topic)
	}
	n.conn.Close()
	return nil
}

var _ bus.MessageBus = (*NatsBus)(nil)
