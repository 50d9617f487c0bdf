// Package redis 提供基于Redis Pub/Sub的消息总线实现
package redis

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/chenxilol/duplexhub/internal/bus"
	"github.com/chenxilol/duplexhub/internal/metrics"
	"github.com/redis/go-redis/v9"
)

type Config struct {
	// 连接地址 (单机、集群或哨兵模式)
	Addrs    []string `mapstructure:"addrs" json:"addrs"`
	Password string   `mapstructure:"password" json:"password"`
	DB       int      `mapstructure:"db" json:"db"`

	// 哨兵模式的主节点名称
	MasterName string `mapstructure:"master_name" json:"master_name"`

	PoolSize     int           `mapstructure:"pool_size" json:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns" json:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout" json:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" json:"write_timeout"`

	// 订阅断开后重新订阅的间隔
	RetryInterval time.Duration `mapstructure:"retry_interval" json:"retry_interval"`
	MaxRetries    int           `mapstructure:"max_retries" json:"max_retries"`

	// 单次发布超时
	OpTimeout time.Duration `mapstructure:"op_timeout" json:"op_timeout"`
	KeyPrefix string        `mapstructure:"key_prefix" json:"key_prefix"`

	// single / sentinel / cluster
	Mode string `mapstructure:"mode" json:"mode"`
}

func DefaultConfig() Config {
	return Config{
		Addrs:         []string{"localhost:6379"},
		PoolSize:      10,
		MinIdleConns:  2,
		DialTimeout:   5 * time.Second,
		ReadTimeout:   3 * time.Second,
		WriteTimeout:  3 * time.Second,
		RetryInterval: 200 * time.Millisecond,
		MaxRetries:    3,
		OpTimeout:     500 * time.Millisecond,
		KeyPrefix:     "duplexhub:",
		Mode:          "single",
	}
}

type RedisBus struct {
	client redis.UniversalClient
	cfg    Config
	mu     sync.RWMutex
	closed bool
	subs   map[string]context.CancelFunc
}

// dialHook 统计重新拨号，首次连接不计入
type dialHook struct {
	mu     sync.Mutex
	dialed bool
}

func (h *dialHook) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := next(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		h.mu.Lock()
		if h.dialed {
			metrics.BusReconnected(bus.TypeRedis)
		}
		h.dialed = true
		h.mu.Unlock()
		return conn, nil
	}
}

func (h *dialHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return next
}

func (h *dialHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

// New 连接Redis并返回消息总线，连接失败时返回错误
func New(cfg Config) (*RedisBus, error) {
	if len(cfg.Addrs) == 0 {
		cfg.Addrs = DefaultConfig().Addrs
	}

	opts := &redis.UniversalOptions{
		Addrs:        cfg.Addrs,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxRetries:   cfg.MaxRetries,
	}
	if cfg.Mode == "sentinel" {
		opts.MasterName = cfg.MasterName
	}

	client := redis.NewUniversalClient(opts)
	client.AddHook(&dialHook{})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		slog.Error("failed to connect to redis", "error", err, "addrs", cfg.Addrs)
		return nil, err
	}

	slog.Info("connected to redis", "addrs", cfg.Addrs, "mode", cfg.Mode)
	return &RedisBus{
		client: client,
		cfg:    cfg,
		subs:   make(map[string]context.CancelFunc),
	}, nil
}

func (r *RedisBus) formatKey(topic string) string {
	return r.cfg.KeyPrefix + topic
}

func (r *RedisBus) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	for topic, cancel := range r.subs {
		cancel()
		delete(r.subs, topic)
	}
	return r.client.Close()
}

var _ bus.MessageBus = (*RedisBus)(nil)
