package hub

import "time"

const (
	// DefaultQueueCapacity 订阅队列默认容量
	DefaultQueueCapacity = 10
	DefaultWelcome       = "Welcome to the chat!"
	DefaultRelayTopic    = "chat"
)

type Config struct {
	QueueCapacity int `mapstructure:"queue_capacity" json:"queue_capacity"`
	// 新订阅者收到的第一条消息，为空则不发送
	WelcomeMessage string `mapstructure:"welcome_message" json:"welcome_message"`
	// 向消息总线发布的超时
	BusTimeout time.Duration `mapstructure:"bus_timeout" json:"bus_timeout"`
	RelayTopic string        `mapstructure:"relay_topic" json:"relay_topic"`
	// 总线消息去重窗口
	DedupTTL time.Duration `mapstructure:"dedup_ttl" json:"dedup_ttl"`
}

func DefaultConfig() Config {
	return Config{
		QueueCapacity:  DefaultQueueCapacity,
		WelcomeMessage: DefaultWelcome,
		BusTimeout:     2 * time.Second,
		RelayTopic:     DefaultRelayTopic,
		DedupTTL:       30 * time.Second,
	}
}
