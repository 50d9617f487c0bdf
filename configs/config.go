package configs

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chenxilol/duplexhub/internal/auth"
	"github.com/chenxilol/duplexhub/internal/bus"
	"github.com/chenxilol/duplexhub/internal/bus/nats"
	"github.com/chenxilol/duplexhub/internal/bus/redis"
	"github.com/chenxilol/duplexhub/internal/echo"
	"github.com/chenxilol/duplexhub/internal/hub"
	"github.com/chenxilol/duplexhub/internal/session"
	"github.com/chenxilol/duplexhub/internal/websocket"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const EnvPrefix = "DUPLEXHUB"

type Server struct {
	Addr            string                   `mapstructure:"addr"`
	ShutdownTimeout time.Duration            `mapstructure:"shutdown_timeout"`
	Upgrader        websocket.UpgraderConfig `mapstructure:"upgrader"`
	// 回显和聊天端点共用的会话配置
	Session session.Config `mapstructure:"session"`
}

type Cluster struct {
	Enabled bool         `mapstructure:"enabled"`
	BusType string       `mapstructure:"bus_type"` // noop / redis / nats
	NATS    nats.Config  `mapstructure:"nats"`
	Redis   redis.Config `mapstructure:"redis"`
}

type Log struct {
	Level string `mapstructure:"level"`
}

type Config struct {
	Server  Server      `mapstructure:"server"`
	Echo    echo.Config `mapstructure:"echo"`
	Hub     hub.Config  `mapstructure:"hub"`
	Cluster Cluster     `mapstructure:"cluster"`
	Auth    auth.Config `mapstructure:"auth"`
	Log     Log         `mapstructure:"log"`
	Version string      `mapstructure:"version"`
}

func NewDefaultConfig() Config {
	return Config{
		Server: Server{
			Addr:            ":8080",
			ShutdownTimeout: 30 * time.Second,
			Upgrader: websocket.UpgraderConfig{
				ReadBufferSize:  4 << 10,
				WriteBufferSize: 4 << 10,
			},
			Session: session.DefaultConfig(),
		},
		Echo: echo.DefaultConfig(),
		Hub:  hub.DefaultConfig(),
		Cluster: Cluster{
			Enabled: false,
			BusType: bus.TypeNoop,
			NATS:    nats.DefaultConfig(),
			Redis:   redis.DefaultConfig(),
		},
		Auth: auth.Config{
			Enabled:        false,
			SecretKey:      "changeme",
			Issuer:         "duplexhub",
			AllowAnonymous: true,
		},
		Log:     Log{Level: "info"},
		Version: "dev",
	}
}

// Validate 检查无法在运行时纠正的配置
func (c Config) Validate() error {
	if err := c.Server.Session.Validate(); err != nil {
		return fmt.Errorf("server.session: %w", err)
	}
	if c.Cluster.Enabled {
		switch c.Cluster.BusType {
		case bus.TypeNoop, bus.TypeRedis, bus.TypeNATS:
		default:
			return fmt.Errorf("cluster.bus_type: unsupported %q", c.Cluster.BusType)
		}
	}
	if c.Auth.Enabled && c.Auth.SecretKey == "" {
		return errors.New("auth.secret_key is required when auth is enabled")
	}
	return nil
}

// setDefaults 注册全部键，使环境变量可以覆盖配置文件中没有出现的键
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("server.upgrader.read_buffer_size", d.Server.Upgrader.ReadBufferSize)
	v.SetDefault("server.upgrader.write_buffer_size", d.Server.Upgrader.WriteBufferSize)
	v.SetDefault("server.session.inbound_queue_cap", d.Server.Session.InboundQueueCap)
	v.SetDefault("server.session.overflow_policy", d.Server.Session.OverflowPolicy)
	v.SetDefault("server.session.outbound_buffer_cap", d.Server.Session.OutboundBufferCap)
	v.SetDefault("server.session.write_timeout", d.Server.Session.WriteTimeout)
	v.SetDefault("server.session.read_limit", d.Server.Session.ReadLimit)

	v.SetDefault("echo.notify_interval", d.Echo.NotifyInterval)
	v.SetDefault("echo.time_layout", d.Echo.TimeLayout)

	v.SetDefault("hub.queue_capacity", d.Hub.QueueCapacity)
	v.SetDefault("hub.welcome_message", d.Hub.WelcomeMessage)
	v.SetDefault("hub.bus_timeout", d.Hub.BusTimeout)
	v.SetDefault("hub.relay_topic", d.Hub.RelayTopic)
	v.SetDefault("hub.dedup_ttl", d.Hub.DedupTTL)

	v.SetDefault("cluster.enabled", d.Cluster.Enabled)
	v.SetDefault("cluster.bus_type", d.Cluster.BusType)
	v.SetDefault("cluster.nats.urls", d.Cluster.NATS.URLs)
	v.SetDefault("cluster.nats.name", d.Cluster.NATS.Name)
	v.SetDefault("cluster.nats.reconnect_wait", d.Cluster.NATS.ReconnectWait)
	v.SetDefault("cluster.nats.max_reconnects", d.Cluster.NATS.MaxReconnects)
	v.SetDefault("cluster.nats.connect_timeout", d.Cluster.NATS.ConnectTimeout)
	v.SetDefault("cluster.nats.op_timeout", d.Cluster.NATS.OpTimeout)
	v.SetDefault("cluster.redis.addrs", d.Cluster.Redis.Addrs)
	v.SetDefault("cluster.redis.password", d.Cluster.Redis.Password)
	v.SetDefault("cluster.redis.db", d.Cluster.Redis.DB)
	v.SetDefault("cluster.redis.master_name", d.Cluster.Redis.MasterName)
	v.SetDefault("cluster.redis.pool_size", d.Cluster.Redis.PoolSize)
	v.SetDefault("cluster.redis.min_idle_conns", d.Cluster.Redis.MinIdleConns)
	v.SetDefault("cluster.redis.dial_timeout", d.Cluster.Redis.DialTimeout)
	v.SetDefault("cluster.redis.read_timeout", d.Cluster.Redis.ReadTimeout)
	v.SetDefault("cluster.redis.write_timeout", d.Cluster.Redis.WriteTimeout)
	v.SetDefault("cluster.redis.retry_interval", d.Cluster.Redis.RetryInterval)
	v.SetDefault("cluster.redis.max_retries", d.Cluster.Redis.MaxRetries)
	v.SetDefault("cluster.redis.op_timeout", d.Cluster.Redis.OpTimeout)
	v.SetDefault("cluster.redis.key_prefix", d.Cluster.Redis.KeyPrefix)
	v.SetDefault("cluster.redis.mode", d.Cluster.Redis.Mode)

	v.SetDefault("auth.enabled", d.Auth.Enabled)
	v.SetDefault("auth.secret_key", d.Auth.SecretKey)
	v.SetDefault("auth.issuer", d.Auth.Issuer)
	v.SetDefault("auth.allow_anonymous", d.Auth.AllowAnonymous)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("version", d.Version)
}

// NewViper 创建带默认值和环境变量覆盖的 viper 实例。configFile 为空时只使用默认值和环境变量。
func NewViper(configFile string) *viper.Viper {
	v := viper.New()
	setDefaults(v, NewDefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	}
	return v
}

// LoadConfig 读取配置文件。文件不存在或无法解析时记录错误并回退到默认值与环境变量。
func LoadConfig(configFile string) (Config, *viper.Viper, error) {
	v := NewViper(configFile)

	if configFile != "" {
		if err := v.ReadInConfig(); err != nil {
			slog.Error("failed to read config file, using defaults", "file", configFile, "error", err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return Config{}, v, err
	}
	return cfg, v, nil
}

func decode(v *viper.Viper) (Config, error) {
	cfg := NewDefaultConfig()
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// SetupConfigHotReload 监听配置文件变化，解析成功后把新配置交给 onChange
func SetupConfigHotReload(v *viper.Viper, onChange func(Config)) {
	v.OnConfigChange(func(e fsnotify.Event) {
		slog.Info("config file changed", "file", e.Name, "op", e.Op.String())

		cfg, err := decode(v)
		if err != nil {
			slog.Error("failed to reload config", "error", err)
			return
		}
		onChange(cfg)
		slog.Info("config reloaded successfully")
	})
	v.WatchConfig()
}

func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
