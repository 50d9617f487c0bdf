// Package echo 实现回显端点：命令响应流与连接时长通知流合并输出
package echo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chenxilol/duplexhub/internal/metrics"
)

// TimeCommand 返回当前时间的命令，大小写敏感
const TimeCommand = "time"

var ErrClockUnavailable = errors.New("clock unavailable")

// Clock 时间来源，读取失败对该连接是致命的
type Clock interface {
	Now() (time.Time, error)
}

type ClockFunc func() (time.Time, error)

func (f ClockFunc) Now() (time.Time, error) {
	return f()
}

// SystemClock 使用系统墙钟
var SystemClock Clock = ClockFunc(func() (time.Time, error) {
	return time.Now(), nil
})

type Config struct {
	NotifyInterval time.Duration `mapstructure:"notify_interval" json:"notify_interval"`
	TimeLayout     string        `mapstructure:"time_layout" json:"time_layout"`
}

func DefaultConfig() Config {
	return Config{
		NotifyInterval: 5 * time.Second,
		TimeLayout:     time.RFC3339Nano,
	}
}

// Pipeline 单个连接的回显管道，零值不可用，使用 NewPipeline 创建
type Pipeline struct {
	clock    Clock
	interval time.Duration
	layout   string
}

func NewPipeline(cfg Config, clock Clock) *Pipeline {
	if cfg.NotifyInterval <= 0 {
		cfg.NotifyInterval = DefaultConfig().NotifyInterval
	}
	if cfg.TimeLayout == "" {
		cfg.TimeLayout = time.RFC3339Nano
	}
	if clock == nil {
		clock = SystemClock
	}
	return &Pipeline{clock: clock, interval: cfg.NotifyInterval, layout: cfg.TimeLayout}
}

// Respond 计算单条命令的响应
func (p *Pipeline) Respond(cmd string) (string, error) {
	if cmd != TimeCommand {
		return cmd, nil
	}
	now, err := p.clock.Now()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrClockUnavailable, err)
	}
	return now.Format(p.layout), nil
}

// Notification 连接时长通知文本
func Notification(elapsed time.Duration) string {
	return fmt.Sprintf("You have been connected for %d seconds!", int64(elapsed/time.Second))
}

// Run 启动命令响应与定时通知两个生产者，并把它们合并到同一输出通道。
// 各自内部顺序保持不变，两者之间的交错顺序不确定。
// commands 关闭或 ctx 结束时两路同时停止；时钟读取失败时错误写入 errc 并关闭输出。
func (p *Pipeline) Run(ctx context.Context, commands <-chan string, joinedAt time.Time) (<-chan string, <-chan error) {
	ctx, cancel := context.WithCancel(ctx)
	out := make(chan string)
	errc := make(chan error, 1)

	fail := func(err error) {
		select {
		case errc <- err:
		default:
		}
		cancel()
	}

	emit := func(msg string) bool {
		select {
		case out <- msg:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		// 输入结束意味着连接已关闭，通知流也随之停止
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case cmd, ok := <-commands:
				if !ok {
					return
				}
				resp, err := p.Respond(cmd)
				if err != nil {
					fail(err)
					return
				}
				if !emit(resp) {
					return
				}
				metrics.EchoResponded()
			}
		}
	}()

	go func() {
		defer wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		last := int64(-1)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				now, err := p.clock.Now()
				if err != nil {
					fail(fmt.Errorf("%w: %v", ErrClockUnavailable, err))
					return
				}
				n := int64(now.Sub(joinedAt) / time.Second)
				if n <= last {
					continue
				}
				last = n
				if !emit(Notification(time.Duration(n) * time.Second)) {
					return
				}
				metrics.EchoNotified()
			}
		}
	}()

	go func() {
		wg.Wait()
		cancel()
		close(out)
		close(errc)
	}()

	return out, errc
}
