package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chenxilol/duplexhub/internal/metrics"
	"github.com/chenxilol/duplexhub/internal/websocket"
)

var (
	ErrSessionClosed   = errors.New("session closed")
	ErrInboundOverflow = errors.New("inbound queue overflow")
	ErrInvalidPolicy   = errors.New("invalid overflow policy")
)

// 入站队列溢出策略
const (
	OverflowReject     = "reject"     // 丢弃新到达的帧
	OverflowDisconnect = "disconnect" // 断开连接
)

type Config struct {
	// 入站队列容量，0 表示无界
	InboundQueueCap int    `mapstructure:"inbound_queue_cap" json:"inbound_queue_cap"`
	OverflowPolicy  string `mapstructure:"overflow_policy" json:"overflow_policy"`
	// 出站缓冲容量，满时 Send 阻塞
	OutboundBufferCap int           `mapstructure:"outbound_buffer_cap" json:"outbound_buffer_cap"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout" json:"write_timeout"`
	ReadLimit         int64         `mapstructure:"read_limit" json:"read_limit"`
}

func DefaultConfig() Config {
	return Config{
		InboundQueueCap:   0,
		OverflowPolicy:    OverflowReject,
		OutboundBufferCap: 64,
		WriteTimeout:      10 * time.Second,
		ReadLimit:         64 << 10, // 64KB
	}
}

// Validate 检查配置
func (c Config) Validate() error {
	switch c.OverflowPolicy {
	case "", OverflowReject, OverflowDisconnect:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidPolicy, c.OverflowPolicy)
	}
	if c.InboundQueueCap < 0 || c.OutboundBufferCap < 0 {
		return errors.New("queue capacity must not be negative")
	}
	return nil
}

// Session 持有一个连接的入站队列和出站流。
// 读协程把连接上到达的帧按顺序放入入站队列，写协程把出站帧写回连接。
type Session struct {
	id       string
	conn     websocket.WSConn
	joinedAt time.Time
	cfg      Config

	inbound *frameQueue
	out     chan Frame

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closed  sync.Once
	mu      sync.Mutex
	err     error
	onClose func(string)
}

// Open 创建会话并启动读写协程。ctx 结束时会话随之关闭。
func Open(ctx context.Context, id string, conn websocket.WSConn, cfg Config, onClose func(string)) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	sessCtx, cancel := context.WithCancel(ctx)
	s := &Session{
		id:       id,
		conn:     conn,
		joinedAt: time.Now(),
		cfg:      cfg,
		inbound:  newFrameQueue(cfg.InboundQueueCap),
		out:      make(chan Frame, cfg.OutboundBufferCap),
		ctx:      sessCtx,
		cancel:   cancel,
		onClose:  onClose,
	}

	if cfg.ReadLimit > 0 {
		conn.SetReadLimit(cfg.ReadLimit)
	}

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		s.inbound.run(sessCtx)
	}()
	go s.readLoop()
	go s.writeLoop()

	// 外部取消同样走关闭流程
	go func() {
		<-sessCtx.Done()
		s.shutdown(nil)
	}()

	return s, nil
}

func (s *Session) ID() string {
	return s.id
}

// JoinedAt 会话建立时刻，创建后不再改变
func (s *Session) JoinedAt() time.Time {
	return s.joinedAt
}

// Context 会话关闭时被取消
func (s *Session) Context() context.Context {
	return s.ctx
}

// Inbound 按到达顺序返回入站帧，会话关闭后通道关闭
func (s *Session) Inbound() <-chan Frame {
	return s.inbound.out
}

func (s *Session) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Err 返回导致会话结束的第一个错误，正常关闭时为 nil
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Send 把帧放入出站缓冲，缓冲已满时阻塞
func (s *Session) Send(ctx context.Context, f Frame) error {
	if s.ctx.Err() != nil {
		return ErrSessionClosed
	}
	select {
	case s.out <- f:
		return nil
	case <-s.ctx.Done():
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) readLoop() {
	defer s.wg.Done()

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsExpectedClose(err) || s.ctx.Err() != nil {
				s.shutdown(nil)
			} else {
				s.shutdown(fmt.Errorf("read: %w", err))
			}
			return
		}

		f := FrameFromWire(msgType, data)
		metrics.FrameReceived(f.Kind.String(), len(data))

		if !s.inbound.push(f) {
			metrics.FrameDropped("overflow")
			if s.cfg.OverflowPolicy == OverflowDisconnect {
				slog.Warn("inbound queue full, disconnecting", "client_id", s.id, "cap", s.cfg.InboundQueueCap)
				s.shutdown(ErrInboundOverflow)
				return
			}
			slog.Warn("inbound queue full, frame rejected", "client_id", s.id, "cap", s.cfg.InboundQueueCap)
		}
	}
}

func (s *Session) writeLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case f := <-s.out:
			if s.cfg.WriteTimeout > 0 {
				_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			}
			if err := s.conn.WriteMessage(f.WireType(), f.Data); err != nil {
				slog.Info("write failed", "error", err, "client_id", s.id)
				s.shutdown(fmt.Errorf("write: %w", err))
				return
			}
			metrics.FrameSent()
		}
	}
}

// Close 关闭会话并等待读写协程退出，可重复调用
func (s *Session) Close() {
	s.shutdown(nil)
	s.wg.Wait()
}

func (s *Session) shutdown(cause error) {
	s.closed.Do(func() {
		s.mu.Lock()
		s.err = cause
		s.mu.Unlock()

		s.cancel()
		_ = websocket.WriteClose(s.conn, websocket.CloseNormalClosure, "")
		_ = s.conn.Close()
		if s.onClose != nil {
			s.onClose(s.id)
		}
		slog.Info("session closed", "client_id", s.id, "error", cause)
	})
}
