package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/chenxilol/duplexhub/internal/bus"
	"github.com/chenxilol/duplexhub/internal/metrics"
	"github.com/chenxilol/duplexhub/internal/utils"
	"github.com/google/uuid"
)

// 总线订阅的重试参数
const (
	relayMaxRetries     = 5
	relayInitialBackoff = time.Second
	relayMaxBackoff     = 30 * time.Second

	// 待转发到总线的本地消息缓冲，满时发布方等待
	relayQueueSize = 256
)

// envelope 节点间传递的广播消息
type envelope struct {
	ID      string    `json:"id"`
	NodeID  string    `json:"node_id"`
	Payload string    `json:"payload"`
	SentAt  time.Time `json:"sent_at"`
}

// relay 把本地发布转发到总线，失败只记录不影响本地投递
func (h *Hub) relay(ctx context.Context, msg string) {
	data, err := json.Marshal(envelope{
		ID:      uuid.NewString(),
		NodeID:  h.nodeID,
		Payload: msg,
		SentAt:  time.Now(),
	})
	if err != nil {
		slog.Error("failed to marshal relay envelope", "error", err)
		return
	}

	if h.cfg.BusTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.cfg.BusTimeout)
		defer cancel()
	}
	if err := h.bus.Publish(ctx, h.cfg.RelayTopic, data); err != nil {
		metrics.RecordError()
		slog.Warn("failed to relay message", "topic", h.cfg.RelayTopic, "error", err)
	}
}

// enqueueRelay 调用方持有 seq，入队顺序即发布顺序
func (h *Hub) enqueueRelay(msg string) {
	select {
	case h.relayq <- msg:
	case <-h.done:
	}
}

// runRelayPublisher 按顺序把本地发布写到总线，总线往返不占用 seq
func (h *Hub) runRelayPublisher(ctx context.Context) {
	defer h.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-h.relayq:
			h.relay(ctx, msg)
		}
	}
}

// runRelay 订阅总线并把其他节点的消息投递给本地订阅者，订阅通道关闭后重新订阅
func (h *Hub) runRelay(ctx context.Context) {
	defer h.wg.Done()

	for {
		var ch <-chan []byte
		err := utils.RetryWithBackoff(ctx, "hub relay subscribe", relayMaxRetries, relayInitialBackoff, relayMaxBackoff, func() error {
			c, err := h.bus.Subscribe(ctx, h.cfg.RelayTopic)
			if errors.Is(err, bus.ErrBusClosed) {
				return utils.Permanent(err)
			}
			if err != nil {
				return err
			}
			ch = c
			return nil
		})
		if err != nil {
			if ctx.Err() == nil {
				metrics.RecordCriticalError("relay_subscribe")
			}
			return
		}
		slog.Info("subscribed to relay topic", "topic", h.cfg.RelayTopic, "node_id", h.nodeID)

		if !h.consume(ctx, ch) {
			return
		}
		slog.Warn("relay channel closed, resubscribing", "topic", h.cfg.RelayTopic)
	}
}

// consume 处理总线消息直到通道关闭，ctx 结束时返回 false
func (h *Hub) consume(ctx context.Context, ch <-chan []byte) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case data, ok := <-ch:
			if !ok {
				return ctx.Err() == nil
			}
			h.handleRelayed(ctx, data)
		}
	}
}

func (h *Hub) handleRelayed(ctx context.Context, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		metrics.RecordError()
		slog.Warn("dropping malformed relay message", "error", err, "size", len(data))
		return
	}
	if env.NodeID == h.nodeID {
		return
	}
	if env.ID != "" && h.dedup.seen(env.ID) {
		metrics.RelayDuplicate()
		slog.Debug("ignoring duplicate relay message", "id", env.ID)
		return
	}
	metrics.RelayReceived()

	if err := h.acquire(ctx); err != nil {
		return
	}
	defer h.release()

	if err := h.deliver(env.Payload); err != nil {
		slog.Debug("relay delivery interrupted", "id", env.ID, "error", err)
	}
}
