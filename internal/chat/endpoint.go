// Package chat 把连接会话接入广播中心：入站文本发布到中心，订阅到的消息写回连接
package chat

import (
	"context"
	"errors"
	"log/slog"

	"github.com/chenxilol/duplexhub/internal/hub"
	"github.com/chenxilol/duplexhub/internal/metrics"
	"github.com/chenxilol/duplexhub/internal/session"
)

// Serve 为会话订阅广播中心并转发双向消息，直到连接关闭或 ctx 结束。
// 订阅失败时会话被关闭，其他订阅者不受影响。
func Serve(ctx context.Context, sess *session.Session, h *hub.Hub, capacity int) error {
	defer sess.Close()

	sub, err := h.Subscribe(capacity)
	if err != nil {
		slog.Warn("chat subscribe failed", "client_id", sess.ID(), "error", err)
		metrics.RecordError()
		return err
	}
	defer h.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-sess.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		forward(ctx, sess, sub)
		cancel()
	}()

	publishInbound(ctx, sess, h)
	cancel()
	<-forwarded

	slog.Debug("chat session ended", "client_id", sess.ID(), "subscription_id", sub.ID())
	return sess.Err()
}

// forward 把订阅消息按顺序写回连接
func forward(ctx context.Context, sess *session.Session, sub *hub.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
			return
		case msg := <-sub.Messages():
			if err := sess.Send(ctx, session.Text(msg)); err != nil {
				return
			}
		}
	}
}

func publishInbound(ctx context.Context, sess *session.Session, h *hub.Hub) {
	for {
		var (
			f  session.Frame
			ok bool
		)
		select {
		case <-ctx.Done():
			return
		case f, ok = <-sess.Inbound():
			if !ok {
				return
			}
		}

		text, isText := session.Classify(f)
		if !isText {
			metrics.FrameDropped("non_text")
			continue
		}
		if err := h.Publish(ctx, text); err != nil {
			if !errors.Is(err, context.Canceled) {
				slog.Warn("chat publish failed", "client_id", sess.ID(), "error", err)
			}
			return
		}
	}
}
