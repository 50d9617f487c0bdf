package echo

import (
	"context"
	"log/slog"

	"github.com/chenxilol/duplexhub/internal/metrics"
	"github.com/chenxilol/duplexhub/internal/session"
)

// Serve 把会话的入站文本交给管道，并把管道输出作为文本帧写回，直到连接关闭。
func Serve(ctx context.Context, sess *session.Session, p *Pipeline) error {
	defer sess.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-sess.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	commands := make(chan string)
	go func() {
		defer close(commands)
		for f := range sess.Inbound() {
			text, ok := session.Classify(f)
			if !ok {
				metrics.FrameDropped("non_text")
				continue
			}
			select {
			case commands <- text:
			case <-ctx.Done():
				return
			}
		}
	}()

	out, errc := p.Run(ctx, commands, sess.JoinedAt())
	for msg := range out {
		if err := sess.Send(ctx, session.Text(msg)); err != nil {
			cancel()
			break
		}
	}

	if err := <-errc; err != nil {
		slog.Error("echo pipeline failed", "client_id", sess.ID(), "error", err)
		metrics.RecordError()
		return err
	}
	return sess.Err()
}
