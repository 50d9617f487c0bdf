// duplexclient 是一个命令行客户端：把标准输入的每一行作为文本帧发送，并打印收到的消息
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

var (
	addr     = flag.String("addr", "localhost:8080", "服务地址")
	endpoint = flag.String("endpoint", "chat", "端点: echo 或 chat")
	token    = flag.String("token", "", "JWT令牌，可选")
)

func main() {
	flag.Parse()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	u := url.URL{Scheme: "ws", Host: *addr, Path: "/" + *endpoint}
	if err := run(ctx, u.String(), *token, os.Stdin, os.Stdout); err != nil {
		slog.Error("client stopped", "error", err)
		os.Exit(1)
	}
}

// run 连接 wsURL，直到输入结束、连接断开或 ctx 结束
func run(ctx context.Context, wsURL, token string, in io.Reader, out io.Writer) error {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (status %d)", wsURL, err, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}
	defer conn.Close()
	slog.Info("connected", "url", wsURL)

	done := make(chan error, 1)
	go func() {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					err = nil
				}
				done <- err
				return
			}
			fmt.Fprintln(out, string(msg))
		}
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case err := <-done:
			return err
		case line, ok := <-lines:
			if !ok {
				return closeGracefully(conn, done)
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
				return err
			}
		case <-ctx.Done():
			return closeGracefully(conn, done)
		}
	}
}

// closeGracefully 发送关闭帧并等待对端确认
func closeGracefully(conn *websocket.Conn, done <-chan error) error {
	err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return err
	}
	select {
	case <-done:
	case <-time.After(time.Second):
	}
	return nil
}
