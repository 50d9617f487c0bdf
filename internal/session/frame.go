// Package session 将升级后的双工连接桥接为应用层的帧收发队列
package session

import (
	"strings"

	"github.com/chenxilol/duplexhub/internal/websocket"
)

// Kind 帧类型
type Kind int

const (
	KindText Kind = iota + 1
	KindBinary
	KindPing
	KindPong
	KindClose
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindBinary:
		return "binary"
	case KindPing:
		return "ping"
	case KindPong:
		return "pong"
	case KindClose:
		return "close"
	default:
		return "unknown"
	}
}

// Frame 封装一个底层websocket帧
type Frame struct {
	Kind Kind
	Data []byte
}

// Text 构造文本帧
func Text(s string) Frame {
	return Frame{Kind: KindText, Data: []byte(s)}
}

// FrameFromWire 将gorilla的消息类型映射为帧类型
func FrameFromWire(msgType int, data []byte) Frame {
	var k Kind
	switch msgType {
	case websocket.TextMessage:
		k = KindText
	case websocket.BinaryMessage:
		k = KindBinary
	case websocket.PingMessage:
		k = KindPing
	case websocket.PongMessage:
		k = KindPong
	case websocket.CloseMessage:
		k = KindClose
	}
	return Frame{Kind: k, Data: data}
}

// WireType 返回写入连接时使用的消息类型
func (f Frame) WireType() int {
	switch f.Kind {
	case KindBinary:
		return websocket.BinaryMessage
	case KindPing:
		return websocket.PingMessage
	case KindPong:
		return websocket.PongMessage
	case KindClose:
		return websocket.CloseMessage
	default:
		return websocket.TextMessage
	}
}

// Classify 对文本帧返回去除首尾空白后的内容，其余帧类型返回 false。
// 非文本帧对两个端点都没有意义，直接忽略，不回复也不报错。
func Classify(f Frame) (string, bool) {
	if f.Kind != KindText {
		return "", false
	}
	return strings.TrimSpace(string(f.Data)), true
}
