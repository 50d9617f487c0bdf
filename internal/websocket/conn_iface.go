// Package websocket 封装底层WebSocket连接，便于会话层测试替换
package websocket

import "time"

// WSConn 是会话层依赖的最小连接接口
type WSConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(int, []byte) error
	WriteControl(int, []byte, time.Time) error
	SetReadLimit(int64)
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
	Close() error
}
