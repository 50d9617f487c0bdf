// Package wstest 提供会话层测试使用的连接替身
package wstest

import (
	"io"
	"sync"
	"time"
)

type wireMsg struct {
	msgType int
	data    []byte
}

// MockWSConn 用于测试的WebSocket连接模拟，读操作阻塞直到有数据或连接关闭
type MockWSConn struct {
	incoming  chan wireMsg
	closedCh  chan struct{}
	closeOnce sync.Once
	wrote     chan struct{}

	mu       sync.Mutex
	written  []wireMsg
	writeErr error
}

func NewMockWSConn() *MockWSConn {
	return &MockWSConn{
		incoming: make(chan wireMsg, 256),
		closedCh: make(chan struct{}),
		wrote:    make(chan struct{}, 1),
	}
}

// Feed 模拟对端发送一帧
func (m *MockWSConn) Feed(msgType int, data string) {
	m.incoming <- wireMsg{msgType: msgType, data: []byte(data)}
}

// Pending 尚未被读取的帧数量
func (m *MockWSConn) Pending() int {
	return len(m.incoming)
}

func (m *MockWSConn) SetWriteError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

func (m *MockWSConn) ReadMessage() (int, []byte, error) {
	select {
	case msg := <-m.incoming:
		return msg.msgType, msg.data, nil
	case <-m.closedCh:
		return 0, nil, io.EOF
	}
}

func (m *MockWSConn) WriteMessage(msgType int, data []byte) error {
	m.mu.Lock()
	if m.writeErr != nil {
		m.mu.Unlock()
		return m.writeErr
	}
	m.written = append(m.written, wireMsg{msgType: msgType, data: data})
	m.mu.Unlock()

	select {
	case m.wrote <- struct{}{}:
	default:
	}
	return nil
}

func (m *MockWSConn) WriteControl(int, []byte, time.Time) error { return nil }
func (m *MockWSConn) SetReadLimit(int64)                        {}
func (m *MockWSConn) SetReadDeadline(time.Time) error           { return nil }
func (m *MockWSConn) SetWriteDeadline(time.Time) error          { return nil }

func (m *MockWSConn) Close() error {
	m.closeOnce.Do(func() { close(m.closedCh) })
	return nil
}

func (m *MockWSConn) IsClosed() bool {
	select {
	case <-m.closedCh:
		return true
	default:
		return false
	}
}

// Written 返回已写出的帧内容
func (m *MockWSConn) Written() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.written))
	for _, w := range m.written {
		out = append(out, string(w.data))
	}
	return out
}

// WaitWritten 等待至少写出 n 帧
func (m *MockWSConn) WaitWritten(n int, timeout time.Duration) ([]string, bool) {
	deadline := time.After(timeout)
	for {
		if w := m.Written(); len(w) >= n {
			return w, true
		}
		select {
		case <-m.wrote:
		case <-deadline:
			return m.Written(), false
		}
	}
}
