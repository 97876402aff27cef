package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketConfig WebSocket 配置
type WebSocketConfig struct {
	ReadBufferSize   int
	WriteBufferSize  int
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

// WebSocketTransport 基于 gorilla/websocket 的客户端传输
type WebSocketTransport struct {
	cfg    WebSocketConfig
	dialer websocket.Dialer

	conn    *websocket.Conn
	writeMu sync.Mutex

	state     atomic.Int32
	closeCode atomic.Int32
	closeOnce sync.Once
}

// NewWebSocketTransport 创建 WebSocket 传输
func NewWebSocketTransport(cfg WebSocketConfig) *WebSocketTransport {
	return &WebSocketTransport{
		cfg: cfg,
		dialer: websocket.Dialer{
			ReadBufferSize:   cfg.ReadBufferSize,
			WriteBufferSize:  cfg.WriteBufferSize,
			HandshakeTimeout: cfg.HandshakeTimeout,
			Proxy:            websocket.DefaultDialer.Proxy,
		},
	}
}

// NewWebSocketFactory 返回创建 WebSocket 传输的工厂
func NewWebSocketFactory(cfg WebSocketConfig) Factory {
	return func() Transport {
		return NewWebSocketTransport(cfg)
	}
}

// Open 拨号连接网关
func (t *WebSocketTransport) Open(ctx context.Context, uri string) error {
	if !t.state.CompareAndSwap(int32(StateIdle), int32(StateConnecting)) {
		return ErrClosed
	}

	conn, _, err := t.dialer.DialContext(ctx, uri, nil)
	if err != nil {
		t.state.Store(int32(StateClosed))
		t.closeCode.Store(websocket.CloseAbnormalClosure)
		return err
	}

	t.conn = conn
	t.state.Store(int32(StateOpen))
	return nil
}

// Send 发送文本帧
func (t *WebSocketTransport) Send(frame []byte) error {
	if t.State() != StateOpen {
		return ErrNotOpen
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.cfg.WriteTimeout > 0 {
		t.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.fail(websocket.CloseAbnormalClosure)
		return err
	}
	return nil
}

// Receive 读取下一帧，连接关闭后返回错误并记录关闭码
func (t *WebSocketTransport) Receive() ([]byte, error) {
	if t.conn == nil {
		return nil, ErrNotOpen
	}

	_, data, err := t.conn.ReadMessage()
	if err != nil {
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			t.fail(ce.Code)
		} else {
			t.fail(websocket.CloseAbnormalClosure)
		}
		return nil, err
	}
	return data, nil
}

// Close 发送关闭帧并断开底层连接
func (t *WebSocketTransport) Close(code int) error {
	if t.conn == nil {
		t.state.Store(int32(StateClosed))
		return nil
	}

	var err error
	t.closeOnce.Do(func() {
		t.closeCode.Store(int32(code))
		t.state.Store(int32(StateClosed))

		// 1006 只能本地记录，不能出现在关闭帧里
		if code != websocket.CloseAbnormalClosure {
			t.writeMu.Lock()
			msg := websocket.FormatCloseMessage(code, "")
			t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			t.writeMu.Unlock()
		}

		err = t.conn.Close()
	})
	return err
}

// State 当前状态
func (t *WebSocketTransport) State() State {
	return State(t.state.Load())
}

// CloseCode 关闭码
func (t *WebSocketTransport) CloseCode() int {
	return int(t.closeCode.Load())
}

// fail 读写错误时标记关闭，保留第一个关闭码
func (t *WebSocketTransport) fail(code int) {
	t.closeOnce.Do(func() {
		t.closeCode.Store(int32(code))
		t.state.Store(int32(StateClosed))
		t.conn.Close()
	})
}
