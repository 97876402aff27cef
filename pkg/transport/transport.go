// Package transport 提供网关客户端的传输层抽象
package transport

import (
	"context"
	"errors"
)

var (
	ErrNotOpen = errors.New("transport: not open")
	ErrClosed  = errors.New("transport: closed")
)

// State 传输层状态
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "idle"
	}
}

// Transport 双工帧传输（一次连接一个实例，关闭后不可复用）
type Transport interface {
	// Open 建立连接
	Open(ctx context.Context, uri string) error
	// Send 发送一帧
	Send(frame []byte) error
	// Receive 阻塞读取下一帧
	Receive() ([]byte, error)
	// Close 以指定关闭码关闭连接
	Close(code int) error
	// State 当前状态
	State() State
	// CloseCode 连接关闭时的关闭码，未关闭时为 0
	CloseCode() int
}

// Factory 每次连接尝试创建新的传输实例
type Factory func() Transport
