package protocol

import (
	"errors"

	jsoniter "github.com/json-iterator/go"
)

/*
网关帧格式（JSON 文本帧）：

	{"op": <int>, "d": <any>, "s": <int, 仅 Dispatch>, "t": <string, 仅 Dispatch>}
*/

const MaxFrameLen = 4 << 20 // 4MB

var (
	ErrFrameTooLarge = errors.New("protocol: frame too large")
	ErrInvalidFrame  = errors.New("protocol: invalid frame")
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// RawMessage 未解码的负载
type RawMessage = jsoniter.RawMessage

// Frame 网关帧
type Frame struct {
	Op Opcode     `json:"op"`
	D  RawMessage `json:"d,omitempty"`
	S  int64      `json:"s,omitempty"`
	T  EventType  `json:"t,omitempty"`
}

// HelloData Hello 负载
type HelloData struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"` // 毫秒
}

// IdentifyData Identify 负载
type IdentifyData struct {
	Token      string            `json:"token"`
	Intents    Intent            `json:"intents"`
	Shard      [2]int            `json:"shard"`
	Properties map[string]string `json:"properties,omitempty"`
}

// ResumeData Resume 负载
type ResumeData struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

// GatewayInfo 网关发现接口返回
type GatewayInfo struct {
	URL               string            `json:"url"`
	Shards            int               `json:"shards"`
	SessionStartLimit SessionStartLimit `json:"session_start_limit"`
}

// SessionStartLimit 会话创建额度
type SessionStartLimit struct {
	Total          int   `json:"total"`
	Remaining      int   `json:"remaining"`
	ResetAfter     int64 `json:"reset_after"` // 毫秒
	MaxConcurrency int   `json:"max_concurrency"`
}

// NewFrame 构造待发送的帧
func NewFrame(op Opcode, payload interface{}) (*Frame, error) {
	f := &Frame{Op: op}
	if payload != nil {
		d, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		f.D = d
	}
	return f, nil
}

// EncodeFrame 编码帧
func EncodeFrame(f *Frame) ([]byte, error) {
	return json.Marshal(f)
}

// DecodeFrame 解码帧
func DecodeFrame(data []byte) (*Frame, error) {
	if len(data) > MaxFrameLen {
		return nil, ErrFrameTooLarge
	}
	if len(data) == 0 {
		return nil, ErrInvalidFrame
	}

	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, errors.Join(ErrInvalidFrame, err)
	}
	return &f, nil
}

// DecodePayload 解码帧负载
func DecodePayload(data RawMessage, v interface{}) error {
	if len(data) == 0 {
		return ErrInvalidFrame
	}
	return json.Unmarshal(data, v)
}

// EncodePayload 编码 JSON 负载（OpenAPI 请求体等）
func EncodePayload(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}
