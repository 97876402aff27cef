package gatewaysim

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/qiminjie89/guildbot/internal/protocol"
	"github.com/qiminjie89/guildbot/pkg/logger"
)

const (
	sendChSize   = 256
	writeTimeout = 5 * time.Second
)

// conn 模拟网关上的一个机器人连接
type conn struct {
	id     string
	ws     *websocket.Conn
	server *Server

	sendCh    chan []byte
	ready     atomic.Bool
	closeOnce sync.Once
	closeCh   chan struct{}
}

func newConn(id string, ws *websocket.Conn, server *Server) *conn {
	return &conn{
		id:      id,
		ws:      ws,
		server:  server,
		sendCh:  make(chan []byte, sendChSize),
		closeCh: make(chan struct{}),
	}
}

func (c *conn) start() {
	go c.writeLoop()
	c.send(mustFrame(protocol.OpHello, protocol.HelloData{
		HeartbeatInterval: c.server.cfg.HeartbeatInterval.Milliseconds(),
	}))
	go c.readLoop()
}

func (c *conn) readLoop() {
	defer c.close(protocol.CloseCodeAbnormal)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			logger.Debug("sim connection read error", zap.String("conn_id", c.id), zap.Error(err))
			return
		}

		f, err := protocol.DecodeFrame(data)
		if err != nil {
			continue
		}
		c.handleFrame(f)
	}
}

func (c *conn) handleFrame(f *protocol.Frame) {
	switch f.Op {
	case protocol.OpHeartbeat:
		c.send(&protocol.Frame{Op: protocol.OpHeartbeatAck})

	case protocol.OpIdentify:
		var id protocol.IdentifyData
		if err := protocol.DecodePayload(f.D, &id); err != nil {
			c.close(protocol.CloseCodeAuthFailed)
			return
		}
		sessionID, ok := c.server.identify(id.Token)
		if !ok {
			c.close(protocol.CloseCodeAuthFailed)
			return
		}
		c.ready.Store(true)
		ready := mustFrame(protocol.OpDispatch, protocol.Ready{
			Version:   1,
			SessionID: sessionID,
			User:      c.server.cfg.Bot,
			Shard:     id.Shard,
		})
		ready.S, ready.T = c.server.seq.Add(1), protocol.EventReady
		c.send(ready)

	case protocol.OpResume:
		var rd protocol.ResumeData
		if err := protocol.DecodePayload(f.D, &rd); err != nil || !c.server.resumable(rd.SessionID) {
			c.send(mustFrame(protocol.OpInvalidSession, false))
			return
		}
		c.ready.Store(true)
		c.send(&protocol.Frame{Op: protocol.OpDispatch, S: c.server.seq.Add(1), T: protocol.EventResumed})
	}
}

// writeLoop 单写协程
func (c *conn) writeLoop() {
	for {
		select {
		case <-c.closeCh:
			return
		case data := <-c.sendCh:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close(protocol.CloseCodeAbnormal)
				return
			}
		}
	}
}

func (c *conn) send(f *protocol.Frame) {
	data, err := protocol.EncodeFrame(f)
	if err != nil {
		return
	}
	select {
	case c.sendCh <- data:
	case <-c.closeCh:
	}
}

func (c *conn) close(code int) {
	c.closeOnce.Do(func() {
		close(c.closeCh)
		if code != protocol.CloseCodeAbnormal {
			msg := websocket.FormatCloseMessage(code, protocol.CloseReason(code))
			c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		}
		c.ws.Close()
		c.server.remove(c)
	})
}

func mustFrame(op protocol.Opcode, payload interface{}) *protocol.Frame {
	f, err := protocol.NewFrame(op, payload)
	if err != nil {
		panic(err)
	}
	return f
}
