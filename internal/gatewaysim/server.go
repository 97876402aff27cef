// Package gatewaysim 本地模拟的网关与 OpenAPI，用于联调和端到端测试
package gatewaysim

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/qiminjie89/guildbot/internal/protocol"
	"github.com/qiminjie89/guildbot/pkg/logger"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config 模拟服务配置
type Config struct {
	AppID             string
	Token             string
	HeartbeatInterval time.Duration
	Bot               protocol.User
	Guilds            []protocol.Guild
}

// PostedMessage 机器人通过 OpenAPI 发送的消息
type PostedMessage struct {
	Direct  bool
	Target  string // 子频道 ID 或私信频道 ID
	Content string
	MsgID   string
}

// Server 模拟服务
type Server struct {
	cfg      Config
	upgrader websocket.Upgrader

	seq atomic.Int64

	mu       sync.Mutex
	sessions map[string]bool // session_id -> 可恢复
	conns    map[string]*conn
	posted   []PostedMessage
}

// NewServer 创建模拟服务
func NewServer(cfg Config) *Server {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	return &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		sessions: make(map[string]bool),
		conns:    make(map[string]*conn),
	}
}

// Handler 路由
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /websocket", s.handleWebSocket)
	mux.HandleFunc("GET /gateway/bot", s.authorized(s.handleGatewayBot))
	mux.HandleFunc("GET /users/@me/guilds", s.authorized(s.handleGuilds))
	mux.HandleFunc("POST /channels/{id}/messages", s.authorized(s.handlePost(false)))
	mux.HandleFunc("POST /dms/{id}/messages", s.authorized(s.handlePost(true)))
	return mux
}

func (s *Server) authHeader() string {
	return "Bot " + s.cfg.AppID + "." + s.cfg.Token
}

func (s *Server) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != s.authHeader() {
			writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"code": 11241, "message": "invalid token"})
			return
		}
		next(w, r)
	}
}

func (s *Server) handleGatewayBot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, &protocol.GatewayInfo{
		URL:    "ws://" + r.Host + "/websocket",
		Shards: 1,
		SessionStartLimit: protocol.SessionStartLimit{
			Total:          1000,
			Remaining:      1000,
			MaxConcurrency: 1,
		},
	})
}

func (s *Server) handleGuilds(w http.ResponseWriter, r *http.Request) {
	after := r.URL.Query().Get("after")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 100
	}

	start := 0
	if after != "" {
		for i, g := range s.cfg.Guilds {
			if g.ID == after {
				start = i + 1
				break
			}
		}
	}
	end := start + limit
	if end > len(s.cfg.Guilds) {
		end = len(s.cfg.Guilds)
	}
	writeJSON(w, http.StatusOK, s.cfg.Guilds[start:end])
}

func (s *Server) handlePost(direct bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Content string `json:"content"`
			MsgID   string `json:"msg_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{"code": 40000, "message": err.Error()})
			return
		}

		target := r.PathValue("id")
		s.mu.Lock()
		s.posted = append(s.posted, PostedMessage{Direct: direct, Target: target, Content: body.Content, MsgID: body.MsgID})
		s.mu.Unlock()

		writeJSON(w, http.StatusOK, &protocol.Message{ID: uuid.NewString(), ChannelID: target, Content: body.Content})
	}
}

// Posted 已收到的发消息请求
func (s *Server) Posted() []PostedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PostedMessage(nil), s.posted...)
}

// Dispatch 向所有已鉴权连接推送事件
func (s *Server) Dispatch(t protocol.EventType, payload interface{}) int {
	d, err := json.Marshal(payload)
	if err != nil {
		return 0
	}

	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		if c.ready.Load() {
			conns = append(conns, c)
		}
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.send(&protocol.Frame{Op: protocol.OpDispatch, D: d, S: s.seq.Add(1), T: t})
	}
	return len(conns)
}

// Kick 以指定关闭码断开所有连接；非 4009 时会话作废
func (s *Server) Kick(code int) {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	if !protocol.IsResumable(code) {
		for id := range s.sessions {
			s.sessions[id] = false
		}
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.close(code)
	}
}

// Connections 当前连接数
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := newConn(uuid.NewString(), ws, s)
	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()

	logger.Debug("sim connection opened", zap.String("conn_id", c.id), zap.String("remote_addr", r.RemoteAddr))
	c.start()
}

func (s *Server) remove(c *conn) {
	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
}

// identify 校验 token，创建新会话
func (s *Server) identify(token string) (string, bool) {
	if strings.TrimSpace(token) != s.authHeader() {
		return "", false
	}
	id := uuid.NewString()
	s.mu.Lock()
	s.sessions[id] = true
	s.mu.Unlock()
	return id, true
}

func (s *Server) resumable(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[sessionID]
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
