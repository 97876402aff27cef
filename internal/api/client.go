// Package api 机器人 OpenAPI（动作通道）客户端，所有调用经过熔断器
package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/qiminjie89/guildbot/internal/breaker"
	"github.com/qiminjie89/guildbot/internal/protocol"
	"github.com/qiminjie89/guildbot/pkg/logger"
	"github.com/qiminjie89/guildbot/pkg/metrics"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// GuildPageSize 频道列表单页上限
const GuildPageSize = 100

// Error OpenAPI 错误
type Error struct {
	Status     int    `json:"-"`
	Code       int    `json:"code"`
	Message    string `json:"message"`
	TraceID    string `json:"-"`
	structural bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("api: status %d code %d: %s", e.Status, e.Code, e.Message)
}

// StructuralAuth 结构性鉴权失败（熔断器识别）
func (e *Error) StructuralAuth() bool {
	return e.structural
}

// Config 客户端配置
type Config struct {
	BaseURL         string
	AppID           string
	Token           string
	Timeout         time.Duration
	RateLimit       float64
	RateBurst       int
	StructuralCodes []int
}

// Client OpenAPI 客户端
type Client struct {
	baseURL    string
	authHeader string
	http       *http.Client
	breaker    *breaker.Breaker
	limiter    *rate.Limiter
	structural map[int]struct{}
}

// New 创建客户端
func New(cfg Config, b *breaker.Breaker) *Client {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	structural := make(map[int]struct{}, len(cfg.StructuralCodes))
	for _, code := range cfg.StructuralCodes {
		structural[code] = struct{}{}
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		authHeader: fmt.Sprintf("Bot %s.%s", cfg.AppID, cfg.Token),
		http:       &http.Client{Timeout: cfg.Timeout},
		breaker:    b,
		limiter:    limiter,
		structural: structural,
	}
}

// Token 网关鉴权使用的 token
func (c *Client) Token() string {
	return c.authHeader
}

// Do 发起请求，熔断 key 为 "METHOD /path"
func (c *Client) Do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	key := method + " " + path
	return c.breaker.Execute(ctx, key, func(ctx context.Context) error {
		return c.do(ctx, method, path, query, body, out)
	})
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("api: encode body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", c.authHeader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.APIRequestDuration.WithLabelValues(method, "error").Observe(time.Since(start).Seconds())
		return err
	}
	defer resp.Body.Close()
	metrics.APIRequestDuration.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Observe(time.Since(start).Seconds())

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &Error{Status: resp.StatusCode, TraceID: resp.Header.Get("X-Tps-Trace-Id")}
		if len(data) > 0 {
			if err := json.Unmarshal(data, apiErr); err != nil {
				apiErr.Message = string(data)
			}
		}
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		_, apiErr.structural = c.structural[apiErr.Code]

		logger.Debug("api request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.Int("code", apiErr.Code),
			zap.String("trace_id", apiErr.TraceID),
		)
		return apiErr
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("api: decode %s %s: %w", method, path, err)
	}
	return nil
}

// GatewayBot 获取网关地址与会话额度
func (c *Client) GatewayBot(ctx context.Context) (*protocol.GatewayInfo, error) {
	var info protocol.GatewayInfo
	if err := c.Do(ctx, http.MethodGet, "/gateway/bot", nil, nil, &info); err != nil {
		return nil, err
	}
	if info.URL == "" {
		return nil, errors.New("api: gateway url is empty")
	}
	return &info, nil
}

// Guilds 分页获取机器人加入的频道
func (c *Client) Guilds(ctx context.Context, after string, limit int) ([]protocol.Guild, error) {
	q := url.Values{}
	if after != "" {
		q.Set("after", after)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var guilds []protocol.Guild
	if err := c.Do(ctx, http.MethodGet, "/users/@me/guilds", q, nil, &guilds); err != nil {
		return nil, err
	}
	return guilds, nil
}

// AllGuilds 遍历获取全部频道
func (c *Client) AllGuilds(ctx context.Context) ([]protocol.Guild, error) {
	var (
		all   []protocol.Guild
		after string
	)
	for {
		page, err := c.Guilds(ctx, after, GuildPageSize)
		if err != nil {
			return all, err
		}
		all = append(all, page...)
		if len(page) < GuildPageSize {
			return all, nil
		}
		after = page[len(page)-1].ID
	}
}

// MessageToCreate 发送消息请求体
type MessageToCreate struct {
	Content string `json:"content,omitempty"`
	MsgID   string `json:"msg_id,omitempty"` // 被动回复的消息 ID
	EventID string `json:"event_id,omitempty"`
	Nonce   string `json:"nonce,omitempty"`
}

// PostMessage 向子频道发送消息
func (c *Client) PostMessage(ctx context.Context, channelID string, msg *MessageToCreate) (*protocol.Message, error) {
	var out protocol.Message
	path := "/channels/" + url.PathEscape(channelID) + "/messages"
	if err := c.Do(ctx, http.MethodPost, path, nil, msg, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PostDirectMessage 向私信会话发送消息
func (c *Client) PostDirectMessage(ctx context.Context, guildID string, msg *MessageToCreate) (*protocol.Message, error) {
	var out protocol.Message
	path := "/dms/" + url.PathEscape(guildID) + "/messages"
	if err := c.Do(ctx, http.MethodPost, path, nil, msg, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Reply 被动回复入站消息，私信回复到来源频道的私信会话
func (c *Client) Reply(ctx context.Context, msg *protocol.Message, direct bool, content string) error {
	req := &MessageToCreate{Content: content, MsgID: msg.ID}
	var err error
	if direct {
		_, err = c.PostDirectMessage(ctx, msg.GuildID, req)
	} else {
		_, err = c.PostMessage(ctx, msg.ChannelID, req)
	}
	return err
}
