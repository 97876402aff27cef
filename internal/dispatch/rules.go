package dispatch

import (
	"context"
	"errors"
	"sync"

	"github.com/qiminjie89/guildbot/internal/protocol"
)

var (
	ErrDuplicateCommand = errors.New("dispatch: command already registered")
	ErrInvalidCommand   = errors.New("dispatch: command needs a name, matcher and handler")
)

// Command 指令调用上下文
type Command struct {
	Name    string
	Token   string // 命中的指令词
	Args    string // 去掉指令词后的剩余内容
	Class   protocol.MessageClass
	Message *protocol.Message

	reply func(ctx context.Context, content string) error
}

// Reply 被动回复触发指令的消息
func (c *Command) Reply(ctx context.Context, content string) error {
	if c.reply == nil {
		return errors.New("dispatch: no replier configured")
	}
	return c.reply(ctx, content)
}

// Handler 指令处理函数
type Handler func(ctx context.Context, cmd *Command) error

// Rule 指令规则
type Rule struct {
	Name             string
	Matcher          Matcher
	RequiresElevated bool
	Handler          Handler
}

// Registry 指令注册表，按注册顺序匹配，先命中者胜出
type Registry struct {
	mu    sync.RWMutex
	rules []Rule
}

// NewRegistry 创建注册表
func NewRegistry() *Registry {
	return &Registry{}
}

// Add 注册指令，名称唯一
func (r *Registry) Add(rule Rule) error {
	if rule.Name == "" || rule.Matcher == nil || rule.Handler == nil {
		return ErrInvalidCommand
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.rules {
		if existing.Name == rule.Name {
			return ErrDuplicateCommand
		}
	}
	r.rules = append(r.rules, rule)
	return nil
}

// Remove 注销指令
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, rule := range r.rules {
		if rule.Name == name {
			r.rules = append(r.rules[:i:i], r.rules[i+1:]...)
			return true
		}
	}
	return false
}

// Match 顺序扫描，返回第一条命中的规则
func (r *Registry) Match(content string) (Rule, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, rule := range r.rules {
		if token, ok := rule.Matcher.Match(content); ok {
			return rule, token, true
		}
	}
	return Rule{}, "", false
}

// Names 已注册指令名（注册顺序）
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, len(r.rules))
	for i, rule := range r.rules {
		names[i] = rule.Name
	}
	return names
}
