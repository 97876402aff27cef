package api

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qiminjie89/guildbot/internal/breaker"
	"github.com/qiminjie89/guildbot/internal/protocol"
)

func newTestClient(t *testing.T, h http.Handler) (*Client, *clockwork.FakeClock) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	clock := clockwork.NewFakeClock()
	b := breaker.New(breaker.Config{InitialBackoff: time.Minute, MaxBackoff: time.Hour}, clock)
	c := New(Config{
		BaseURL:         srv.URL,
		AppID:           "100",
		Token:           "secret",
		Timeout:         2 * time.Second,
		StructuralCodes: []int{11241},
	}, b)
	return c, clock
}

func TestGatewayBot(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/gateway/bot", r.URL.Path)
		assert.Equal(t, "Bot 100.secret", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"url":"wss://gw/ws","shards":1,"session_start_limit":{"total":1000,"remaining":999,"reset_after":86400000,"max_concurrency":1}}`)
	}))

	info, err := c.GatewayBot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "wss://gw/ws", info.URL)
	assert.Equal(t, 999, info.SessionStartLimit.Remaining)
}

func TestAllGuildsPaginates(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "100", r.URL.Query().Get("limit"))

		start := 0
		if after := r.URL.Query().Get("after"); after != "" {
			n, _ := strconv.Atoi(after)
			start = n + 1
		}
		end := start + GuildPageSize
		if end > 150 {
			end = 150
		}

		w.Write([]byte("["))
		for i := start; i < end; i++ {
			if i > start {
				w.Write([]byte(","))
			}
			fmt.Fprintf(w, `{"id":"%d"}`, i)
		}
		w.Write([]byte("]"))
	}))

	guilds, err := c.AllGuilds(context.Background())
	require.NoError(t, err)
	assert.Len(t, guilds, 150)
	assert.Equal(t, "149", guilds[149].ID)
}

func TestStructuralFailureSuppressesNextCall(t *testing.T) {
	var hits atomic.Int32
	c, clock := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"code":11241,"message":"no permission"}`)
	}))

	err := c.Do(context.Background(), http.MethodPost, "/guilds/x/roles", nil, map[string]string{"name": "r"}, nil)
	require.ErrorIs(t, err, breaker.ErrCoolingDown)

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 11241, apiErr.Code)
	assert.True(t, apiErr.StructuralAuth())

	err = c.Do(context.Background(), http.MethodPost, "/guilds/x/roles", nil, map[string]string{"name": "r"}, nil)
	var cde *breaker.CoolDownError
	require.ErrorAs(t, err, &cde)
	assert.True(t, cde.Suppressed)
	assert.Equal(t, int32(1), hits.Load())

	// 冷却结束后再次发起请求
	clock.Advance(time.Minute)
	_ = c.Do(context.Background(), http.MethodPost, "/guilds/x/roles", nil, nil, nil)
	assert.Equal(t, int32(2), hits.Load())
}

func TestTransientErrorNotRecorded(t *testing.T) {
	var hits atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"code":500000,"message":"internal"}`)
	}))

	for i := 0; i < 2; i++ {
		_, err := c.PostMessage(context.Background(), "c1", &MessageToCreate{Content: "hi"})
		var apiErr *Error
		require.ErrorAs(t, err, &apiErr)
		assert.False(t, apiErr.StructuralAuth())
		assert.NotErrorIs(t, err, breaker.ErrCoolingDown)
	}
	assert.Equal(t, int32(2), hits.Load())
}

func TestPostDirectMessage(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/dms/g9/messages", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body MessageToCreate
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "pong", body.Content)
		assert.Equal(t, "m1", body.MsgID)

		fmt.Fprint(w, `{"id":"m2","content":"pong"}`)
	}))

	msg, err := c.PostDirectMessage(context.Background(), "g9", &MessageToCreate{Content: "pong", MsgID: "m1"})
	require.NoError(t, err)
	assert.Equal(t, "m2", msg.ID)
}

func TestReplyRoutesByClass(t *testing.T) {
	var paths []string
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		fmt.Fprint(w, `{"id":"r1"}`)
	}))

	msg := &protocol.Message{ID: "m1", ChannelID: "c1", GuildID: "g1"}
	require.NoError(t, c.Reply(context.Background(), msg, false, "hi"))
	require.NoError(t, c.Reply(context.Background(), msg, true, "hi"))

	assert.Equal(t, []string{"/channels/c1/messages", "/dms/g1/messages"}, paths)
}

func TestRateLimitWaitsBeforeRequest(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, `{"url":"wss://gw/ws"}`)
	}))
	t.Cleanup(srv.Close)

	b := breaker.New(breaker.Config{InitialBackoff: time.Minute, MaxBackoff: time.Hour}, clockwork.NewFakeClock())
	c := New(Config{BaseURL: srv.URL, AppID: "100", Token: "secret", Timeout: time.Second, RateLimit: 0.001, RateBurst: 1}, b)

	_, err := c.GatewayBot(context.Background())
	require.NoError(t, err)

	// 令牌耗尽，下一次等待超过 deadline
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.GatewayBot(ctx)
	require.Error(t, err)
	assert.EqualValues(t, 1, calls.Load())
}
