package admin

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qiminjie89/guildbot/internal/gateway"
	"github.com/qiminjie89/guildbot/internal/protocol"
	"github.com/qiminjie89/guildbot/pkg/auth"
)

type fakeGateway struct {
	state protocol.ConnectionState
}

func (g *fakeGateway) State() protocol.ConnectionState { return g.state }
func (g *fakeGateway) Session() gateway.Session {
	return gateway.Session{ID: "s1", LastSequence: 7, ShardIndex: 0, ShardCount: 1}
}
func (g *fakeGateway) Heartbeat() gateway.HeartbeatSchedule {
	return gateway.HeartbeatSchedule{Interval: 30 * time.Second}
}
func (g *fakeGateway) BotUser() protocol.User   { return protocol.User{ID: "42"} }
func (g *fakeGateway) Guilds() []protocol.Guild { return []protocol.Guild{{ID: "g1"}} }
func (g *fakeGateway) ConnectedAt() time.Time   { return time.Unix(1700000000, 0) }

type fakeCoolDowns map[string]time.Duration

func (c fakeCoolDowns) Snapshot() map[string]time.Duration { return c }

type fakeKafka bool

func (k fakeKafka) IsConnected() bool { return bool(k) }

func get(t *testing.T, h http.Handler, path, authz string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	gw := &fakeGateway{state: protocol.StateReady}
	s := NewServer(":0", gw, nil, nil).WithKafka(fakeKafka(true))
	h := s.Handler()

	rec := get(t, h, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var health HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "ready", health.State)
	assert.Equal(t, 1, health.Guilds)
	require.NotNil(t, health.KafkaConnected)
	assert.True(t, *health.KafkaConnected)

	gw.state = protocol.StateResuming
	rec = get(t, h, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsExposed(t *testing.T) {
	s := NewServer(":0", &fakeGateway{}, nil, nil)
	rec := get(t, s.Handler(), "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "guildbot_gateway_state")
}

func TestSessionRequiresToken(t *testing.T) {
	v := auth.NewJWTValidator("secret")
	s := NewServer(":0", &fakeGateway{state: protocol.StateReady}, fakeCoolDowns{"POST /channels/c1/messages": time.Minute}, v)
	h := s.Handler()

	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/session", "").Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/session", "Bearer nope").Code)

	token, err := v.GenerateToken("ops", time.Minute)
	require.NoError(t, err)
	rec := get(t, h, "/session", "Bearer "+token)
	require.Equal(t, http.StatusOK, rec.Code)

	var status SessionStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "s1", status.SessionID)
	assert.Equal(t, int64(7), status.LastSequence)
	assert.Equal(t, "42", status.BotID)
	assert.Equal(t, int64(30000), status.HeartbeatMS)
	assert.Equal(t, "1m0s", status.CoolingDown["POST /channels/c1/messages"])
}

func TestSessionDisabledWithoutSecret(t *testing.T) {
	s := NewServer(":0", &fakeGateway{}, nil, nil)
	assert.Equal(t, http.StatusNotFound, get(t, s.Handler(), "/session", "").Code)
}
