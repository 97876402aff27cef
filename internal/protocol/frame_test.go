package protocol

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	f, err := NewFrame(OpHeartbeat, int64(42))
	require.NoError(t, err)

	data, err := EncodeFrame(f)
	require.NoError(t, err)
	assert.JSONEq(t, `{"op":1,"d":42}`, string(data))

	got, err := DecodeFrame(data)
	require.NoError(t, err)
	assert.Equal(t, OpHeartbeat, got.Op)

	var seq int64
	require.NoError(t, DecodePayload(got.D, &seq))
	assert.Equal(t, int64(42), seq)
}

func TestDecodeDispatchFrame(t *testing.T) {
	raw := `{"op":0,"s":7,"t":"AT_MESSAGE_CREATE","d":{"id":"m1","content":"hi"}}`
	f, err := DecodeFrame([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, OpDispatch, f.Op)
	assert.Equal(t, int64(7), f.S)
	assert.Equal(t, EventAtMessageCreate, f.T)
}

func TestDecodeFrameErrors(t *testing.T) {
	_, err := DecodeFrame(nil)
	assert.ErrorIs(t, err, ErrInvalidFrame)

	_, err = DecodeFrame([]byte("{not json"))
	assert.ErrorIs(t, err, ErrInvalidFrame)

	_, err = DecodeFrame([]byte(strings.Repeat(" ", MaxFrameLen+1)))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestIdentifyPayload(t *testing.T) {
	intents, err := ParseIntents([]string{"guilds", "public_guild_messages"})
	require.NoError(t, err)

	f, err := NewFrame(OpIdentify, IdentifyData{
		Token:   "Bot 1.abc",
		Intents: intents,
		Shard:   [2]int{0, 1},
	})
	require.NoError(t, err)

	var got IdentifyData
	require.NoError(t, DecodePayload(f.D, &got))
	assert.Equal(t, IntentGuilds|IntentPublicGuildMessages, got.Intents)
	assert.Equal(t, [2]int{0, 1}, got.Shard)
}

func TestParseIntents(t *testing.T) {
	i, err := ParseIntents([]string{" Guilds ", "direct_message"})
	require.NoError(t, err)
	assert.True(t, i.Has(IntentGuilds))
	assert.True(t, i.Has(IntentDirectMessage))
	assert.False(t, i.Has(IntentGuildMessages))

	_, err = ParseIntents([]string{"nope"})
	assert.Error(t, err)
}

func TestCloseCodes(t *testing.T) {
	assert.True(t, IsResumable(CloseCodeResume))
	assert.False(t, IsResumable(CloseCodeNormal))
	assert.False(t, IsResumable(CloseCodeInvalidSession))
	assert.Equal(t, "other", CloseReason(4999))
	assert.Equal(t, "session_timeout", CloseReason(4009))
}
