package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleychat/parley/internal/models"
)

func marshalToMap(t *testing.T, f *ServerFrame) map[string]interface{} {
	t.Helper()
	raw, err := json.Marshal(f)
	require.NoError(t, err)
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &m))
	return m
}

func TestZeroCountsStayOnTheWire(t *testing.T) {
	// The last member leaving produces memberCount 0; clients must see it.
	m := marshalToMap(t, UserLeft("u1", "alice", 0))
	count, ok := m["memberCount"]
	require.True(t, ok)
	assert.EqualValues(t, 0, count)

	m = marshalToMap(t, RoomList(nil))
	count, ok = m["count"]
	require.True(t, ok)
	assert.EqualValues(t, 0, count)

	m = marshalToMap(t, UserList("lobby", nil))
	count, ok = m["count"]
	require.True(t, ok)
	assert.EqualValues(t, 0, count)
}

func TestCountOmittedWhenUnset(t *testing.T) {
	m := marshalToMap(t, System("hello"))
	_, hasMemberCount := m["memberCount"]
	_, hasCount := m["count"]
	assert.False(t, hasMemberCount)
	assert.False(t, hasCount)
}

func TestEmptyTypingUpdateKeepsField(t *testing.T) {
	m := marshalToMap(t, TypingUpdate(nil))
	users, ok := m["typingUsers"]
	require.True(t, ok)
	assert.Equal(t, []interface{}{}, users)
}

func TestChatMessageFlattens(t *testing.T) {
	msg := &models.Message{Content: "hi", Username: "alice", Kind: models.MessageKindUser}
	m := marshalToMap(t, ChatMessage(msg))
	payload, ok := m["message"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "hi", payload["content"])
}
