package queue

import (
	"encoding/json"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Slade66/resumable-fetcher/pkg/task"
)

func TestDecode(t *testing.T) {
	tk := task.New("https://example.com/a", "/a")
	tk.Blocks = 3
	payload, err := json.Marshal(tk)
	require.NoError(t, err)

	msg, err := decode(redis.XMessage{ID: "1-0", Values: map[string]any{"payload": string(payload)}})
	require.NoError(t, err)
	assert.Equal(t, "1-0", msg.ID)
	assert.Equal(t, tk.ID, msg.Task.ID)
	assert.Equal(t, 3, msg.Task.Blocks)
}

func TestDecodeBadPayload(t *testing.T) {
	msg, err := decode(redis.XMessage{ID: "2-0", Values: map[string]any{"payload": "{"}})
	assert.ErrorIs(t, err, ErrBadPayload)
	assert.Equal(t, "2-0", msg.ID)
	assert.Nil(t, msg.Task)

	msg, err = decode(redis.XMessage{ID: "3-0", Values: map[string]any{}})
	assert.ErrorIs(t, err, ErrBadPayload)
	assert.Equal(t, "3-0", msg.ID)
}

func TestNewDefaults(t *testing.T) {
	q := New(nil, "", "")
	assert.Equal(t, DefaultStream, q.stream)
	assert.Equal(t, DefaultGroup, q.group)
}
