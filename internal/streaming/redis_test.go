package streaming

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newMirror(t *testing.T) (*RedisMirror, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisMirror(client, zap.NewNop()), mr
}

func TestRedisMirrorAppendAndTail(t *testing.T) {
	mirror, _ := newMirror(t)
	m := NewManager(8)
	m.SetMirror(mirror)

	m.Publish("task-9", Event{Phase: "searching", Message: "round 1"})
	m.Publish("task-9", Event{Phase: "completed", Final: true})

	// Mirror writes happen off the publish path; poll until they land.
	var msgs []redis.XMessage
	require.Eventually(t, func() bool {
		var err error
		msgs, err = mirror.Tail(context.Background(), "task-9", "", 10)
		return err == nil && len(msgs) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "searching", msgs[0].Values["phase"])
	assert.Equal(t, "completed", msgs[1].Values["phase"])
	assert.Contains(t, msgs[1].Values["payload"], `"final":true`)
}

func TestRedisMirrorTailEmpty(t *testing.T) {
	mirror, _ := newMirror(t)
	msgs, err := mirror.Tail(context.Background(), "missing", "", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}
