package redisclient

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPinger(t *testing.T) {
	mr, client := newMiniRedis(t)
	ping := Pinger(client)

	require.NoError(t, ping(context.Background()))

	mr.Close()
	assert.Error(t, ping(context.Background()), "ping should fail once redis is gone")
}

func TestNewRedisClient(t *testing.T) {
	mr, _ := newMiniRedis(t)
	addr := mr.Addr()

	rdb, err := NewRedisClient(context.Background(), addr, "", "")
	require.NoError(t, err)
	require.NoError(t, rdb.Close())

	mr.Close()
	_, err = NewRedisClient(context.Background(), addr, "", "")
	assert.Error(t, err, "redis is unreachable")
}
