package redisclient

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMiniRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisDoctorLocker_ReleasesAfterUse(t *testing.T) {
	mr, client := newMiniRedis(t)
	locker := NewRedisDoctorLocker(client, 5*time.Second, 100*time.Millisecond)
	doctorID := uuid.New()
	key := "lock:doctor:" + doctorID.String()

	called := false
	err := locker.WithDoctorLock(context.Background(), doctorID, func(ctx context.Context) error {
		called = true
		assert.True(t, mr.Exists(key), "lock key should exist inside the critical section")
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
	assert.False(t, mr.Exists(key), "lock key should be released")
}

func TestRedisDoctorLocker_GivesUpAfterWait(t *testing.T) {
	mr, client := newMiniRedis(t)
	doctorID := uuid.New()
	key := "lock:doctor:" + doctorID.String()
	require.NoError(t, mr.Set(key, "someone-else"))

	locker := NewRedisDoctorLocker(client, 5*time.Second, 60*time.Millisecond)
	err := locker.WithDoctorLock(context.Background(), doctorID, func(ctx context.Context) error {
		t.Error("fn must not run without the lock")
		return nil
	})
	require.ErrorIs(t, err, ErrLockNotAcquired)

	// a foreign holder's key must survive our failed attempt
	v, _ := mr.Get(key)
	assert.Equal(t, "someone-else", v)
}

func TestRedisDoctorLocker_WaitsForHolder(t *testing.T) {
	_, client := newMiniRedis(t)
	locker := NewRedisDoctorLocker(client, 5*time.Second, 2*time.Second)
	doctorID := uuid.New()

	var inside int32
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := locker.WithDoctorLock(context.Background(), doctorID, func(ctx context.Context) error {
				assert.EqualValues(t, 1, atomic.AddInt32(&inside, 1), "exclusive section")
				time.Sleep(10 * time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
}

func TestLocalLocker_SerialisesSameDoctor(t *testing.T) {
	locker := NewLocalLocker()
	doctorID := uuid.New()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = locker.WithDoctorLock(context.Background(), doctorID, func(ctx context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, maxInside)
	assert.Empty(t, locker.locks)
}
