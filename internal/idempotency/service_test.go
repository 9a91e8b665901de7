package idempotency_test

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/doctor-booking/internal/idempotency"
	"github.com/hackgods/doctor-booking/internal/memstore"
)

const endpoint = "POST:/appointments"

func newService(now *time.Time) *idempotency.Service {
	svc := idempotency.NewService(memstore.New().Idempotency(), time.Hour)
	svc.Now = func() time.Time { return *now }
	return svc
}

func TestHashPayload_IsCanonical(t *testing.T) {
	a, err := idempotency.HashPayload([]byte(`{"doctor_id":"d1","slot":{"start":"10:00","end":"10:30"},"n":1.50}`))
	require.NoError(t, err)
	b, _ := idempotency.HashPayload([]byte("{\n  \"n\": 1.50,\n  \"slot\": {\"end\": \"10:30\", \"start\": \"10:00\"},\n  \"doctor_id\": \"d1\"\n}"))
	assert.Equal(t, a, b, "key order and whitespace must not change the hash")

	c, _ := idempotency.HashPayload([]byte(`{"doctor_id":"d2","slot":{"start":"10:00","end":"10:30"},"n":1.50}`))
	assert.NotEqual(t, a, c)

	type req struct {
		B string `json:"b"`
		A int    `json:"a"`
	}
	s, _ := idempotency.HashPayload(req{B: "x", A: 1})
	m, _ := idempotency.HashPayload(map[string]any{"a": 1, "b": "x"})
	assert.Equal(t, s, m, "struct and map with the same fields")
	assert.Len(t, s, 64)
}

func TestBeginValidateComplete(t *testing.T) {
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	svc := newService(&now)
	ctx := context.Background()
	payload := []byte(`{"doctor_id":"d1"}`)

	rec, existing, err := svc.Begin(ctx, "K", endpoint, payload)
	require.NoError(t, err)
	require.Nil(t, existing)
	require.NotNil(t, rec)
	assert.Equal(t, idempotency.StatusInProgress, rec.Status)
	assert.True(t, rec.ExpiresAt.Equal(now.Add(time.Hour)))

	_, existing, err = svc.Begin(ctx, "K", endpoint, payload)
	require.NoError(t, err)
	require.NotNil(t, existing)
	out, _ := svc.ValidateExisting(existing, payload)
	assert.Equal(t, idempotency.OutcomeInProgress, out.Kind)

	body := json.RawMessage(`{"id":"a1"}`)
	require.NoError(t, svc.Complete(ctx, rec, body, 201))
	assert.Error(t, svc.Complete(ctx, rec, body, 201), "completing twice")

	_, existing, _ = svc.Begin(ctx, "K", endpoint, []byte(`{ "doctor_id" : "d1" }`))
	out, _ = svc.ValidateExisting(existing, []byte(`{ "doctor_id" : "d1" }`))
	assert.Equal(t, idempotency.OutcomeCompleted, out.Kind)
	assert.Equal(t, 201, out.ResponseStatus)
	assert.Equal(t, string(body), string(out.ResponseBody))

	out, _ = svc.ValidateExisting(existing, []byte(`{"doctor_id":"d2"}`))
	assert.Equal(t, idempotency.OutcomeConflict, out.Kind)

	// the same key on another endpoint is independent
	other, existing, _ := svc.Begin(ctx, "K", "POST:/appointments/x/cancel", payload)
	assert.NotNil(t, other)
	assert.Nil(t, existing)
}

func TestBegin_ReplacesExpiredRecord(t *testing.T) {
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	svc := newService(&now)
	ctx := context.Background()

	first, _, _ := svc.Begin(ctx, "K", endpoint, []byte(`{"v":1}`))
	require.NoError(t, svc.Complete(ctx, first, json.RawMessage(`{}`), 200))

	now = now.Add(2 * time.Hour)
	rec, existing, err := svc.Begin(ctx, "K", endpoint, []byte(`{"v":2}`))
	require.NoError(t, err)
	assert.Nil(t, existing)
	require.NotNil(t, rec)
	assert.NotEqual(t, first.ID, rec.ID)
}

func TestBegin_ConcurrentCallersHaveOneCreator(t *testing.T) {
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	svc := newService(&now)

	var creators, observers atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, existing, err := svc.Begin(context.Background(), "K", endpoint, []byte(`{"doctor_id":"d1"}`))
			switch {
			case err != nil:
				assert.NoError(t, err)
			case existing != nil:
				observers.Add(1)
			case rec != nil:
				creators.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, creators.Load())
	assert.EqualValues(t, 49, observers.Load())
}

func TestAbandon_FreesKey(t *testing.T) {
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	svc := newService(&now)
	ctx := context.Background()

	rec, _, _ := svc.Begin(ctx, "K", endpoint, []byte(`{}`))
	require.NoError(t, svc.Abandon(ctx, rec))

	again, existing, err := svc.Begin(ctx, "K", endpoint, []byte(`{}`))
	require.NoError(t, err)
	assert.Nil(t, existing)
	assert.NotNil(t, again)
}

func TestPurgeExpired(t *testing.T) {
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	svc := newService(&now)
	ctx := context.Background()

	_, _, _ = svc.Begin(ctx, "old", endpoint, []byte(`{}`))
	now = now.Add(30 * time.Minute)
	_, _, _ = svc.Begin(ctx, "new", endpoint, []byte(`{}`))

	now = now.Add(45 * time.Minute)
	n, err := svc.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}
