package kafka

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestStore(t *testing.T, ttl time.Duration) (*RedisIdempotencyStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisIdempotencyStore(client, "test:processed:", ttl), mr
}

func testEvent(id string) *Event {
	return &Event{
		EventID:     id,
		EventType:   "payment.callback_received",
		AggregateID: "sess-1",
		Source:      "payment-edge",
	}
}

type unreachableStore struct{}

func (unreachableStore) Claim(context.Context, string) (ClaimResult, error) {
	return ClaimInFlight, errors.New("dial tcp: connection refused")
}
func (unreachableStore) Complete(context.Context, string) error { return nil }
func (unreachableStore) Release(context.Context, string) error { return nil }

func TestRedisIdempotencyStore_Lifecycle(t *testing.T) {
	store, mr := newTestStore(t, time.Hour)
	ctx := context.Background()

	claim, err := store.Claim(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, ClaimAcquired, claim)
	assert.Equal(t, DefaultClaimTTL, mr.TTL("test:processed:evt-1"))

	claim, err = store.Claim(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, ClaimInFlight, claim)

	require.NoError(t, store.Complete(ctx, "evt-1"))
	assert.Equal(t, time.Hour, mr.TTL("test:processed:evt-1"))

	claim, err = store.Claim(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, ClaimDuplicate, claim)
}

func TestRedisIdempotencyStore_ReleaseAndExpiry(t *testing.T) {
	store, mr := newTestStore(t, time.Minute)
	ctx := context.Background()

	_, err := store.Claim(ctx, "evt-rel")
	require.NoError(t, err)
	require.NoError(t, store.Release(ctx, "evt-rel"))
	claim, err := store.Claim(ctx, "evt-rel")
	require.NoError(t, err)
	assert.Equal(t, ClaimAcquired, claim, "released claim can be taken again")

	require.NoError(t, store.Complete(ctx, "evt-rel"))
	mr.FastForward(2 * time.Minute)
	claim, err = store.Claim(ctx, "evt-rel")
	require.NoError(t, err)
	assert.Equal(t, ClaimAcquired, claim, "done marker expired")
}

func TestRedisIdempotencyStore_StaleClaimExpires(t *testing.T) {
	store, mr := newTestStore(t, time.Hour)
	ctx := context.Background()

	_, err := store.Claim(ctx, "evt-crash")
	require.NoError(t, err)
	mr.FastForward(DefaultClaimTTL + time.Second)

	claim, err := store.Claim(ctx, "evt-crash")
	require.NoError(t, err)
	assert.Equal(t, ClaimAcquired, claim)
}

func TestRedisIdempotencyStore_ServerDown(t *testing.T) {
	store, mr := newTestStore(t, time.Minute)
	mr.Close()

	_, err := store.Claim(context.Background(), "evt-1")
	assert.Error(t, err)
}

func TestIdempotentHandler_SkipsDuplicates(t *testing.T) {
	store, _ := newTestStore(t, time.Hour)
	calls := 0
	h := IdempotentHandler(store, func(context.Context, *Event) error {
		calls++
		return nil
	}, testLogger())

	ctx := context.Background()
	require.NoError(t, h(ctx, testEvent("evt-dup")))
	require.NoError(t, h(ctx, testEvent("evt-dup")))
	require.NoError(t, h(ctx, testEvent("evt-other")))
	assert.Equal(t, 2, calls)
}

func TestIdempotentHandler_FailureReleasesClaim(t *testing.T) {
	store, mr := newTestStore(t, time.Hour)
	attempts := 0
	h := IdempotentHandler(store, func(context.Context, *Event) error {
		attempts++
		if attempts == 1 {
			return errors.New("gateway timeout")
		}
		return nil
	}, testLogger())

	ctx := context.Background()
	require.Error(t, h(ctx, testEvent("evt-retry")))
	assert.False(t, mr.Exists("test:processed:evt-retry"))

	require.NoError(t, h(ctx, testEvent("evt-retry")))
	assert.Equal(t, 2, attempts)
	state, err := mr.Get("test:processed:evt-retry")
	require.NoError(t, err)
	assert.Equal(t, "done", state)
}

func TestIdempotentHandler_InFlightIsRetryable(t *testing.T) {
	store, _ := newTestStore(t, time.Hour)
	_, err := store.Claim(context.Background(), "evt-busy")
	require.NoError(t, err)

	h := IdempotentHandler(store, func(context.Context, *Event) error {
		t.Fatal("handler must not run while another consumer holds the claim")
		return nil
	}, testLogger())

	assert.ErrorIs(t, h(context.Background(), testEvent("evt-busy")), ErrEventInFlight)
}

func TestIdempotentHandler_EmptyEventIDPassesThrough(t *testing.T) {
	store, _ := newTestStore(t, time.Hour)
	calls := 0
	h := IdempotentHandler(store, func(context.Context, *Event) error {
		calls++
		return nil
	}, testLogger())

	require.NoError(t, h(context.Background(), testEvent("")))
	require.NoError(t, h(context.Background(), testEvent("")))
	assert.Equal(t, 2, calls)
}

func TestIdempotentHandler_StoreDownStillProcesses(t *testing.T) {
	calls := 0
	h := IdempotentHandler(unreachableStore{}, func(context.Context, *Event) error {
		calls++
		return nil
	}, testLogger())

	require.NoError(t, h(context.Background(), testEvent("evt-1")))
	assert.Equal(t, 1, calls)
}
