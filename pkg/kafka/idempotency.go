package kafka

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// ClaimResult is the outcome of trying to take ownership of an event.
type ClaimResult int

const (
	// ClaimAcquired means the caller now owns the event and must Complete or
	// Release it.
	ClaimAcquired ClaimResult = iota
	// ClaimDuplicate means the event was already handled.
	ClaimDuplicate
	// ClaimInFlight means another consumer holds the claim right now.
	ClaimInFlight
)

// ErrEventInFlight is returned by IdempotentHandler so the consumer retries
// the message after the current owner has finished.
var ErrEventInFlight = errors.New("event is being processed by another consumer")

// IdempotencyStore tracks event ids across every replica of a consumer group.
type IdempotencyStore interface {
	Claim(ctx context.Context, eventID string) (ClaimResult, error)
	Complete(ctx context.Context, eventID string) error
	Release(ctx context.Context, eventID string) error
}

const (
	claimValue      = "processing"
	doneValue       = "done"
	DefaultClaimTTL = 5 * time.Minute
)

// RedisIdempotencyStore keeps one key per event: "processing" with a short TTL
// while a handler runs, then "done" for ttl.
type RedisIdempotencyStore struct {
	client   redis.Cmdable
	prefix   string
	ttl      time.Duration
	claimTTL time.Duration
}

// NewRedisIdempotencyStore stores keys as prefix+eventID; include the
// separator in prefix.
func NewRedisIdempotencyStore(client redis.Cmdable, prefix string, ttl time.Duration) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client, prefix: prefix, ttl: ttl, claimTTL: DefaultClaimTTL}
}

func (s *RedisIdempotencyStore) key(eventID string) string {
	return s.prefix + eventID
}

func (s *RedisIdempotencyStore) Claim(ctx context.Context, eventID string) (ClaimResult, error) {
	ok, err := s.client.SetNX(ctx, s.key(eventID), claimValue, s.claimTTL).Result()
	if err != nil {
		return ClaimInFlight, err
	}
	if ok {
		return ClaimAcquired, nil
	}

	state, err := s.client.Get(ctx, s.key(eventID)).Result()
	switch {
	case err == nil && state == doneValue:
		return ClaimDuplicate, nil
	case err == nil || errors.Is(err, redis.Nil):
		// Still processing, or the claim expired between the two calls.
		return ClaimInFlight, nil
	default:
		return ClaimInFlight, err
	}
}

func (s *RedisIdempotencyStore) Complete(ctx context.Context, eventID string) error {
	return s.client.Set(ctx, s.key(eventID), doneValue, s.ttl).Err()
}

func (s *RedisIdempotencyStore) Release(ctx context.Context, eventID string) error {
	return s.client.Del(ctx, s.key(eventID)).Err()
}

// IdempotentHandler runs inner at most once per event id. When the store
// cannot be reached the event is processed anyway: the handlers behind it
// tolerate a repeat, a lost message is not tolerated.
func IdempotentHandler(store IdempotencyStore, inner Handler, logger *slog.Logger) Handler {
	return func(ctx context.Context, event *Event) error {
		if event.EventID == "" {
			return inner(ctx, event)
		}
		log := logger.With(slog.String("event_id", event.EventID), slog.String("event_type", event.EventType))

		claim, err := store.Claim(ctx, event.EventID)
		if err != nil {
			log.WarnContext(ctx, "idempotency claim failed, processing without it", slog.String("error", err.Error()))
			return inner(ctx, event)
		}
		switch claim {
		case ClaimDuplicate:
			ConsumerMessagesDuplicate.WithLabelValues(event.EventType, event.Source).Inc()
			log.DebugContext(ctx, "duplicate event skipped", slog.String("aggregate_id", event.AggregateID))
			return nil
		case ClaimInFlight:
			return ErrEventInFlight
		}

		if err := inner(ctx, event); err != nil {
			if relErr := store.Release(ctx, event.EventID); relErr != nil {
				log.WarnContext(ctx, "failed to release idempotency claim", slog.String("error", relErr.Error()))
			}
			return err
		}
		if err := store.Complete(ctx, event.EventID); err != nil {
			log.WarnContext(ctx, "failed to mark event done", slog.String("error", err.Error()))
		}
		return nil
	}
}
