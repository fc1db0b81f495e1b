package webhook

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// ErrEventInFlight is returned when another worker is already processing the same event.
var ErrEventInFlight = errors.New("webhook: event already in flight")

// Locker guards an event id against concurrent processing.
type Locker interface {
	Acquire(ctx context.Context, eventID string) (release func(), err error)
}

// NoopLocker never contends; downstream idempotency still holds without it.
type NoopLocker struct{}

// Acquire always succeeds.
func (NoopLocker) Acquire(context.Context, string) (func(), error) {
	return func() {}, nil
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker holds a short-lived SET NX key per event id.
type RedisLocker struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
}

// NewRedisLocker builds a locker. ttl bounds how long a crashed worker blocks redelivery.
func NewRedisLocker(client redis.UniversalClient, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{client: client, ttl: ttl, prefix: "creditcore:webhook:"}
}

// Acquire takes the lock for eventID. When Redis is unreachable the lock is skipped.
func (l *RedisLocker) Acquire(ctx context.Context, eventID string) (func(), error) {
	key := l.prefix + eventID
	token := uuid.NewString()
	ok, errSet := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if errSet != nil {
		log.WithError(errSet).WithField("event_id", eventID).Warn("webhook: redis lock unavailable, continuing without it")
		return func() {}, nil
	}
	if !ok {
		return nil, ErrEventInFlight
	}
	return func() {
		ctxRelease, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if errRelease := releaseScript.Run(ctxRelease, l.client, []string{key}, token).Err(); errRelease != nil {
			log.WithError(errRelease).WithField("event_id", eventID).Warn("webhook: release redis lock")
		}
	}, nil
}
