package concurrency

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

var releaseScript = redis.NewScript(`
local key = KEYS[1]
local token = ARGV[1]
if redis.call('GET', key) == token then
  return redis.call('DEL', key)
end
return 0
`)

// Lease is a Redis-backed exclusive lock on the modem, so two dialer
// processes attached to the same device never call at the same time.
type Lease struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	token  string
}

// NewLease constructs a lease. The ttl must outlast the longest call;
// an expired lease frees the modem for other dialers.
func NewLease(client *redis.Client, key string, ttl time.Duration) *Lease {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Lease{client: client, key: key, ttl: ttl, token: uuid.NewString()}
}

// TryAcquire takes the lease if nobody holds it.
func (l *Lease) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("modem lease acquire: %w", err)
	}
	return ok, nil
}

// Release frees the lease if this process still holds it.
func (l *Lease) Release(ctx context.Context) error {
	if _, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int(); err != nil {
		return fmt.Errorf("modem lease release: %w", err)
	}
	return nil
}
