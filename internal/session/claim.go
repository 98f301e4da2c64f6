package session

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	claimKeyPrefix  = "nexus:call:"
	DefaultClaimTTL = 2 * time.Minute
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisClaimer holds call ids in Redis with SETNX so that only one instance
// runs a pipeline for a given call. Claims expire unless refreshed.
type RedisClaimer struct {
	client   *redis.Client
	ttl      time.Duration
	instance string
}

// NewRedisClaimer creates a claimer owned by this process
func NewRedisClaimer(client *redis.Client, ttl time.Duration) *RedisClaimer {
	if ttl <= 0 {
		ttl = DefaultClaimTTL
	}
	return &RedisClaimer{
		client:   client,
		ttl:      ttl,
		instance: uuid.New().String(),
	}
}

// Instance returns the token written into claim keys
func (c *RedisClaimer) Instance() string {
	return c.instance
}

func claimKey(callID string) string {
	return claimKeyPrefix + callID
}

// Claim reserves callID. It returns false when another instance holds it.
func (c *RedisClaimer) Claim(ctx context.Context, callID string) (bool, error) {
	return c.client.SetNX(ctx, claimKey(callID), c.instance, c.ttl).Result()
}

// Refresh extends a claim this instance holds
func (c *RedisClaimer) Refresh(ctx context.Context, callID string) error {
	return refreshScript.Run(ctx, c.client, []string{claimKey(callID)}, c.instance, c.ttl.Milliseconds()).Err()
}

// Release drops a claim this instance holds
func (c *RedisClaimer) Release(ctx context.Context, callID string) error {
	return releaseScript.Run(ctx, c.client, []string{claimKey(callID)}, c.instance).Err()
}
