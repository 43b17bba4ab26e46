package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	// onlineUsersKey is the set of user ids currently online in any process.
	onlineUsersKey = "presence:online"
	// lastSeenKey is a hash of user id to last-seen unix milliseconds.
	lastSeenKey = "presence:last_seen"
)

// NewRedisClient parses redisURL and pings the server.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("redis URL cannot be empty")
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

// RedisPersister mirrors presence into Redis so other processes can read it.
type RedisPersister struct {
	client *redis.Client
}

func NewRedisPersister(client *redis.Client) *RedisPersister {
	return &RedisPersister{client: client}
}

// Persist updates the online set and last-seen hash in one MULTI block.
func (p *RedisPersister) Persist(ctx context.Context, t Transition) error {
	pipe := p.client.TxPipeline()
	if t.Online {
		pipe.SAdd(ctx, onlineUsersKey, t.UserID)
	} else {
		pipe.SRem(ctx, onlineUsersKey, t.UserID)
	}
	pipe.HSet(ctx, lastSeenKey, t.UserID, t.At.UnixMilli())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis presence for user %s: %w", t.UserID, err)
	}
	return nil
}

// LastSeen reads the mirrored last-seen time.
func (p *RedisPersister) LastSeen(ctx context.Context, userID string) (time.Time, bool, error) {
	val, err := p.client.HGet(ctx, lastSeenKey, userID).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	ms, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("corrupt last-seen for user %s: %w", userID, err)
	}
	return time.UnixMilli(ms), true, nil
}

// IsOnline reports whether any process marked userID online.
func (p *RedisPersister) IsOnline(ctx context.Context, userID string) (bool, error) {
	return p.client.SIsMember(ctx, onlineUsersKey, userID).Result()
}
