// Package redis mirrors relay presence into Redis so dashboards and other
// processes can see who is online without talking to the relay.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/mossy-p/callrelay/config"
	"github.com/mossy-p/callrelay/internal/models"
)

const (
	onlineSetKey  = "presence:online"
	userKeyPrefix = "presence:user:"
	writeTimeout  = 2 * time.Second
)

func userKey(identityID string) string {
	return userKeyPrefix + identityID
}

// Client writes presence changes to Redis.
type Client struct {
	rdb *redis.Client
	ttl time.Duration
}

// Connect initializes the Redis client and checks the connection
func Connect(ctx context.Context, cfg config.RedisConfig) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Client{rdb: rdb, ttl: cfg.PresenceTTL}, nil
}

// offlineScript removes an identity's presence only while it still belongs to
// the connection going offline. KEYS: online set, user hash. ARGV: identity
// id, connection id.
var offlineScript = redis.NewScript(`
local owner = redis.call("HGET", KEYS[2], "conn_id")
if owner == false or owner == ARGV[2] then
	redis.call("DEL", KEYS[2])
	redis.call("SREM", KEYS[1], ARGV[1])
	return 1
end
return 0
`)

func (c *Client) writeSession(ctx context.Context, p redis.Pipeliner, sess models.PeerSession) {
	key := userKey(sess.IdentityID)
	p.SAdd(ctx, onlineSetKey, sess.IdentityID)
	p.HSet(ctx, key,
		"name", sess.DisplayName,
		"avatar", sess.Avatar,
		"conn_id", sess.ConnectionID,
		"connected_at", sess.ConnectedAt.UTC().Format(time.RFC3339),
	)
	p.Expire(ctx, key, c.ttl)
}

// Online records sess in the online set and stores its profile hash.
func (c *Client) Online(ctx context.Context, sess models.PeerSession) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	_, err := c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		c.writeSession(ctx, p, sess)
		return nil
	})
	if err != nil {
		log.Warn().Err(err).Str("user_id", sess.IdentityID).Msg("redis presence update failed")
	}
}

// Offline removes sess from the online set unless the identity has since
// come online on another connection.
func (c *Client) Offline(ctx context.Context, sess models.PeerSession) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	keys := []string{onlineSetKey, userKey(sess.IdentityID)}
	removed, err := offlineScript.Run(ctx, c.rdb, keys, sess.IdentityID, sess.ConnectionID).Int()
	if err != nil {
		log.Warn().Err(err).Str("user_id", sess.IdentityID).Msg("redis presence removal failed")
		return
	}
	if removed == 0 {
		log.Debug().Str("user_id", sess.IdentityID).Str("conn_id", sess.ConnectionID).Msg("presence owned by a newer connection")
	}
}

// Refresh rewrites every live session and renews its TTL.
func (c *Client) Refresh(ctx context.Context, sessions []models.PeerSession) {
	if len(sessions) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	_, err := c.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, sess := range sessions {
			c.writeSession(ctx, p, sess)
		}
		return nil
	})
	if err != nil {
		log.Warn().Err(err).Int("sessions", len(sessions)).Msg("redis presence refresh failed")
	}
}

// OnlineIDs returns the identity ids currently marked online.
func (c *Client) OnlineIDs(ctx context.Context) ([]string, error) {
	return c.rdb.SMembers(ctx, onlineSetKey).Result()
}

// Reset clears presence left behind by a previous process.
func (c *Client) Reset(ctx context.Context) error {
	ids, err := c.OnlineIDs(ctx)
	if err != nil {
		return err
	}
	keys := []string{onlineSetKey}
	for _, id := range ids {
		keys = append(keys, userKey(id))
	}
	return c.rdb.Del(ctx, keys...).Err()
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}
