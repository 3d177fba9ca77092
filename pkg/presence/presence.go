// Package presence keeps the set of users connected to each channel in Redis.
package presence

import (
	"context"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Key is the Redis set holding channelID's members.
func Key(channelID string) string {
	return "channel:" + channelID + ":users"
}

type Redis struct {
	rdb *redis.Client
}

func NewRedis(addr string) *Redis {
	return &Redis{rdb: redis.NewClient(&redis.Options{Addr: addr})}
}

func (r *Redis) Join(ctx context.Context, channelID, userID string) error {
	return errors.Wrapf(r.rdb.SAdd(ctx, Key(channelID), userID).Err(), "set presence for %s", userID)
}

func (r *Redis) Leave(ctx context.Context, channelID, userID string) error {
	return errors.Wrapf(r.rdb.SRem(ctx, Key(channelID), userID).Err(), "delete presence for %s", userID)
}

func (r *Redis) ChannelUsers(ctx context.Context, channelID string) ([]string, error) {
	users, err := r.rdb.SMembers(ctx, Key(channelID)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "fetch presence for channel %s", channelID)
	}
	return users, nil
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}
