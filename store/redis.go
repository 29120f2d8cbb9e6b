package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/XC-/proximity/encounter"
)

// DefaultRedisKey is the sorted set holding records.
const DefaultRedisKey = "proximity:encounters"

// Redis stores records as members of a sorted set scored by creation time.
type Redis struct {
	client redis.UniversalClient
	key    string
}

// NewRedis returns a store on client using key, or DefaultRedisKey when
// key is empty.
func NewRedis(client redis.UniversalClient, key string) *Redis {
	if key == "" {
		key = DefaultRedisKey
	}
	return &Redis{client: client, key: key}
}

// DialRedis connects to the redis server at addr and pings it.
func DialRedis(ctx context.Context, addr string) (*Redis, error) {
	c := redis.NewClient(&redis.Options{Addr: addr})
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis %s: %w", addr, err)
	}
	log.WithField("addr", addr).Debug("connected to redis")
	return NewRedis(c, ""), nil
}

// Close closes the client.
func (s *Redis) Close() error {
	return s.client.Close()
}

func (s *Redis) Save(ctx context.Context, r *encounter.Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.client.ZAdd(ctx, s.key, redis.Z{
		Score:  float64(r.Timestamp.UnixNano()),
		Member: data,
	}).Err()
}

func (s *Redis) MostRecent(ctx context.Context) (*encounter.Record, error) {
	vv, err := s.client.ZRevRange(ctx, s.key, 0, 0).Result()
	if err != nil {
		return nil, err
	}
	if len(vv) == 0 {
		return nil, nil
	}
	r := new(encounter.Record)
	if err := json.Unmarshal([]byte(vv[0]), r); err != nil {
		return nil, fmt.Errorf("decoding record: %w", err)
	}
	return r, nil
}

func (s *Redis) All(ctx context.Context) ([]*encounter.Record, error) {
	vv, err := s.client.ZRange(ctx, s.key, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	rr := make([]*encounter.Record, 0, len(vv))
	for _, v := range vv {
		r := new(encounter.Record)
		if err := json.Unmarshal([]byte(v), r); err != nil {
			return nil, fmt.Errorf("decoding record: %w", err)
		}
		rr = append(rr, r)
	}
	return rr, nil
}

func (s *Redis) DeleteAll(ctx context.Context) error {
	return s.client.Del(ctx, s.key).Err()
}
