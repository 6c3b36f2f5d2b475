package measure

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps one sorted set per device and measurement, scored by
// unix nanoseconds.
type RedisStore struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
	now       func() time.Time
}

type redisMember struct {
	Channel int     `json:"c"`
	Unit    string  `json:"u,omitempty"`
	Value   float64 `json:"v"`
	Nanos   int64   `json:"t"`
}

// NewRedisStore wraps a client. Samples older than retention are trimmed
// on append; retention <= 0 keeps everything.
func NewRedisStore(client *redis.Client, prefix string, retention time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "envctl"
	}
	return &RedisStore{client: client, prefix: prefix, retention: retention, now: time.Now}
}

// DialRedis connects and verifies the connection.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

func (s *RedisStore) key(deviceID, measurement string) string {
	return fmt.Sprintf("%s:meas:%s:%s", s.prefix, deviceID, measurement)
}

// Append implements Store.
func (s *RedisStore) Append(ctx context.Context, m Measurement) error {
	nanos := m.Time.UnixNano()
	member, err := json.Marshal(redisMember{Channel: m.Channel, Unit: m.Unit, Value: m.Value, Nanos: nanos})
	if err != nil {
		return fmt.Errorf("marshal measurement: %w", err)
	}
	key := s.key(m.DeviceID, m.Measurement)

	pipe := s.client.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(nanos), Member: member})
	if s.retention > 0 {
		cutoff := s.now().Add(-s.retention).UnixNano()
		pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(cutoff, 10))
		pipe.Expire(ctx, key, s.retention)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append %s: %w", key, err)
	}
	return nil
}

func decodeMember(raw string) (redisMember, error) {
	var m redisMember
	err := json.Unmarshal([]byte(raw), &m)
	return m, err
}

// LastValue implements Store. It walks the newest members page by page
// until the channel matches or the age limit is reached.
func (s *RedisStore) LastValue(ctx context.Context, deviceID, measurement string, channel int, maxAge time.Duration) (Sample, bool, error) {
	key := s.key(deviceID, measurement)
	min := strconv.FormatInt(s.now().Add(-maxAge).UnixNano(), 10)
	const page = 32

	for offset := int64(0); ; offset += page {
		vals, err := s.client.ZRevRangeByScore(ctx, key, &redis.ZRangeBy{
			Min:    min,
			Max:    "+inf",
			Offset: offset,
			Count:  page,
		}).Result()
		if err != nil {
			return Sample{}, false, fmt.Errorf("last value %s: %w", key, err)
		}
		for _, raw := range vals {
			m, err := decodeMember(raw)
			if err != nil {
				continue
			}
			if m.Channel == channel {
				return Sample{Time: time.Unix(0, m.Nanos), Value: m.Value}, true, nil
			}
		}
		if len(vals) < page {
			return Sample{}, false, nil
		}
	}
}

// ValuesSince implements Store.
func (s *RedisStore) ValuesSince(ctx context.Context, deviceID, measurement string, maxAge time.Duration) ([]Sample, error) {
	key := s.key(deviceID, measurement)
	vals, err := s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: strconv.FormatInt(s.now().Add(-maxAge).UnixNano(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("values since %s: %w", key, err)
	}
	out := make([]Sample, 0, len(vals))
	for _, raw := range vals {
		m, err := decodeMember(raw)
		if err != nil {
			continue
		}
		out = append(out, Sample{Time: time.Unix(0, m.Nanos), Value: m.Value})
	}
	return out, nil
}
