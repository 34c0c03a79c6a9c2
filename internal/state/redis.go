package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const redisKeyPrefix = "socest:chargepoint:"

// RedisStore keeps each record as a JSON string. A single SET is atomic, so
// readers never observe a partial record.
type RedisStore struct {
	client *redis.Client
	logger *logrus.Logger
}

// NewRedisStore connects to url and verifies the connection.
func NewRedisStore(url string, logger *logrus.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.WithField("addr", opts.Addr).Debug("Connected to Redis state store")
	return &RedisStore{client: client, logger: logger}, nil
}

func redisKey(chargePoint int) string {
	return fmt.Sprintf("%s%d", redisKeyPrefix, chargePoint)
}

// Load fetches the record for chargePoint.
func (s *RedisStore) Load(ctx context.Context, chargePoint int) (Record, bool, error) {
	data, err := s.client.Get(ctx, redisKey(chargePoint)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("failed to read state: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		s.logger.WithError(err).WithField("key", redisKey(chargePoint)).Warn("Discarding unreadable state record")
		return Record{}, false, nil
	}
	return rec, true, nil
}

// Save overwrites the record for chargePoint. Records never expire.
func (s *RedisStore) Save(ctx context.Context, chargePoint int, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	if err := s.client.Set(ctx, redisKey(chargePoint), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
