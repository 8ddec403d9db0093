package status

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/mpataki/devflow/internal/models"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore keeps each status record in a hash under prefix:status:<key>.
// Writes are WATCH/MULTI transactions, so a concurrent writer aborts the
// transaction instead of being overwritten.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	log    *zap.Logger
}

type RedisOption func(*RedisStore)

// WithPrefix sets the key namespace. Default is "devflow".
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

func WithRedisLogger(log *zap.Logger) RedisOption {
	return func(s *RedisStore) { s.log = log.Named("status.redis") }
}

func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client: client,
		prefix: "devflow",
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) key(k models.StatusKey) string {
	return fmt.Sprintf("%s:status:%s", s.prefix, k)
}

func (s *RedisStore) GetStatus(ctx context.Context, key models.StatusKey) (models.StatusRecord, error) {
	return readRecord(ctx, s.client, s.key(key), key)
}

func (s *RedisStore) CompareAndSwapStatus(ctx context.Context, key models.StatusKey, expected int64, value string) (models.StatusRecord, error) {
	k := s.key(key)
	var rec models.StatusRecord

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := readRecord(ctx, tx, k, key)
		if err != nil {
			return err
		}
		if current.Version != expected {
			return models.ErrConflict
		}

		rec = models.StatusRecord{
			Key:       key,
			Value:     value,
			Version:   expected + 1,
			UpdatedAt: time.Now().UTC(),
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, k,
				"value", rec.Value,
				"version", rec.Version,
				"updated_at", rec.UpdatedAt.Format(time.RFC3339Nano),
			)
			return nil
		})
		return err
	}, k)

	if errors.Is(err, redis.TxFailedErr) {
		err = models.ErrConflict
	}
	if errors.Is(err, models.ErrConflict) {
		s.log.Debug("status write lost race", zap.String("key", string(key)), zap.Int64("expected", expected))
		return models.StatusRecord{}, err
	}
	if err != nil {
		return models.StatusRecord{}, fmt.Errorf("redis status write failed: %w", err)
	}
	return rec, nil
}

type hashGetter interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

func readRecord(ctx context.Context, c hashGetter, k string, key models.StatusKey) (models.StatusRecord, error) {
	rec := models.StatusRecord{Key: key}
	fields, err := c.HGetAll(ctx, k).Result()
	if err != nil {
		return rec, fmt.Errorf("redis status read failed: %w", err)
	}
	if len(fields) == 0 {
		return rec, nil
	}

	if rec.Version, err = strconv.ParseInt(fields["version"], 10, 64); err != nil {
		return rec, fmt.Errorf("status %s: bad version %q: %w", key, fields["version"], err)
	}
	rec.Value = fields["value"]
	if ts := fields["updated_at"]; ts != "" {
		if rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return rec, fmt.Errorf("status %s: bad timestamp %q: %w", key, ts, err)
		}
	}
	return rec, nil
}
