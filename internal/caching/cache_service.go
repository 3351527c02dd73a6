package caching

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"bookly/internal/common"

	"github.com/labstack/gommon/log"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "bookly"

type CacheService interface {
	// Settled payment results, keyed by payment reference
	GetPaymentResult(ctx context.Context, reference string, dest interface{}) (bool, error)
	SetPaymentResult(ctx context.Context, reference string, value interface{}, ttl time.Duration) error
	DeletePaymentResult(ctx context.Context, reference string) error

	// Rate limiting
	IsRateLimited(ctx context.Context, key string, limit int, window time.Duration) (bool, error)

	Ping(ctx context.Context) error
	Close() error
}

type redisCacheService struct {
	client *redis.Client
	logger *log.Logger
}

func NewRedisCacheService(addr, password string, db int, logger *log.Logger) CacheService {
	if logger == nil {
		logger = common.DiscardLogger()
	}

	// Accept redis://host:port as well as host:port
	parsedAddr := addr
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		parsedAddr = strings.TrimPrefix(strings.TrimPrefix(addr, "redis://"), "rediss://")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     parsedAddr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		logger.Warnf("redis ping failed on initialization: %v (address: %s)", err, parsedAddr)
	} else {
		logger.Debugf("redis connection established (%s)", parsedAddr)
	}

	return &redisCacheService{client: client, logger: logger}
}

// NewCacheServiceFromClient wraps an existing client.
func NewCacheServiceFromClient(client *redis.Client, logger *log.Logger) CacheService {
	if logger == nil {
		logger = common.DiscardLogger()
	}
	return &redisCacheService{client: client, logger: logger}
}

func paymentResultKey(reference string) string {
	return fmt.Sprintf("%s:payment:%s", keyPrefix, reference)
}

// GetPaymentResult decodes the cached value into dest. A miss is (false, nil).
func (r *redisCacheService) GetPaymentResult(ctx context.Context, reference string, dest interface{}) (bool, error) {
	data, err := r.client.Get(ctx, paymentResultKey(reference)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}

	if err := json.Unmarshal(data, dest); err != nil {
		return false, err
	}
	return true, nil
}

func (r *redisCacheService) SetPaymentResult(ctx context.Context, reference string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, paymentResultKey(reference), data, ttl).Err()
}

func (r *redisCacheService) DeletePaymentResult(ctx context.Context, reference string) error {
	return r.client.Del(ctx, paymentResultKey(reference)).Err()
}

// IsRateLimited counts one hit against key in a fixed window.
func (r *redisCacheService) IsRateLimited(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	cacheKey := fmt.Sprintf("%s:ratelimit:%s", keyPrefix, key)
	count, err := r.client.Incr(ctx, cacheKey).Result()
	if err != nil {
		return false, err
	}

	// Set expiry on first request
	if count == 1 {
		if err := r.client.Expire(ctx, cacheKey, window).Err(); err != nil {
			r.logger.Warnf("set rate limit window on %s: %v", cacheKey, err)
		}
	}

	return count > int64(limit), nil
}

func (r *redisCacheService) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *redisCacheService) Close() error {
	return r.client.Close()
}
