// Package cache содержит быстрый путь обработки вебхуков на Redis: кеш окончательных статусов
// выдачи и короткую аренду на выдачу пропусков. Источник истины о статусе всегда реестр.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/mmeshcher/pinkpass/internal/model"
)

const (
	defaultPrefix   = "pinkpass"
	defaultTTL      = 24 * time.Hour
	defaultLeaseTTL = 2 * time.Minute
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Options задаёт параметры кеша.
type Options struct {
	Prefix   string
	TTL      time.Duration
	LeaseTTL time.Duration
}

// Redis - кеш статусов выдачи поверх go-redis.
type Redis struct {
	client   *redis.Client
	prefix   string
	ttl      time.Duration
	leaseTTL time.Duration
}

// NewRedis создаёт кеш поверх уже настроенного клиента.
func NewRedis(client *redis.Client, opts Options) *Redis {
	if opts.Prefix == "" {
		opts.Prefix = defaultPrefix
	}
	if opts.TTL == 0 {
		opts.TTL = defaultTTL
	}
	if opts.LeaseTTL == 0 {
		opts.LeaseTTL = defaultLeaseTTL
	}

	return &Redis{
		client:   client,
		prefix:   opts.Prefix,
		ttl:      opts.TTL,
		leaseTTL: opts.LeaseTTL,
	}
}

// Connect создаёт клиент Redis и проверяет соединение.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (r *Redis) fulfilledKey(orderID string) string {
	return r.prefix + ":fulfilled:" + orderID
}

func (r *Redis) leaseKey(orderID string) string {
	return r.prefix + ":lease:" + orderID
}

// Fulfilled возвращает закешированный окончательный статус выдачи, если он есть.
func (r *Redis) Fulfilled(ctx context.Context, orderID string) (model.FulfillmentStatus, bool, error) {
	val, err := r.client.Get(ctx, r.fulfilledKey(orderID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get fulfilled status: %w", err)
	}
	return model.FulfillmentStatus(val), true, nil
}

// MarkFulfilled запоминает окончательный статус выдачи.
func (r *Redis) MarkFulfilled(ctx context.Context, orderID string, status model.FulfillmentStatus) error {
	if err := r.client.Set(ctx, r.fulfilledKey(orderID), string(status), r.ttl).Err(); err != nil {
		return fmt.Errorf("set fulfilled status: %w", err)
	}
	return nil
}

// AcquireLease пытается взять аренду на выдачу пропусков по заказу.
func (r *Redis) AcquireLease(ctx context.Context, orderID, owner string) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.leaseKey(orderID), owner, r.leaseTTL).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	return ok, nil
}

// ReleaseLease снимает аренду, только если она принадлежит owner.
func (r *Redis) ReleaseLease(ctx context.Context, orderID, owner string) error {
	if err := releaseScript.Run(ctx, r.client, []string{r.leaseKey(orderID)}, owner).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}
