// Package cache содержит короткоживущие блокировки на Redis.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const burnClaimKeyPrefix = "burn_claim:"

// BurnClaims не даёт двум параллельным запросам создать заказ по одной транзакции сжигания.
type BurnClaims struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewBurnClaims подключается к Redis.
func NewBurnClaims(addr, password string, db int, ttl time.Duration, logger *zap.Logger) (*BurnClaims, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	logger.Info("connected to redis", zap.String("addr", addr))
	return NewBurnClaimsWithClient(client, ttl, logger), nil
}

// NewBurnClaimsWithClient создаёт блокировки поверх готового клиента.
func NewBurnClaimsWithClient(client *redis.Client, ttl time.Duration, logger *zap.Logger) *BurnClaims {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &BurnClaims{client: client, ttl: ttl, logger: logger}
}

// Acquire пытается захватить транзакцию burnHash. false означает, что её уже обрабатывает другой запрос.
func (c *BurnClaims) Acquire(ctx context.Context, burnHash string) (bool, error) {
	ok, err := c.client.SetNX(ctx, burnClaimKeyPrefix+burnHash, time.Now().Unix(), c.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire burn claim: %w", err)
	}
	return ok, nil
}

// Release освобождает транзакцию burnHash.
func (c *BurnClaims) Release(ctx context.Context, burnHash string) {
	if err := c.client.Del(ctx, burnClaimKeyPrefix+burnHash).Err(); err != nil {
		c.logger.Warn("release burn claim", zap.String("burnHash", burnHash), zap.Error(err))
	}
}

// Close закрывает соединение с Redis.
func (c *BurnClaims) Close() error {
	return c.client.Close()
}
