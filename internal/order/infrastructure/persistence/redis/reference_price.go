// Package redis 订单服务的 Redis 适配：标的参考价。
// 参考价由成交事件回写，下单限价带校验读取，带 TTL 防止陈旧价长期生效。
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/tradingcore/pkg/cache"
)

const (
	refPriceKeyPrefix = "refprice:"
	refPriceTTL       = 24 * time.Hour
)

// ReferencePriceStore 以最近成交价作为限价带校验的参考价
type ReferencePriceStore struct {
	cache *cache.RedisCache
}

// NewReferencePriceStore 创建参考价存取器
func NewReferencePriceStore(c *cache.RedisCache) *ReferencePriceStore {
	return &ReferencePriceStore{cache: c}
}

// LastPrice 返回标的最近成交价，无数据时返回零值
func (s *ReferencePriceStore) LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	raw, err := s.cache.Get(ctx, refPriceKeyPrefix+symbol)
	if err != nil {
		return decimal.Zero, err
	}
	if raw == "" {
		return decimal.Zero, nil
	}
	price, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("corrupt reference price for %s: %w", symbol, err)
	}
	return price, nil
}

// Record 回写最近成交价
func (s *ReferencePriceStore) Record(ctx context.Context, symbol string, price decimal.Decimal) error {
	return s.cache.Set(ctx, refPriceKeyPrefix+symbol, price.String(), refPriceTTL)
}
