package gateway

import (
	"context"

	"golang.org/x/time/rate"
)

// RateGate 进程内唯一的外部读限流闸门。价格轮询、仓位探测等所有
// 打到读端点的请求都必须经过同一个实例；显式对象注入，不做包级单例，
// 方便测试替换。
type RateGate interface {
	Wait(ctx context.Context) error
	Allow() bool
}

// TokenBucketGate 基于 x/time/rate 的令牌桶实现。
type TokenBucketGate struct {
	lim *rate.Limiter
}

func NewTokenBucketGate(perSecond float64, burst int) *TokenBucketGate {
	if perSecond <= 0 {
		perSecond = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &TokenBucketGate{lim: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Wait 阻塞直到拿到令牌或 ctx 取消。
func (g *TokenBucketGate) Wait(ctx context.Context) error {
	return g.lim.Wait(ctx)
}

// Allow 非阻塞尝试。
func (g *TokenBucketGate) Allow() bool {
	return g.lim.Allow()
}

// NopGate 测试用：不限流。
type NopGate struct{}

func (NopGate) Wait(ctx context.Context) error { return ctx.Err() }
func (NopGate) Allow() bool                    { return true }
