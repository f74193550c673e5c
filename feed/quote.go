package feed

import (
	"context"
	"errors"
	"time"

	"position-keeper-go/fixed"
)

var (
	// ErrUnavailable 读喂价失败（传输层或端点错误）。
	ErrUnavailable = errors.New("feed unavailable")
	// ErrStale 最近一轮答案超过了调用方给定的最大年龄。
	// 新鲜度是调用方策略，不是喂价本身的属性。
	ErrStale = errors.New("feed stale")
	// ErrInvalidAnswer 喂价答案非正，不能参与任何派生计算。
	ErrInvalidAnswer = errors.New("non-positive feed answer")
)

// Quote 一次喂价读数。读出即不可变，新一次轮询产生新的 Quote。
type Quote struct {
	Feed      string
	Answer    fixed.Amount
	RoundID   uint64
	UpdatedAt time.Time
}

// Staleness 距上次更新的时长。
func (q Quote) Staleness(now time.Time) time.Duration {
	return now.Sub(q.UpdatedAt)
}

// Source 喂价来源。轮询 RPC 与 websocket 推流共用同一抽象。
type Source interface {
	FetchQuote(ctx context.Context, feedID string) (Quote, error)
}

// CrossPrice 把两路 USD 喂价合成 base/quote 交叉价，结果取 base 喂价的
// 小数位。必须与账本自身的派生逐位一致，下游触发比较是喂价单位精确的。
func CrossPrice(base, quote Quote) (fixed.Amount, error) {
	if base.Answer.Sign() <= 0 || quote.Answer.Sign() <= 0 {
		return fixed.Amount{}, ErrInvalidAnswer
	}
	v := fixed.MulDiv(base.Answer.Value, fixed.Pow10(quote.Answer.Decimals), quote.Answer.Value)
	return fixed.FromBig(v, base.Answer.Decimals), nil
}
