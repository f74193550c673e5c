package feed

import (
	"context"
	"fmt"
	"time"

	"github.com/jpillora/backoff"
)

// RetryPolicy 过期读数的有限重试参数。
type RetryPolicy struct {
	Attempts   int
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, MinBackoff: 200 * time.Millisecond, MaxBackoff: 2 * time.Second}
}

// Reader 在 Source 之上套新鲜度策略：超过 MaxAge 的读数先做带退避的
// 有限重试（oracle 可能正好在更新窗口里），仍旧过期才上报 ErrStale。
type Reader struct {
	Source Source
	MaxAge time.Duration
	Retry  RetryPolicy
	Now    func() time.Time // 可注入，测试用
}

func NewReader(src Source, maxAge time.Duration) *Reader {
	return &Reader{Source: src, MaxAge: maxAge, Retry: DefaultRetryPolicy(), Now: time.Now}
}

// Fresh 取一份保证新鲜的报价。
func (r *Reader) Fresh(ctx context.Context, feedID string) (Quote, error) {
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	attempts := r.Retry.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	b := &backoff.Backoff{
		Min:    r.Retry.MinBackoff,
		Max:    r.Retry.MaxBackoff,
		Factor: 2,
		Jitter: true,
	}

	var lastStaleness time.Duration
	for i := 0; i < attempts; i++ {
		q, err := r.Source.FetchQuote(ctx, feedID)
		if err != nil {
			return Quote{}, err
		}
		if q.Answer.Sign() <= 0 {
			return Quote{}, fmt.Errorf("%w: feed %s", ErrInvalidAnswer, feedID)
		}
		staleness := q.Staleness(now())
		if r.MaxAge <= 0 || staleness <= r.MaxAge {
			return q, nil
		}
		lastStaleness = staleness
		if i == attempts-1 {
			break
		}
		select {
		case <-time.After(b.Duration()):
		case <-ctx.Done():
			return Quote{}, ctx.Err()
		}
	}
	return Quote{}, fmt.Errorf("%w: feed %s age %s > max %s", ErrStale, feedID, lastStaleness, r.MaxAge)
}
