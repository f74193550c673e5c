package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"go.uber.org/zap"

	"position-keeper-go/fixed"
)

// StreamSource 从 oracle 中继的 websocket 推流消费喂价更新，
// 缓存每路 feed 的最新一轮；FetchQuote 直接命中缓存，不产生网络读。
// 断线自动重连，重连期间缓存里的旧读数由 Reader 的新鲜度策略兜底。
type StreamSource struct {
	Endpoint string
	Dialer   *websocket.Dialer
	Log      *zap.Logger

	mu     sync.RWMutex
	latest map[string]Quote
}

func NewStreamSource(endpoint string, log *zap.Logger) *StreamSource {
	if log == nil {
		log = zap.NewNop()
	}
	return &StreamSource{
		Endpoint: endpoint,
		Dialer:   websocket.DefaultDialer,
		Log:      log,
		latest:   make(map[string]Quote),
	}
}

// streamUpdate 推流消息：一路 feed 的一轮答案。
type streamUpdate struct {
	Feed      string `json:"feed"`
	Answer    string `json:"answer"`
	Decimals  int32  `json:"decimals"`
	RoundID   uint64 `json:"roundId"`
	UpdatedAt int64  `json:"updatedAt"`
}

// Run 连接并持续读消息，直到 ctx 取消。重连走抖动指数退避。
func (s *StreamSource) Run(ctx context.Context) error {
	b := &backoff.Backoff{Min: time.Second, Max: 30 * time.Second, Factor: 2, Jitter: true}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.readLoop(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			wait := b.Duration()
			s.Log.Warn("feed stream disconnected",
				zap.String("endpoint", s.Endpoint),
				zap.Duration("reconnect_in", wait),
				zap.Error(err))
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		b.Reset()
	}
}

func (s *StreamSource) readLoop(ctx context.Context) error {
	conn, _, err := s.Dialer.DialContext(ctx, s.Endpoint, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	// ctx 取消时踢掉阻塞中的 ReadMessage
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var u streamUpdate
		if err := json.Unmarshal(message, &u); err != nil {
			s.Log.Warn("feed stream bad message", zap.Error(err))
			continue
		}
		s.apply(u)
	}
}

func (s *StreamSource) apply(u streamUpdate) {
	answer, ok := new(big.Int).SetString(u.Answer, 10)
	if !ok {
		s.Log.Warn("feed stream bad answer", zap.String("feed", u.Feed), zap.String("answer", u.Answer))
		return
	}
	q := Quote{
		Feed:      u.Feed,
		Answer:    fixed.FromBig(answer, u.Decimals),
		RoundID:   u.RoundID,
		UpdatedAt: time.Unix(u.UpdatedAt, 0).UTC(),
	}
	s.mu.Lock()
	// 旧轮次乱序到达时不回退
	if cur, ok := s.latest[u.Feed]; !ok || q.RoundID >= cur.RoundID {
		s.latest[u.Feed] = q
	}
	s.mu.Unlock()
}

// FetchQuote 返回缓存的最新一轮；该路 feed 从未出现过则视为不可用。
func (s *StreamSource) FetchQuote(ctx context.Context, feedID string) (Quote, error) {
	s.mu.RLock()
	q, ok := s.latest[feedID]
	s.mu.RUnlock()
	if !ok {
		return Quote{}, fmt.Errorf("%w: no stream data for %s", ErrUnavailable, feedID)
	}
	return q, nil
}
