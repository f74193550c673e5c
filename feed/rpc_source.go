package feed

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"position-keeper-go/fixed"
	"position-keeper-go/gateway"
)

// RPCSource 通过网关轮询 oracle。decimals 与最新一轮在喂价视角下
// 组合成一次逻辑读；decimals 不可变，读到一次后缓存。
type RPCSource struct {
	RPC *gateway.RPCClient

	mu       sync.Mutex
	decimals map[string]int32
}

func NewRPCSource(rpc *gateway.RPCClient) *RPCSource {
	return &RPCSource{RPC: rpc, decimals: make(map[string]int32)}
}

type decimalsDTO struct {
	Decimals int32 `json:"decimals"`
}

type roundDTO struct {
	RoundID         uint64 `json:"roundId"`
	Answer          string `json:"answer"`
	StartedAt       int64  `json:"startedAt"`
	UpdatedAt       int64  `json:"updatedAt"`
	AnsweredInRound uint64 `json:"answeredInRound"`
}

func (s *RPCSource) feedDecimals(ctx context.Context, feedID string) (int32, error) {
	s.mu.Lock()
	d, ok := s.decimals[feedID]
	s.mu.Unlock()
	if ok {
		return d, nil
	}
	var dto decimalsDTO
	if err := s.RPC.Call(ctx, "oracle_decimals", []any{feedID}, &dto); err != nil {
		return 0, fmt.Errorf("%w: %s decimals: %v", ErrUnavailable, feedID, err)
	}
	s.mu.Lock()
	s.decimals[feedID] = dto.Decimals
	s.mu.Unlock()
	return dto.Decimals, nil
}

func (s *RPCSource) FetchQuote(ctx context.Context, feedID string) (Quote, error) {
	dec, err := s.feedDecimals(ctx, feedID)
	if err != nil {
		return Quote{}, err
	}
	var dto roundDTO
	if err := s.RPC.Call(ctx, "oracle_latestRoundData", []any{feedID}, &dto); err != nil {
		return Quote{}, fmt.Errorf("%w: %s round: %v", ErrUnavailable, feedID, err)
	}
	answer, ok := new(big.Int).SetString(dto.Answer, 10)
	if !ok {
		return Quote{}, fmt.Errorf("%w: %s bad answer %q", ErrUnavailable, feedID, dto.Answer)
	}
	return Quote{
		Feed:      feedID,
		Answer:    fixed.FromBig(answer, dec),
		RoundID:   dto.RoundID,
		UpdatedAt: time.Unix(dto.UpdatedAt, 0).UTC(),
	}, nil
}
