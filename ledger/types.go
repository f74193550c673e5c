package ledger

import (
	"context"

	"position-keeper-go/fixed"
)

// PositionID 账本内仓位的唯一标识。
type PositionID uint64

// Pair 交易对（base/quote 符号）。
type Pair struct {
	Base  string
	Quote string
}

func (p Pair) String() string { return p.Base + "/" + p.Quote }

// Position 账本中的一张杠杆仓位。由账本在开仓时创建、平仓时终结；
// 本引擎只读不改，IsOpen == false 的仓位是终态。
type Position struct {
	ID         PositionID
	Owner      string
	Pair       Pair
	IsLong     bool
	EntryPrice fixed.Amount
	Size       fixed.Amount // USD 名义仓位
	MarginUsed fixed.Amount // 抵押币种计价
	Leverage   uint32
	TakeProfit *fixed.Amount
	StopLoss   *fixed.Amount
	IsOpen     bool
}

// RiskParameters 账本全局风险参数。每个评估周期读一次做快照，
// 周期内不保证与账本一致（账本中途改参数由下一轮接住）。
type RiskParameters struct {
	MinMarginBps       int64
	InitialMarginBps   int64
	MaxLeverage        uint32
	MinPriceMovement   fixed.Amount // tick
	PriceTriggerBuffer fixed.Amount
}

// Token 抵押币种及其价格源。
type Token struct {
	Symbol   string
	Decimals int32
	Feed     string
}

// Account 账户级抵押快照。同一 owner 的所有仓位共享一个抵押池：
// CollateralBalance 是抵押币种余额，UsedMarginUSD 是账本登记的
// used margin 池（开仓时记账，不随价格重估）。
type Account struct {
	Owner             string
	CollateralBalance fixed.Amount
	UsedMarginUSD     fixed.Amount
}

// Reader 账本只读接口。
type Reader interface {
	Position(ctx context.Context, id PositionID) (Position, error)
	OpenPositions(ctx context.Context, owner string, pair Pair) ([]PositionID, error)
	Account(ctx context.Context, owner string) (Account, error)
	RiskParameters(ctx context.Context) (RiskParameters, error)
	DerivedPrice(ctx context.Context, pair Pair) (fixed.Amount, error)
	CollateralTokens(ctx context.Context) ([]Token, error)
}

// PendingTx 已提交、尚未确认的写调用句柄。
type PendingTx struct {
	Hash string
}

// BoundDirection 平仓保护价的方向语义。账本侧的 floor/ceiling 含义
// 未经确认前不做任何假设，调用方必须显式给出。
type BoundDirection int

const (
	BoundUnspecified BoundDirection = iota
	BoundFloor                      // 最低可接受成交价
	BoundCeiling                    // 最高可接受成交价
)

// Writer 账本写接口。提交后只能等确认，不能撤回；
// 放弃等待须按 ErrUnconfirmed 处理并在下一轮重查仓位状态。
type Writer interface {
	CloseTriggered(ctx context.Context, id PositionID) (PendingTx, error)
	CloseWithBound(ctx context.Context, id PositionID, bound fixed.Amount, dir BoundDirection) (PendingTx, error)
	WaitConfirmation(ctx context.Context, tx PendingTx) error
}
