package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"position-keeper-go/fixed"
	"position-keeper-go/gateway"
)

// 端点错误码约定（见链下网关接口文档）。
const (
	codeNotFound = -32001
	codeReverted = -32010
	codeTimeout  = -32011
)

// Client 通过 JSON-RPC 网关访问账本。每个读调用都有独立的
// 强类型响应结构，不在运行时猜字段名。
type Client struct {
	RPC *gateway.RPCClient
}

func NewClient(rpc *gateway.RPCClient) *Client {
	return &Client{RPC: rpc}
}

// wireAmount 线上金额统一为十进制字符串 + 小数位，避免 JSON 数字精度丢失。
type wireAmount struct {
	Value    string `json:"value"`
	Decimals int32  `json:"decimals"`
}

func (w wireAmount) amount() (fixed.Amount, error) {
	v, ok := new(big.Int).SetString(w.Value, 10)
	if !ok {
		return fixed.Amount{}, fmt.Errorf("bad wire amount %q", w.Value)
	}
	return fixed.FromBig(v, w.Decimals), nil
}

type positionDTO struct {
	ID         uint64      `json:"id"`
	Owner      string      `json:"owner"`
	Base       string      `json:"base"`
	Quote      string      `json:"quote"`
	IsLong     bool        `json:"isLong"`
	EntryPrice wireAmount  `json:"entryPrice"`
	Size       wireAmount  `json:"size"`
	MarginUsed wireAmount  `json:"marginUsed"`
	Leverage   uint32      `json:"leverage"`
	TakeProfit *wireAmount `json:"takeProfit"`
	StopLoss   *wireAmount `json:"stopLoss"`
	IsOpen     bool        `json:"isOpen"`
}

func (d positionDTO) position() (Position, error) {
	entry, err := d.EntryPrice.amount()
	if err != nil {
		return Position{}, err
	}
	size, err := d.Size.amount()
	if err != nil {
		return Position{}, err
	}
	margin, err := d.MarginUsed.amount()
	if err != nil {
		return Position{}, err
	}
	p := Position{
		ID:         PositionID(d.ID),
		Owner:      d.Owner,
		Pair:       Pair{Base: d.Base, Quote: d.Quote},
		IsLong:     d.IsLong,
		EntryPrice: entry,
		Size:       size,
		MarginUsed: margin,
		Leverage:   d.Leverage,
		IsOpen:     d.IsOpen,
	}
	if d.TakeProfit != nil {
		tp, err := d.TakeProfit.amount()
		if err != nil {
			return Position{}, err
		}
		p.TakeProfit = &tp
	}
	if d.StopLoss != nil {
		sl, err := d.StopLoss.amount()
		if err != nil {
			return Position{}, err
		}
		p.StopLoss = &sl
	}
	return p, nil
}

// mapRPCError 把端点错误码翻译成本包哨兵错误。
func mapRPCError(err error) error {
	var re *gateway.RPCError
	if errors.As(err, &re) {
		switch re.Code {
		case codeNotFound:
			return fmt.Errorf("%w: %s", ErrNotFound, re.Message)
		case codeReverted:
			return &RevertError{Reason: re.Message}
		case codeTimeout:
			return fmt.Errorf("%w: %s", ErrUnconfirmed, re.Message)
		}
	}
	return err
}

func (c *Client) Position(ctx context.Context, id PositionID) (Position, error) {
	var dto positionDTO
	if err := c.RPC.Call(ctx, "ledger_getPosition", []any{uint64(id)}, &dto); err != nil {
		return Position{}, mapRPCError(err)
	}
	return dto.position()
}

type openPositionsDTO struct {
	IDs []uint64 `json:"ids"`
}

func (c *Client) OpenPositions(ctx context.Context, owner string, pair Pair) ([]PositionID, error) {
	var dto openPositionsDTO
	params := []any{owner, pair.Base, pair.Quote}
	if err := c.RPC.Call(ctx, "ledger_openPositions", params, &dto); err != nil {
		return nil, mapRPCError(err)
	}
	ids := make([]PositionID, len(dto.IDs))
	for i, id := range dto.IDs {
		ids[i] = PositionID(id)
	}
	return ids, nil
}

type accountDTO struct {
	Owner             string     `json:"owner"`
	CollateralBalance wireAmount `json:"collateralBalance"`
	UsedMarginUSD     wireAmount `json:"usedMarginUsd"`
}

func (c *Client) Account(ctx context.Context, owner string) (Account, error) {
	var dto accountDTO
	if err := c.RPC.Call(ctx, "ledger_getAccount", []any{owner}, &dto); err != nil {
		return Account{}, mapRPCError(err)
	}
	bal, err := dto.CollateralBalance.amount()
	if err != nil {
		return Account{}, err
	}
	used, err := dto.UsedMarginUSD.amount()
	if err != nil {
		return Account{}, err
	}
	return Account{Owner: dto.Owner, CollateralBalance: bal, UsedMarginUSD: used}, nil
}

type riskParamsDTO struct {
	MinMarginBps       int64      `json:"minMarginBps"`
	InitialMarginBps   int64      `json:"initialMarginBps"`
	MaxLeverage        uint32     `json:"maxLeverage"`
	MinPriceMovement   wireAmount `json:"minPriceMovement"`
	PriceTriggerBuffer wireAmount `json:"priceTriggerBuffer"`
}

func (c *Client) RiskParameters(ctx context.Context) (RiskParameters, error) {
	var dto riskParamsDTO
	if err := c.RPC.Call(ctx, "ledger_riskParameters", nil, &dto); err != nil {
		return RiskParameters{}, mapRPCError(err)
	}
	tick, err := dto.MinPriceMovement.amount()
	if err != nil {
		return RiskParameters{}, err
	}
	buffer, err := dto.PriceTriggerBuffer.amount()
	if err != nil {
		return RiskParameters{}, err
	}
	return RiskParameters{
		MinMarginBps:       dto.MinMarginBps,
		InitialMarginBps:   dto.InitialMarginBps,
		MaxLeverage:        dto.MaxLeverage,
		MinPriceMovement:   tick,
		PriceTriggerBuffer: buffer,
	}, nil
}

func (c *Client) DerivedPrice(ctx context.Context, pair Pair) (fixed.Amount, error) {
	var dto wireAmount
	if err := c.RPC.Call(ctx, "ledger_derivedPrice", []any{pair.Base, pair.Quote}, &dto); err != nil {
		return fixed.Amount{}, mapRPCError(err)
	}
	return dto.amount()
}

type tokenDTO struct {
	Symbol   string `json:"symbol"`
	Decimals int32  `json:"decimals"`
	Feed     string `json:"feed"`
}

func (c *Client) CollateralTokens(ctx context.Context) ([]Token, error) {
	var dtos []tokenDTO
	if err := c.RPC.Call(ctx, "ledger_collateralTokens", nil, &dtos); err != nil {
		return nil, mapRPCError(err)
	}
	tokens := make([]Token, len(dtos))
	for i, d := range dtos {
		tokens[i] = Token{Symbol: d.Symbol, Decimals: d.Decimals, Feed: d.Feed}
	}
	return tokens, nil
}

type submitDTO struct {
	TxHash string `json:"txHash"`
}

func (c *Client) CloseTriggered(ctx context.Context, id PositionID) (PendingTx, error) {
	var dto submitDTO
	if err := c.RPC.Call(ctx, "keeper_closeTriggered", []any{uint64(id)}, &dto); err != nil {
		return PendingTx{}, mapRPCError(err)
	}
	return PendingTx{Hash: dto.TxHash}, nil
}

func (c *Client) CloseWithBound(ctx context.Context, id PositionID, bound fixed.Amount, dir BoundDirection) (PendingTx, error) {
	if dir == BoundUnspecified {
		return PendingTx{}, errors.New("bound direction must be explicit")
	}
	var dto submitDTO
	params := []any{uint64(id), wireAmount{Value: bound.Value.String(), Decimals: bound.Decimals}, int(dir)}
	if err := c.RPC.Call(ctx, "keeper_closeWithBound", params, &dto); err != nil {
		return PendingTx{}, mapRPCError(err)
	}
	return PendingTx{Hash: dto.TxHash}, nil
}

type confirmDTO struct {
	Status string `json:"status"` // confirmed / reverted / pending
	Reason string `json:"reason"`
}

// WaitConfirmation 阻塞等待交易落账。pending 超时折叠为 ErrUnconfirmed，
// 绝不把超时当成失败静默吞掉。
func (c *Client) WaitConfirmation(ctx context.Context, tx PendingTx) error {
	var dto confirmDTO
	if err := c.RPC.Call(ctx, "tx_waitConfirmation", []any{tx.Hash}, &dto); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return fmt.Errorf("%w: %s", ErrUnconfirmed, tx.Hash)
		}
		return mapRPCError(err)
	}
	switch dto.Status {
	case "confirmed":
		return nil
	case "reverted":
		return &RevertError{Reason: dto.Reason}
	default:
		return fmt.Errorf("%w: %s still %s", ErrUnconfirmed, tx.Hash, dto.Status)
	}
}
