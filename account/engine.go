package account

import (
	"errors"
	"math/big"

	"position-keeper-go/fixed"
	"position-keeper-go/ledger"
)

var (
	// ErrInvalidPrice 非正价格输入。这是输入校验失败，不许静默算成零。
	ErrInvalidPrice = errors.New("non-positive price input")
	// ErrZeroMargin 记录保证金为零的仓位是数据完整性异常，必须上报而非掩盖。
	ErrZeroMargin = errors.New("zero recorded margin")
)

var bpsScale = big.NewInt(10000)

// UnrealizedPnL 未实现盈亏，结果取 size 的小数位。
// 多头 size*(cur-entry)/entry，空头反号；MulDiv 向零截断。
func UnrealizedPnL(pos ledger.Position, current fixed.Amount) (fixed.Amount, error) {
	if pos.EntryPrice.Sign() <= 0 || current.Sign() <= 0 {
		return fixed.Amount{}, ErrInvalidPrice
	}
	entry := pos.EntryPrice
	cur := fixed.Rescale(current, entry.Decimals)

	diff := new(big.Int).Sub(cur.Value, entry.Value)
	if !pos.IsLong {
		diff.Neg(diff)
	}
	pnl := fixed.MulDiv(pos.Size.Value, diff, entry.Value)
	return fixed.FromBig(pnl, pos.Size.Decimals), nil
}

// CollateralValueUSD 抵押余额按当前喂价折算成 USD，统一到 18 位工作精度。
func CollateralValueUSD(balance, price fixed.Amount) (fixed.Amount, error) {
	if price.Sign() <= 0 {
		return fixed.Amount{}, ErrInvalidPrice
	}
	usd := fixed.MulDiv(balance.Value, price.Value, fixed.Pow10(price.Decimals))
	return fixed.FromBig(usd, balance.Decimals).Rescale(fixed.WorkingDecimals), nil
}

// Equity 权益 = 抵押 USD 价值 + 未实现盈亏（带符号），18 位工作精度。
func Equity(collateralUSD, pnl fixed.Amount) fixed.Amount {
	return fixed.Add(collateralUSD, pnl).Rescale(fixed.WorkingDecimals)
}

// MarginRatioBps 保证金率 = equity*10000/usedMargin，基点。
// usedMargin 为零直接报 ErrZeroMargin；equity 为零合法地返回 0。
func MarginRatioBps(equity, usedMarginUSD fixed.Amount) (int64, error) {
	if usedMarginUSD.IsZero() {
		return 0, ErrZeroMargin
	}
	e := fixed.Rescale(equity, fixed.WorkingDecimals)
	m := fixed.Rescale(usedMarginUSD, fixed.WorkingDecimals)
	bps := fixed.MulDiv(e.Value, bpsScale, m.Value)
	return bps.Int64(), nil
}
