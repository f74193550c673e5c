package preflight

import (
	"math/big"

	"position-keeper-go/account"
	"position-keeper-go/fixed"
)

// Input 预检输入。Equity/MarginRatioBps 来自本轮核算结果，
// RecordedMargin 是账本记录的仓位保证金（抵押币种单位）。
type Input struct {
	Equity          fixed.Amount
	MarginRatioBps  int64
	RecordedMargin  fixed.Amount
	CollateralPrice fixed.Amount
}

// Prediction 预检结论。SuggestedTopUp 只是建议输出，引擎自己从不入金。
type Prediction struct {
	WillUnderflow  bool
	DeficitUSD     fixed.Amount // 18 位工作精度
	SuggestedTopUp fixed.Amount // 抵押币种单位，向上取整
}

var bpsScale = big.NewInt(10000)

// PredictUnderflow 预测平仓/清算是否会把账本的 used margin 池减穿。
// 账本平仓路径按当前价扣减 recordedMargin；价格逆行或同池其他仓位的
// 盈亏交错会让池子先于扣减缩水，在无符号表示下减穿是致命算术故障
// 而不是干净的错误，所以必须在提交前在链下预演一遍。
func PredictUnderflow(in Input) (Prediction, error) {
	if in.CollateralPrice.Sign() <= 0 {
		return Prediction{}, account.ErrInvalidPrice
	}

	// 从 equity 与保证金率反推当前池子规模；率为零意味着权益已经
	// 归零，池子按空算，任何正的扣减都会减穿。
	equity := fixed.Rescale(in.Equity, fixed.WorkingDecimals)
	usedNow := new(big.Int)
	if in.MarginRatioBps != 0 {
		usedNow = fixed.MulDiv(equity.Value, bpsScale, big.NewInt(in.MarginRatioBps))
	}

	// 记录保证金按当前抵押价重估
	posUSD, err := account.CollateralValueUSD(in.RecordedMargin, in.CollateralPrice)
	if err != nil {
		return Prediction{}, err
	}

	if posUSD.Value.Cmp(usedNow) <= 0 {
		return Prediction{
			DeficitUSD:     fixed.New(0, fixed.WorkingDecimals),
			SuggestedTopUp: fixed.New(0, in.RecordedMargin.Decimals),
		}, nil
	}

	deficit := new(big.Int).Sub(posUSD.Value, usedNow)

	// 最小充足补仓额：deficit * 10^(priceDecimals+collateralDecimals)
	// / (price * 10^18)，远离零取整——宁可多补一个最小单位也不能差。
	cd := in.RecordedMargin.Decimals
	pd := in.CollateralPrice.Decimals
	num := new(big.Int).Mul(deficit, fixed.Pow10(pd+cd))
	den := new(big.Int).Mul(in.CollateralPrice.Value, fixed.Pow10(fixed.WorkingDecimals))
	topUp := fixed.CeilDiv(num, den)

	return Prediction{
		WillUnderflow:  true,
		DeficitUSD:     fixed.FromBig(deficit, fixed.WorkingDecimals),
		SuggestedTopUp: fixed.FromBig(topUp, cd),
	}, nil
}
