package trigger

import (
	"errors"

	"position-keeper-go/fixed"
	"position-keeper-go/ledger"
)

// ErrPositionClosed 终态仓位不参与评估，调用方应提前剔除。
var ErrPositionClosed = errors.New("position closed")

// Side 触发方向。
type Side int

const (
	SideNone Side = iota
	SideTakeProfit
	SideStopLoss
)

func (s Side) String() string {
	switch s {
	case SideTakeProfit:
		return "take_profit"
	case SideStopLoss:
		return "stop_loss"
	default:
		return "none"
	}
}

// Result 一次触发判定。
type Result struct {
	Side Side
	Met  bool
}

// Evaluate 判定仓位的 TP/SL 是否触发。buffer 吸收 oracle 抖动，
// 防止触发后价格立刻回穿。
// 多头：TP 在 cur >= tp+buffer 触发，SL 在 cur <= sl-buffer；空头反向。
// TP 与 SL 同时可满足只会出现在配置错乱的仓位上，此时止损优先——
// 保本金是保守默认。
func Evaluate(pos ledger.Position, current, buffer fixed.Amount) (Result, error) {
	if !pos.IsOpen {
		return Result{}, ErrPositionClosed
	}

	if pos.StopLoss != nil {
		var met bool
		if pos.IsLong {
			met = fixed.Cmp(current, fixed.Sub(*pos.StopLoss, buffer)) <= 0
		} else {
			met = fixed.Cmp(current, fixed.Add(*pos.StopLoss, buffer)) >= 0
		}
		if met {
			return Result{Side: SideStopLoss, Met: true}, nil
		}
	}
	if pos.TakeProfit != nil {
		var met bool
		if pos.IsLong {
			met = fixed.Cmp(current, fixed.Add(*pos.TakeProfit, buffer)) >= 0
		} else {
			met = fixed.Cmp(current, fixed.Sub(*pos.TakeProfit, buffer)) <= 0
		}
		if met {
			return Result{Side: SideTakeProfit, Met: true}, nil
		}
	}
	return Result{Side: SideNone, Met: false}, nil
}

// SubmitSafe 判断现价是否已越过提交安全价。贴着边界的触发先不提交，
// 等下一轮价格走出安全余量再动手。
func SubmitSafe(pos ledger.Position, side Side, current, buffer, tick fixed.Amount) bool {
	thr := SubmitThreshold(pos, side, buffer, tick)
	if thr.Value == nil {
		return false
	}
	switch side {
	case SideTakeProfit:
		if pos.IsLong {
			return fixed.Cmp(current, thr) >= 0
		}
		return fixed.Cmp(current, thr) <= 0
	case SideStopLoss:
		if pos.IsLong {
			return fixed.Cmp(current, thr) <= 0
		}
		return fixed.Cmp(current, thr) >= 0
	default:
		return false
	}
}

// SubmitThreshold 计算提交安全价：在缓冲阈值之外再让出至少 2*tick，
// 避免正好卡在账本可回穿的最小刻度边界上提交。
// tick 是账本自身承认的最小价格粒度（MIN_PRICE_MOVEMENT）。
func SubmitThreshold(pos ledger.Position, side Side, buffer, tick fixed.Amount) fixed.Amount {
	margin := fixed.Add(buffer, fixed.Add(tick, tick))
	switch side {
	case SideTakeProfit:
		if pos.TakeProfit == nil {
			return fixed.Amount{}
		}
		if pos.IsLong {
			return fixed.Add(*pos.TakeProfit, margin)
		}
		return fixed.Sub(*pos.TakeProfit, margin)
	case SideStopLoss:
		if pos.StopLoss == nil {
			return fixed.Amount{}
		}
		if pos.IsLong {
			return fixed.Sub(*pos.StopLoss, margin)
		}
		return fixed.Add(*pos.StopLoss, margin)
	default:
		return fixed.Amount{}
	}
}
