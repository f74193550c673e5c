package keeper

import (
	"position-keeper-go/fixed"
	"position-keeper-go/ledger"
	"position-keeper-go/trigger"
)

// EvaluationResult 单仓位单周期的评估结论。临时派生数据，
// 每轮用 Position + 最新报价 + 参数快照重算，从不跨周期缓存。
type EvaluationResult struct {
	PositionID     ledger.PositionID
	UnrealizedPnL  fixed.Amount
	Equity         fixed.Amount
	MarginRatioBps int64
	TriggerSide    trigger.Side
	TriggerMet     bool
	SafeToClose    bool
	DeficitUSD     fixed.Amount
	SuggestedTopUp fixed.Amount
}

// Action 本周期对一张仓位的处置。
type Action int

const (
	// ActionNone 未触发，不动。
	ActionNone Action = iota
	// ActionSubmit 触发且预检安全，提交平仓。
	ActionSubmit
	// ActionTopUp 触发但预检不安全，只给补仓建议，不碰链。
	ActionTopUp
)

func (a Action) String() string {
	switch a {
	case ActionSubmit:
		return "submit"
	case ActionTopUp:
		return "top_up"
	default:
		return "none"
	}
}

// Decide 纯决策函数：评估结论到处置的映射，方便单测穷举。
func Decide(res EvaluationResult) Action {
	if !res.TriggerMet {
		return ActionNone
	}
	if !res.SafeToClose {
		return ActionTopUp
	}
	return ActionSubmit
}
