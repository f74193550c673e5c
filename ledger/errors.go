package ledger

import "errors"

var (
	// ErrNotFound 标识越界/不存在的仓位索引，探测扫描时静默跳过。
	ErrNotFound = errors.New("position not found")
	// ErrUnconfirmed 确认等待超时；交易可能仍在途，下一轮必须重查。
	ErrUnconfirmed = errors.New("confirmation timed out")
)

// RevertError 账本拒绝了写调用。不盲目重试：若本地预检认为安全
// 却仍然 revert，说明本地模型已与账本脱节，按数据完整性告警上报。
type RevertError struct {
	Reason string
}

func (e *RevertError) Error() string {
	return "reverted: " + e.Reason
}
