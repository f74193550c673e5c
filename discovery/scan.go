package discovery

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"position-keeper-go/gateway"
	"position-keeper-go/ledger"
)

// Class 单次探测的分类结果。
type Class int

const (
	// ClassOpen 命中一张在场仓位，进入工作集。
	ClassOpen Class = iota
	// ClassClosed 索引有效但仓位已终结，静默跳过。
	ClassClosed
	// ClassInvalid 越界索引，静默跳过。
	ClassInvalid
	// ClassError 预期外响应，记录后继续扫下一个，不算致命。
	ClassError
)

// Classifier 对单个索引做一次探测并分类。纯函数式抽象，
// 扫描逻辑不感知网络，单测无须任何外部依赖。
type Classifier func(ctx context.Context, id ledger.PositionID) (Class, error)

// ProbeError 探测中遇到的预期外响应，留给人工排查。
type ProbeError struct {
	ID  ledger.PositionID
	Err error
}

// Config 扫描参数。这是账本不提供枚举接口时的降级路径；
// 有直接枚举时 keeper 优先走枚举。
type Config struct {
	Start uint64 // 含
	End   uint64 // 含，可从断点续扫
	Delay time.Duration
	Gate  gateway.RateGate
	Log   *zap.Logger
}

// Result 扫描结果。ctx 中途取消时 Done 为 false，
// NextOffset 即续扫断点。
type Result struct {
	Open       []ledger.PositionID
	Errors     []ProbeError
	NextOffset uint64
	Done       bool
}

// Scan 在 [Start, End] 上做有界线性探测。每次探测前过限流闸门，
// 再加固定间隔，避免压垮读端点。
func Scan(ctx context.Context, cfg Config, classify Classifier) (Result, error) {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	res := Result{NextOffset: cfg.Start}

	for id := cfg.Start; id <= cfg.End; id++ {
		res.NextOffset = id
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if cfg.Gate != nil {
			if err := cfg.Gate.Wait(ctx); err != nil {
				return res, err
			}
		}

		class, err := classify(ctx, ledger.PositionID(id))
		switch class {
		case ClassOpen:
			res.Open = append(res.Open, ledger.PositionID(id))
		case ClassClosed, ClassInvalid:
			// 静默跳过
		case ClassError:
			res.Errors = append(res.Errors, ProbeError{ID: ledger.PositionID(id), Err: err})
			log.Warn("probe unexpected response", zap.Uint64("id", id), zap.Error(err))
		}

		if cfg.Delay > 0 && id < cfg.End {
			select {
			case <-time.After(cfg.Delay):
			case <-ctx.Done():
				res.NextOffset = id + 1
				return res, ctx.Err()
			}
		}
	}
	res.NextOffset = cfg.End + 1
	res.Done = true
	return res, nil
}

// LedgerClassifier 用账本读接口实现分类：读得到且在场为 open，
// 已平仓为 closed，ErrNotFound 为越界，其余都是预期外响应。
func LedgerClassifier(rd ledger.Reader) Classifier {
	return func(ctx context.Context, id ledger.PositionID) (Class, error) {
		pos, err := rd.Position(ctx, id)
		if err != nil {
			if errors.Is(err, ledger.ErrNotFound) {
				return ClassInvalid, nil
			}
			return ClassError, err
		}
		if !pos.IsOpen {
			return ClassClosed, nil
		}
		return ClassOpen, nil
	}
}
