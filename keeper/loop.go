package keeper

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"position-keeper-go/account"
	"position-keeper-go/feed"
	"position-keeper-go/fixed"
	"position-keeper-go/ledger"
	"position-keeper-go/metrics"
	"position-keeper-go/preflight"
	"position-keeper-go/trigger"
)

// QuoteReader 带新鲜度策略的喂价读取，*feed.Reader 即实现。
type QuoteReader interface {
	Fresh(ctx context.Context, feedID string) (feed.Quote, error)
}

// Config keeper 决策循环参数。
type Config struct {
	Interval       time.Duration
	ConfirmTimeout time.Duration
	Workers        int
	Collateral     ledger.Token      // 本部署使用的抵押币种及其喂价
	FeedBySymbol   map[string]string // 交易符号到喂价 ID 的映射
}

// Keeper 决策循环：对工作集内每张仓位，取价、核算、判触发、预检，
// 再决定提交平仓还是给出补仓建议。逐仓位评估无共享可变状态，
// 周期内可以并行；唯一共享资源是读端点的限流闸门（在 gateway 层）。
type Keeper struct {
	cfg    Config
	rd     ledger.Reader
	wr     ledger.Writer
	quotes QuoteReader
	log    *zap.Logger
	met    *metrics.Set

	// OnRecommendation 对外暴露处置建议（提交或补仓），可选。
	OnRecommendation func(res EvaluationResult, action Action)

	mu      sync.Mutex
	working map[ledger.PositionID]struct{}

	inflight *inflightSet
	busy     atomic.Bool
}

func New(cfg Config, rd ledger.Reader, wr ledger.Writer, quotes QuoteReader, log *zap.Logger, met *metrics.Set) *Keeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 30 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Keeper{
		cfg:      cfg,
		rd:       rd,
		wr:       wr,
		quotes:   quotes,
		log:      log,
		met:      met,
		working:  make(map[ledger.PositionID]struct{}),
		inflight: newInflightSet(),
	}
}

// Seed 把一批仓位放进工作集（来自枚举接口或降级扫描）。
func (k *Keeper) Seed(ids []ledger.PositionID) {
	k.mu.Lock()
	for _, id := range ids {
		k.working[id] = struct{}{}
	}
	k.mu.Unlock()
}

// WorkingSet 当前工作集快照（升序）。
func (k *Keeper) WorkingSet() []ledger.PositionID {
	k.mu.Lock()
	ids := make([]ledger.PositionID, 0, len(k.working))
	for id := range k.working {
		ids = append(ids, id)
	}
	k.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// drop 永久移出工作集：已观察到终态的仓位不再评估。
func (k *Keeper) drop(id ledger.PositionID) {
	k.mu.Lock()
	delete(k.working, id)
	k.mu.Unlock()
}

// Run 固定间隔跑评估周期，直到 ctx 取消。上一周期还没结束时
// 跳过新周期，同一工作集的周期绝不重叠。
func (k *Keeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(k.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !k.busy.CompareAndSwap(false, true) {
				if k.met != nil {
					k.met.CyclesSkipped.Inc()
				}
				k.log.Debug("cycle still running, skipping tick")
				continue
			}
			go func() {
				defer k.busy.Store(false)
				if err := k.RunCycle(ctx); err != nil && !errors.Is(err, context.Canceled) {
					k.log.Error("cycle failed", zap.Error(err))
				}
			}()
		}
	}
}

// RunCycle 跑一个评估周期。风险参数在周期开头读一次做快照，
// 周期中途账本改参数由下一轮接住。
func (k *Keeper) RunCycle(ctx context.Context) error {
	params, err := k.rd.RiskParameters(ctx)
	if err != nil {
		return err
	}

	ids := k.WorkingSet()
	jobs := make(chan ledger.PositionID)
	var wg sync.WaitGroup
	for i := 0; i < k.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				k.evaluatePosition(ctx, id, params)
			}
		}()
	}
	for _, id := range ids {
		// 周期可以在仓位间被放弃，单仓位没有需要回滚的中间态
		if ctx.Err() != nil {
			break
		}
		jobs <- id
	}
	close(jobs)
	wg.Wait()

	if k.met != nil {
		k.met.CyclesTotal.Inc()
		k.met.WorkingSetSize.Set(float64(len(k.WorkingSet())))
	}
	return ctx.Err()
}

func (k *Keeper) evaluatePosition(ctx context.Context, id ledger.PositionID, params ledger.RiskParameters) {
	pos, err := k.rd.Position(ctx, id)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			k.drop(id)
			return
		}
		k.skip(id, "ledger_read", err)
		return
	}
	if !pos.IsOpen {
		// 终态，永久移出
		k.drop(id)
		return
	}

	res, err := k.Evaluate(ctx, pos, params)
	if err != nil {
		k.skip(id, skipReason(err), err)
		return
	}
	k.act(ctx, pos, res)
}

// Evaluate 对一张在场仓位做完整评估：现价 → 盈亏 → 权益/保证金率 →
// 触发判定 → 减穿预检。无副作用，可并行。
func (k *Keeper) Evaluate(ctx context.Context, pos ledger.Position, params ledger.RiskParameters) (EvaluationResult, error) {
	price, err := k.pairPrice(ctx, pos.Pair)
	if err != nil {
		return EvaluationResult{}, err
	}
	collQ, err := k.quotes.Fresh(ctx, k.cfg.Collateral.Feed)
	if err != nil {
		return EvaluationResult{}, err
	}
	if k.met != nil {
		k.met.FeedStaleness.WithLabelValues(k.cfg.Collateral.Feed).Set(collQ.Staleness(time.Now()).Seconds())
	}

	// 权益与保证金率是账户级量：同一 owner 的仓位共享抵押池，
	// used margin 取账本登记值而非本仓位保证金的现价重估
	acct, err := k.rd.Account(ctx, pos.Owner)
	if err != nil {
		return EvaluationResult{}, err
	}
	pnl, err := account.UnrealizedPnL(pos, price)
	if err != nil {
		return EvaluationResult{}, err
	}
	collUSD, err := account.CollateralValueUSD(acct.CollateralBalance, collQ.Answer)
	if err != nil {
		return EvaluationResult{}, err
	}
	equity := account.Equity(collUSD, pnl)
	ratio, err := account.MarginRatioBps(equity, acct.UsedMarginUSD)
	if err != nil {
		return EvaluationResult{}, err
	}

	trig, err := trigger.Evaluate(pos, price, params.PriceTriggerBuffer)
	if err != nil {
		return EvaluationResult{}, err
	}
	met := trig.Met
	if met && !trigger.SubmitSafe(pos, trig.Side, price, params.PriceTriggerBuffer, params.MinPriceMovement) {
		// 现价还贴着账本可回穿的刻度边界，这一轮先不提交
		met = false
	}

	pred, err := preflight.PredictUnderflow(preflight.Input{
		Equity:          equity,
		MarginRatioBps:  ratio,
		RecordedMargin:  pos.MarginUsed,
		CollateralPrice: collQ.Answer,
	})
	if err != nil {
		return EvaluationResult{}, err
	}

	return EvaluationResult{
		PositionID:     pos.ID,
		UnrealizedPnL:  pnl,
		Equity:         equity,
		MarginRatioBps: ratio,
		TriggerSide:    trig.Side,
		TriggerMet:     met,
		SafeToClose:    !pred.WillUnderflow,
		DeficitUSD:     pred.DeficitUSD,
		SuggestedTopUp: pred.SuggestedTopUp,
	}, nil
}

// pairPrice 优先用原始喂价合成交叉价；符号没有配喂价时退回
// 账本的派生价读数（两者必须逐位一致，见 feed.CrossPrice）。
func (k *Keeper) pairPrice(ctx context.Context, pair ledger.Pair) (fixed.Amount, error) {
	baseFeed, ok := k.cfg.FeedBySymbol[pair.Base]
	if !ok {
		return k.rd.DerivedPrice(ctx, pair)
	}
	baseQ, err := k.quotes.Fresh(ctx, baseFeed)
	if err != nil {
		return fixed.Amount{}, err
	}
	quoteFeed, ok := k.cfg.FeedBySymbol[pair.Quote]
	if !ok {
		// USD 计价对直接用 base 喂价
		return baseQ.Answer, nil
	}
	quoteQ, err := k.quotes.Fresh(ctx, quoteFeed)
	if err != nil {
		return fixed.Amount{}, err
	}
	return feed.CrossPrice(baseQ, quoteQ)
}

func (k *Keeper) act(ctx context.Context, pos ledger.Position, res EvaluationResult) {
	action := Decide(res)
	if action == ActionNone {
		return
	}
	if k.met != nil {
		k.met.TriggersTotal.WithLabelValues(res.TriggerSide.String()).Inc()
	}
	if k.OnRecommendation != nil {
		k.OnRecommendation(res, action)
	}

	if action == ActionTopUp {
		if k.met != nil {
			k.met.UnsafeCloseTotal.Inc()
		}
		k.log.Warn("close would underflow margin pool, surfacing top-up instead",
			zap.Uint64("position", uint64(pos.ID)),
			zap.String("side", res.TriggerSide.String()),
			zap.String("deficit_usd", res.DeficitUSD.String()),
			zap.String("suggested_top_up", res.SuggestedTopUp.String()))
		return
	}

	// 每仓位至多一笔在途提交，提交加确认等待全程持有标记
	if !k.inflight.tryAcquire(pos.ID) {
		k.log.Debug("submission already in flight", zap.Uint64("position", uint64(pos.ID)))
		return
	}
	defer k.inflight.release(pos.ID)

	tx, err := k.wr.CloseTriggered(ctx, pos.ID)
	if err != nil {
		k.submissionFailed(pos.ID, err)
		return
	}
	k.log.Info("close submitted",
		zap.Uint64("position", uint64(pos.ID)),
		zap.String("side", res.TriggerSide.String()),
		zap.String("tx", tx.Hash))

	cctx, cancel := context.WithTimeout(ctx, k.cfg.ConfirmTimeout)
	defer cancel()
	switch err := k.wr.WaitConfirmation(cctx, tx); {
	case err == nil:
		if k.met != nil {
			k.met.SubmissionsTotal.WithLabelValues("confirmed").Inc()
		}
		k.log.Info("close confirmed", zap.Uint64("position", uint64(pos.ID)), zap.String("tx", tx.Hash))
		k.drop(pos.ID)
	case errors.Is(err, ledger.ErrUnconfirmed):
		// 交易可能仍在途：不算失败，下一轮重查仓位状态
		if k.met != nil {
			k.met.SubmissionsTotal.WithLabelValues("unconfirmed").Inc()
		}
		k.log.Warn("confirmation wait abandoned, will re-evaluate",
			zap.Uint64("position", uint64(pos.ID)), zap.String("tx", tx.Hash))
	default:
		k.submissionFailed(pos.ID, err)
	}
}

// submissionFailed 预检说安全却被账本拒绝，说明本地模型已与账本
// 脱节——按数据完整性告警上报，绝不盲目重试。
func (k *Keeper) submissionFailed(id ledger.PositionID, err error) {
	var revert *ledger.RevertError
	if errors.As(err, &revert) {
		if k.met != nil {
			k.met.SubmissionsTotal.WithLabelValues("reverted").Inc()
		}
		k.log.Error("safe-predicted close reverted, local model out of sync with ledger",
			zap.Uint64("position", uint64(id)),
			zap.String("reason", revert.Reason))
		return
	}
	if k.met != nil {
		k.met.SubmissionsTotal.WithLabelValues("error").Inc()
	}
	k.log.Error("close submission failed", zap.Uint64("position", uint64(id)), zap.Error(err))
}

func (k *Keeper) skip(id ledger.PositionID, reason string, err error) {
	if k.met != nil {
		k.met.EvalSkipsTotal.WithLabelValues(reason).Inc()
	}
	k.log.Warn("position skipped this cycle",
		zap.Uint64("position", uint64(id)),
		zap.String("reason", reason),
		zap.Error(err))
}

// skipReason 错误到指标标签的映射。
func skipReason(err error) string {
	switch {
	case errors.Is(err, feed.ErrStale):
		return "feed_stale"
	case errors.Is(err, feed.ErrUnavailable):
		return "feed_unavailable"
	case errors.Is(err, feed.ErrInvalidAnswer), errors.Is(err, account.ErrInvalidPrice):
		return "invalid_price"
	case errors.Is(err, account.ErrZeroMargin):
		return "zero_margin"
	case errors.Is(err, trigger.ErrPositionClosed):
		return "position_closed"
	default:
		return "other"
	}
}
