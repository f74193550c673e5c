package keeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"position-keeper-go/feed"
	"position-keeper-go/fixed"
	"position-keeper-go/ledger"
)

func amt(t *testing.T, s string, decimals int32) fixed.Amount {
	t.Helper()
	a, err := fixed.Parse(s, decimals)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return a
}

// stubLedger 同时充当读端点和写端点。
type stubLedger struct {
	mu        sync.Mutex
	positions map[ledger.PositionID]ledger.Position
	acct      ledger.Account
	params    ledger.RiskParameters

	closeCalls []ledger.PositionID
	confirmErr error

	// 非 nil 时 CloseTriggered 先通知 entered 再阻塞到 release 关闭
	entered chan struct{}
	release chan struct{}
}

func (s *stubLedger) Position(ctx context.Context, id ledger.PositionID) (ledger.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.positions[id]
	if !ok {
		return ledger.Position{}, ledger.ErrNotFound
	}
	return pos, nil
}

func (s *stubLedger) OpenPositions(ctx context.Context, owner string, pair ledger.Pair) ([]ledger.PositionID, error) {
	return nil, nil
}

func (s *stubLedger) Account(ctx context.Context, owner string) (ledger.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acct, nil
}

func (s *stubLedger) RiskParameters(ctx context.Context) (ledger.RiskParameters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params, nil
}

func (s *stubLedger) DerivedPrice(ctx context.Context, pair ledger.Pair) (fixed.Amount, error) {
	return fixed.Amount{}, errors.New("no derived price in tests")
}

func (s *stubLedger) CollateralTokens(ctx context.Context) ([]ledger.Token, error) {
	return nil, nil
}

func (s *stubLedger) CloseTriggered(ctx context.Context, id ledger.PositionID) (ledger.PendingTx, error) {
	s.mu.Lock()
	s.closeCalls = append(s.closeCalls, id)
	entered, release := s.entered, s.release
	s.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
		<-release
	}
	return ledger.PendingTx{Hash: "0xstub"}, nil
}

func (s *stubLedger) CloseWithBound(ctx context.Context, id ledger.PositionID, bound fixed.Amount, dir ledger.BoundDirection) (ledger.PendingTx, error) {
	return ledger.PendingTx{}, errors.New("not used by the loop")
}

func (s *stubLedger) WaitConfirmation(ctx context.Context, tx ledger.PendingTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.confirmErr
}

func (s *stubLedger) submissions() []ledger.PositionID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ledger.PositionID, len(s.closeCalls))
	copy(out, s.closeCalls)
	return out
}

type stubQuotes struct {
	quotes map[string]feed.Quote
	err    error
}

func (s *stubQuotes) Fresh(ctx context.Context, feedID string) (feed.Quote, error) {
	if s.err != nil {
		return feed.Quote{}, s.err
	}
	q, ok := s.quotes[feedID]
	if !ok {
		return feed.Quote{}, feed.ErrUnavailable
	}
	return q, nil
}

// 固定行情：ETH 现价 1200，WETH 抵押价 2000。
// 仓位多头 entry 1000、TP 1100、名义 100 USD、保证金 0.05 WETH。
func testFixture(t *testing.T) (*stubLedger, *stubQuotes, ledger.Position) {
	tp := amt(t, "1100", 8)
	pos := ledger.Position{
		ID:         7,
		Owner:      "acct-1",
		Pair:       ledger.Pair{Base: "ETH", Quote: "USD"},
		IsLong:     true,
		EntryPrice: amt(t, "1000", 8),
		Size:       amt(t, "100", 18),
		MarginUsed: amt(t, "0.05", 18),
		Leverage:   2,
		TakeProfit: &tp,
		IsOpen:     true,
	}
	led := &stubLedger{
		positions: map[ledger.PositionID]ledger.Position{pos.ID: pos},
		acct: ledger.Account{
			Owner:             "acct-1",
			CollateralBalance: amt(t, "1", 18),
			UsedMarginUSD:     amt(t, "100", 18),
		},
		params: ledger.RiskParameters{
			MinMarginBps:       1000,
			MinPriceMovement:   amt(t, "0.00000001", 8),
			PriceTriggerBuffer: amt(t, "0", 8),
		},
	}
	now := time.Now()
	quotes := &stubQuotes{quotes: map[string]feed.Quote{
		"ETH/USD":  {Feed: "ETH/USD", Answer: amt(t, "1200", 8), RoundID: 1, UpdatedAt: now},
		"WETH/USD": {Feed: "WETH/USD", Answer: amt(t, "2000", 8), RoundID: 1, UpdatedAt: now},
	}}
	return led, quotes, pos
}

func testKeeper(led *stubLedger, quotes *stubQuotes) *Keeper {
	cfg := Config{
		Interval:       time.Second,
		ConfirmTimeout: time.Second,
		Workers:        2,
		Collateral:     ledger.Token{Symbol: "WETH", Decimals: 18, Feed: "WETH/USD"},
		FeedBySymbol:   map[string]string{"ETH": "ETH/USD"},
	}
	return New(cfg, led, led, quotes, zap.NewNop(), nil)
}

func TestDecide(t *testing.T) {
	cases := []struct {
		met, safe bool
		want      Action
	}{
		{false, true, ActionNone},
		{false, false, ActionNone},
		{true, false, ActionTopUp},
		{true, true, ActionSubmit},
	}
	for _, c := range cases {
		got := Decide(EvaluationResult{TriggerMet: c.met, SafeToClose: c.safe})
		if got != c.want {
			t.Fatalf("met=%v safe=%v: expected %v, got %v", c.met, c.safe, c.want, got)
		}
	}
}

func TestCycleSubmitsTriggeredSafePosition(t *testing.T) {
	led, quotes, pos := testFixture(t)
	k := testKeeper(led, quotes)
	k.Seed([]ledger.PositionID{pos.ID})

	if err := k.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	subs := led.submissions()
	if len(subs) != 1 || subs[0] != pos.ID {
		t.Fatalf("expected one submission for %d, got %v", pos.ID, subs)
	}
	// 确认落账后仓位离开工作集
	if ws := k.WorkingSet(); len(ws) != 0 {
		t.Fatalf("confirmed position must leave working set, got %v", ws)
	}
}

func TestEvaluateReportsAccountLevelFigures(t *testing.T) {
	led, quotes, pos := testFixture(t)
	k := testKeeper(led, quotes)

	res, err := k.Evaluate(context.Background(), pos, led.params)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	// PnL = 100*(1200-1000)/1000 = 20；权益 = 2000+20；率 = 2020e4/100
	if res.UnrealizedPnL.String() != "20" {
		t.Fatalf("expected pnl 20, got %s", res.UnrealizedPnL)
	}
	if res.Equity.String() != "2020" {
		t.Fatalf("expected equity 2020, got %s", res.Equity)
	}
	if res.MarginRatioBps != 202000 {
		t.Fatalf("expected 202000 bps, got %d", res.MarginRatioBps)
	}
	if !res.TriggerMet || !res.SafeToClose {
		t.Fatalf("expected triggered and safe, got %+v", res)
	}
}

func TestUnsafeCloseSurfacesTopUpWithoutSubmitting(t *testing.T) {
	led, quotes, pos := testFixture(t)
	// 池子被同账户其他仓位消耗到 90 USD，低于本仓保证金现值 100 USD
	led.acct.UsedMarginUSD = amt(t, "90", 18)
	k := testKeeper(led, quotes)
	k.Seed([]ledger.PositionID{pos.ID})

	var got Action
	var rec EvaluationResult
	k.OnRecommendation = func(res EvaluationResult, action Action) {
		got = action
		rec = res
	}
	if err := k.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if len(led.submissions()) != 0 {
		t.Fatalf("unsafe close must not reach the ledger: %v", led.submissions())
	}
	if got != ActionTopUp {
		t.Fatalf("expected top-up recommendation, got %v", got)
	}
	if rec.DeficitUSD.Sign() <= 0 || rec.SuggestedTopUp.Sign() <= 0 {
		t.Fatalf("expected positive deficit and top-up, got %+v", rec)
	}
	// 仓位留在工作集里等待补仓
	if ws := k.WorkingSet(); len(ws) != 1 {
		t.Fatalf("position must stay in working set, got %v", ws)
	}
}

func TestClosedPositionDroppedPermanently(t *testing.T) {
	led, quotes, pos := testFixture(t)
	pos.IsOpen = false
	led.positions[pos.ID] = pos
	k := testKeeper(led, quotes)
	k.Seed([]ledger.PositionID{pos.ID})

	if err := k.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if len(led.submissions()) != 0 {
		t.Fatalf("closed position must not be submitted")
	}
	if ws := k.WorkingSet(); len(ws) != 0 {
		t.Fatalf("terminal position must leave working set, got %v", ws)
	}
}

func TestMissingPositionDropped(t *testing.T) {
	led, quotes, _ := testFixture(t)
	k := testKeeper(led, quotes)
	k.Seed([]ledger.PositionID{99})

	if err := k.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if ws := k.WorkingSet(); len(ws) != 0 {
		t.Fatalf("unknown id must leave working set, got %v", ws)
	}
}

func TestNoDuplicateSubmissionForSamePosition(t *testing.T) {
	led, quotes, pos := testFixture(t)
	led.entered = make(chan struct{}, 1)
	led.release = make(chan struct{})
	k := testKeeper(led, quotes)

	res, err := k.Evaluate(context.Background(), pos, led.params)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	done := make(chan struct{})
	go func() {
		k.act(context.Background(), pos, res)
		close(done)
	}()
	<-led.entered // 第一笔提交已在途且持有标记

	// 并发的第二次处置必须立即放弃，不产生第二笔提交
	k.act(context.Background(), pos, res)

	close(led.release)
	<-done
	if subs := led.submissions(); len(subs) != 1 {
		t.Fatalf("expected exactly one submission, got %v", subs)
	}
}

func TestUnconfirmedKeepsPositionForNextCycle(t *testing.T) {
	led, quotes, pos := testFixture(t)
	led.confirmErr = ledger.ErrUnconfirmed
	k := testKeeper(led, quotes)
	k.Seed([]ledger.PositionID{pos.ID})

	if err := k.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if len(led.submissions()) != 1 {
		t.Fatalf("expected one submission, got %v", led.submissions())
	}
	// 交易可能仍在途，下一轮重查仓位状态
	if ws := k.WorkingSet(); len(ws) != 1 {
		t.Fatalf("unconfirmed position must stay in working set, got %v", ws)
	}
}

func TestRevertAfterSafePredictionNotRetried(t *testing.T) {
	led, quotes, pos := testFixture(t)
	led.confirmErr = &ledger.RevertError{Reason: "margin pool underflow"}
	k := testKeeper(led, quotes)
	k.Seed([]ledger.PositionID{pos.ID})

	if err := k.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	// 同一周期内只提交一次，回滚按完整性告警处理
	if subs := led.submissions(); len(subs) != 1 {
		t.Fatalf("revert must not be retried in-cycle, got %v", subs)
	}
	if ws := k.WorkingSet(); len(ws) != 1 {
		t.Fatalf("reverted position re-checks next cycle, got %v", ws)
	}
}

func TestStaleFeedSkipsPosition(t *testing.T) {
	led, quotes, pos := testFixture(t)
	quotes.err = feed.ErrStale
	k := testKeeper(led, quotes)
	k.Seed([]ledger.PositionID{pos.ID})

	if err := k.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if len(led.submissions()) != 0 {
		t.Fatalf("stale feed must block submission")
	}
	if ws := k.WorkingSet(); len(ws) != 1 {
		t.Fatalf("skipped position stays in working set, got %v", ws)
	}
}

func TestRunSkipsOverlappingCycles(t *testing.T) {
	led, quotes, pos := testFixture(t)
	led.entered = make(chan struct{}, 1)
	led.release = make(chan struct{})
	k := testKeeper(led, quotes)
	k.cfg.Interval = 5 * time.Millisecond
	k.Seed([]ledger.PositionID{pos.ID})

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		_ = k.Run(ctx)
		close(runDone)
	}()

	<-led.entered // 周期卡在提交上
	time.Sleep(30 * time.Millisecond)
	// 后续 tick 全部跳过，不会出现第二笔提交
	if subs := led.submissions(); len(subs) != 1 {
		t.Fatalf("overlapping cycles must be skipped, got %v", subs)
	}
	close(led.release)
	cancel()
	<-runDone
}
