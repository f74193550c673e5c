package account

import (
	"errors"
	"testing"

	"position-keeper-go/fixed"
	"position-keeper-go/ledger"
)

func position(isLong bool) ledger.Position {
	return ledger.Position{
		ID:         1,
		IsLong:     isLong,
		EntryPrice: fixed.MustParse("1.16780000", 8),
		Size:       fixed.MustParse("0.006", 18),
		IsOpen:     true,
	}
}

func TestUnrealizedPnLLongShortSymmetry(t *testing.T) {
	current := fixed.MustParse("1.20000000", 8)

	long, err := UnrealizedPnL(position(true), current)
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if long.Sign() <= 0 {
		t.Fatalf("long above entry must be positive, got %s", long)
	}
	// 0.006e18 * 0.0322 / 1.1678，向零截断
	if long.Value.String() != "165439287549237" {
		t.Fatalf("long pnl = %s", long.Value)
	}

	short, err := UnrealizedPnL(position(false), current)
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if fixed.Cmp(short, long.Neg()) != 0 {
		t.Fatalf("short pnl %s not symmetric to long %s", short, long)
	}
}

func TestUnrealizedPnLRescalesCurrent(t *testing.T) {
	// 18 位的现价要先对齐到 entry 的 8 位再比
	current := fixed.MustParse("1.20", 18)
	long, err := UnrealizedPnL(position(true), current)
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if long.Value.String() != "165439287549237" {
		t.Fatalf("long pnl with 18dp current = %s", long.Value)
	}
}

func TestUnrealizedPnLInvalidEntry(t *testing.T) {
	pos := position(true)
	pos.EntryPrice = fixed.New(0, 8)
	if _, err := UnrealizedPnL(pos, fixed.MustParse("1.2", 8)); !errors.Is(err, ErrInvalidPrice) {
		t.Fatalf("expected ErrInvalidPrice, got %v", err)
	}
	pos.EntryPrice = fixed.MustParse("-1", 8)
	if _, err := UnrealizedPnL(pos, fixed.MustParse("1.2", 8)); !errors.Is(err, ErrInvalidPrice) {
		t.Fatalf("expected ErrInvalidPrice for negative entry, got %v", err)
	}
}

func TestCollateralValueUSD(t *testing.T) {
	balance := fixed.MustParse("2", 18)       // 2 WETH
	price := fixed.MustParse("1845.12345678", 8)
	usd, err := CollateralValueUSD(balance, price)
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if usd.Decimals != fixed.WorkingDecimals {
		t.Fatalf("expected working precision, got %d", usd.Decimals)
	}
	if usd.String() != "3690.24691356" {
		t.Fatalf("usd = %s", usd)
	}

	if _, err := CollateralValueUSD(balance, fixed.New(0, 8)); !errors.Is(err, ErrInvalidPrice) {
		t.Fatalf("expected ErrInvalidPrice for zero price")
	}
}

func TestEquitySignedAdd(t *testing.T) {
	coll := fixed.MustParse("100", 18)
	pnl := fixed.MustParse("-30.5", 18)
	eq := Equity(coll, pnl)
	if eq.String() != "69.5" {
		t.Fatalf("equity = %s", eq)
	}
}

func TestMarginRatioBps(t *testing.T) {
	equity := fixed.MustParse("150", 18)
	margin := fixed.MustParse("100", 18)
	bps, err := MarginRatioBps(equity, margin)
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if bps != 15000 {
		t.Fatalf("expected 15000 bps, got %d", bps)
	}

	// equity 为零是合法结果，不是错误
	bps, err = MarginRatioBps(fixed.New(0, 18), margin)
	if err != nil || bps != 0 {
		t.Fatalf("expected 0 bps, got %d err %v", bps, err)
	}

	// 记录保证金为零必须上报
	if _, err := MarginRatioBps(equity, fixed.New(0, 18)); !errors.Is(err, ErrZeroMargin) {
		t.Fatalf("expected ErrZeroMargin, got %v", err)
	}
}
