package discovery

import (
	"context"
	"errors"
	"testing"

	"position-keeper-go/fixed"
	"position-keeper-go/ledger"
)

func TestScanReturnsComplementOfInvalid(t *testing.T) {
	invalid := map[uint64]bool{3: true, 7: true, 8: true}
	classify := func(ctx context.Context, id ledger.PositionID) (Class, error) {
		if invalid[uint64(id)] {
			return ClassInvalid, nil
		}
		return ClassOpen, nil
	}

	res, err := Scan(context.Background(), Config{Start: 0, End: 9}, classify)
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if !res.Done {
		t.Fatalf("expected completed scan")
	}
	want := []ledger.PositionID{0, 1, 2, 4, 5, 6, 9}
	if len(res.Open) != len(want) {
		t.Fatalf("expected %v, got %v", want, res.Open)
	}
	for i, id := range want {
		if res.Open[i] != id {
			t.Fatalf("expected %v, got %v", want, res.Open)
		}
	}
}

func TestScanCollectsProbeErrorsAndContinues(t *testing.T) {
	boom := errors.New("rpc decode failure")
	classify := func(ctx context.Context, id ledger.PositionID) (Class, error) {
		if id == 2 {
			return ClassError, boom
		}
		return ClassOpen, nil
	}

	res, err := Scan(context.Background(), Config{Start: 0, End: 4}, classify)
	if err != nil {
		t.Fatalf("probe error must not abort scan: %v", err)
	}
	if len(res.Open) != 4 || len(res.Errors) != 1 {
		t.Fatalf("open=%v errors=%v", res.Open, res.Errors)
	}
	if res.Errors[0].ID != 2 || !errors.Is(res.Errors[0].Err, boom) {
		t.Fatalf("bad probe error record: %+v", res.Errors[0])
	}
}

func TestScanResumableOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	classify := func(ctx context.Context, id ledger.PositionID) (Class, error) {
		if id == 5 {
			cancel()
		}
		return ClassOpen, nil
	}

	res, err := Scan(ctx, Config{Start: 0, End: 100}, classify)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if res.Done {
		t.Fatalf("cancelled scan must not report done")
	}
	if res.NextOffset != 6 {
		t.Fatalf("expected resume offset 6, got %d", res.NextOffset)
	}

	// 从断点续扫应覆盖剩余区间
	res2, err := Scan(context.Background(), Config{Start: res.NextOffset, End: 10},
		func(ctx context.Context, id ledger.PositionID) (Class, error) { return ClassOpen, nil })
	if err != nil || !res2.Done {
		t.Fatalf("resume failed: %v %+v", err, res2)
	}
	if len(res2.Open) != 5 {
		t.Fatalf("expected ids 6..10, got %v", res2.Open)
	}
}

type stubReader struct {
	positions map[ledger.PositionID]ledger.Position
	fail      map[ledger.PositionID]error
}

func (s *stubReader) Position(ctx context.Context, id ledger.PositionID) (ledger.Position, error) {
	if err, ok := s.fail[id]; ok {
		return ledger.Position{}, err
	}
	pos, ok := s.positions[id]
	if !ok {
		return ledger.Position{}, ledger.ErrNotFound
	}
	return pos, nil
}

func (s *stubReader) OpenPositions(ctx context.Context, owner string, pair ledger.Pair) ([]ledger.PositionID, error) {
	return nil, nil
}

func (s *stubReader) Account(ctx context.Context, owner string) (ledger.Account, error) {
	return ledger.Account{Owner: owner}, nil
}

func (s *stubReader) RiskParameters(ctx context.Context) (ledger.RiskParameters, error) {
	return ledger.RiskParameters{}, nil
}

func (s *stubReader) DerivedPrice(ctx context.Context, pair ledger.Pair) (fixed.Amount, error) {
	return fixed.Amount{}, nil
}

func (s *stubReader) CollateralTokens(ctx context.Context) ([]ledger.Token, error) {
	return nil, nil
}

func TestLedgerClassifier(t *testing.T) {
	rd := &stubReader{
		positions: map[ledger.PositionID]ledger.Position{
			1: {ID: 1, IsOpen: true},
			2: {ID: 2, IsOpen: false},
		},
		fail: map[ledger.PositionID]error{4: errors.New("garbled response")},
	}
	classify := LedgerClassifier(rd)
	ctx := context.Background()

	cases := []struct {
		id   ledger.PositionID
		want Class
	}{
		{1, ClassOpen},
		{2, ClassClosed},
		{3, ClassInvalid},
		{4, ClassError},
	}
	for _, c := range cases {
		got, _ := classify(ctx, c.id)
		if got != c.want {
			t.Fatalf("id %d: expected class %d, got %d", c.id, c.want, got)
		}
	}
}
