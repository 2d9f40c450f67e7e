package models

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func testExpiration() time.Time {
	return time.Date(2025, 3, 21, 0, 0, 0, 0, time.UTC)
}

func TestNewTrade_DerivesEconomics(t *testing.T) {
	tr := NewTrade("t1", " spy ", StrategyBullPutSpread, 450, 445, testExpiration(), 1.50, 1)

	if tr.Ticker != "SPY" {
		t.Errorf("Ticker = %q, want SPY", tr.Ticker)
	}
	if tr.SpreadWidth != 5 {
		t.Errorf("SpreadWidth = %v, want 5", tr.SpreadWidth)
	}
	if tr.MaxProfit != 150 {
		t.Errorf("MaxProfit = %v, want 150", tr.MaxProfit)
	}
	if tr.MaxLoss != 350 {
		t.Errorf("MaxLoss = %v, want 350", tr.MaxLoss)
	}
	if tr.Status != StatusOpen {
		t.Errorf("Status = %s, want open", tr.Status)
	}
	if err := tr.Validate(); err != nil {
		t.Errorf("new trade should validate: %v", err)
	}
}

func TestTrade_WidthIsAbsoluteStrikeDifference(t *testing.T) {
	call := NewTrade("c1", "QQQ", StrategyBearCallSpread, 400, 405, testExpiration(), 1.25, 3)
	if call.SpreadWidth != 5 {
		t.Errorf("SpreadWidth = %v, want 5", call.SpreadWidth)
	}
	if call.MaxLoss != 1125 {
		t.Errorf("MaxLoss = %v, want 1125", call.MaxLoss)
	}

	naked := NewTrade("n1", "IWM", StrategyNaked, 200, 0, testExpiration(), 2.00, 1)
	if naked.SpreadWidth != 200 {
		t.Errorf("naked SpreadWidth = %v, want 200", naked.SpreadWidth)
	}
	if err := naked.Validate(); err != nil {
		t.Errorf("naked trade should validate: %v", err)
	}
}

func TestTrade_Validate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Trade)
		want   string
	}{
		{"missing ticker", func(tr *Trade) { tr.Ticker = "" }, "ticker is required"},
		{"missing id", func(tr *Trade) { tr.ID = " " }, "id is required"},
		{"zero contracts", func(tr *Trade) { tr.Contracts = 0 }, "contracts must be >= 1"},
		{"credit above width", func(tr *Trade) { tr.Credit = 6; tr.Derive() }, "must exceed credit"},
		{"credit equal width", func(tr *Trade) { tr.Credit = 5; tr.Derive() }, "must exceed credit"},
		{"stale width", func(tr *Trade) { tr.SpreadWidth = 10 }, "does not match strikes"},
		{"unknown strategy", func(tr *Trade) { tr.Strategy = "iron_condor" }, "unknown strategy"},
		{"unknown source", func(tr *Trade) { tr.Source = "" }, "unknown source"},
		{"open with pnl", func(tr *Trade) { p := 10.0; tr.RealizedPnL = &p }, "must be unset for open"},
		{"closed without pnl", func(tr *Trade) {
			now := time.Now()
			tr.Status = StatusClosedProfit
			tr.ExitDate = &now
		}, "must be set for closed_profit"},
		{"spread without long strike", func(tr *Trade) { tr.LongStrike = 0; tr.Derive() }, "long strike"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTrade("t1", "SPY", StrategyBullPutSpread, 450, 445, testExpiration(), 1.50, 1)
			tt.mutate(tr)
			err := tr.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !errors.Is(err, ErrInvalidTrade) {
				t.Errorf("error should wrap ErrInvalidTrade: %v", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q should contain %q", err, tt.want)
			}
		})
	}
}

func TestTrade_Close_OnlyOnce(t *testing.T) {
	tr := NewTrade("t1", "SPY", StrategyBullPutSpread, 450, 445, testExpiration(), 1.50, 1)
	at := tr.EntryDate.Add(24 * time.Hour)

	if err := tr.Close(StatusClosedProfit, ExitProfitTarget, 100.004, at); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if tr.RealizedPnL == nil || *tr.RealizedPnL != 100 {
		t.Errorf("RealizedPnL = %v, want 100", tr.RealizedPnL)
	}
	if tr.ExitDate == nil || !tr.ExitDate.Equal(at) {
		t.Errorf("ExitDate = %v, want %v", tr.ExitDate, at)
	}
	if err := tr.Validate(); err != nil {
		t.Errorf("closed trade should validate: %v", err)
	}

	err := tr.Close(StatusClosedLoss, ExitStopLoss, -50, at)
	if !errors.Is(err, ErrNotOpen) {
		t.Errorf("second close should fail with ErrNotOpen, got %v", err)
	}
	if tr.Status != StatusClosedProfit {
		t.Errorf("status changed after rejected close: %s", tr.Status)
	}
}

func TestTrade_Close_RejectsOpenTarget(t *testing.T) {
	tr := NewTrade("t1", "SPY", StrategyBullPutSpread, 450, 445, testExpiration(), 1.50, 1)
	if err := tr.Close(StatusOpen, ExitManual, 0, time.Now()); err == nil {
		t.Error("closing into open should fail")
	}
	if !tr.IsOpen() || tr.RealizedPnL != nil {
		t.Error("trade should be untouched after a rejected transition")
	}
}

func TestClosingStatus(t *testing.T) {
	tests := []struct {
		reason ExitReason
		pnl    float64
		want   Status
	}{
		{ExitProfitTarget, 25, StatusClosedProfit},
		{ExitStopLoss, -80, StatusClosedLoss},
		{ExitBrokerFill, 0, StatusClosedExpiry},
		{ExitExpiration, 150, StatusClosedExpiry},
		{ExitManual, -10, StatusClosedManual},
	}
	for _, tt := range tests {
		if got := ClosingStatus(tt.reason, tt.pnl); got != tt.want {
			t.Errorf("ClosingStatus(%s, %v) = %s, want %s", tt.reason, tt.pnl, got, tt.want)
		}
	}
}

func TestCanTransition_NeverLeavesClosed(t *testing.T) {
	closed := []Status{StatusClosedProfit, StatusClosedLoss, StatusClosedExpiry, StatusClosedManual}
	for _, from := range closed {
		if err := CanTransition(from, StatusOpen); err == nil {
			t.Errorf("%s -> open should be rejected", from)
		}
		for _, to := range closed {
			if err := CanTransition(from, to); err == nil {
				t.Errorf("%s -> %s should be rejected", from, to)
			}
		}
		if err := CanTransition(StatusOpen, from); err != nil {
			t.Errorf("open -> %s should be allowed: %v", from, err)
		}
	}
}

func TestTrade_JSON_MetadataVariantFollowsSource(t *testing.T) {
	tr := NewTrade("broker-abc", "SPY", StrategyBullPutSpread, 450, 445, testExpiration(), 1.50, 1)
	tr.Source = SourceBroker
	tr.Metadata = BrokerMeta(BrokerMetadata{
		EntryOrderID:   "abc",
		ExitOrderID:    "def",
		EntryFillPrice: -1.50,
		ExitFillPrice:  0.50,
	})

	raw, err := json.Marshal(tr)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(raw), `"metadata":{"entry_order_id":"abc"`) {
		t.Errorf("metadata should be flat on the wire: %s", raw)
	}

	var back Trade
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Metadata.Broker == nil || back.Metadata.User != nil {
		t.Fatalf("expected broker metadata variant, got %+v", back.Metadata)
	}
	if back.Metadata.Broker.ExitOrderID != "def" {
		t.Errorf("ExitOrderID = %q, want def", back.Metadata.Broker.ExitOrderID)
	}
}

func TestTrade_JSON_RederivesWidth(t *testing.T) {
	raw := `{"id":"t1","ticker":"SPY","strategy_type":"bull_put_spread","short_strike":450,
		"long_strike":445,"spread_width":99,"credit":1.5,"contracts":1,"status":"open",
		"source":"user","metadata":{"entry_price":500,"dte":30}}`

	var tr Trade
	if err := json.Unmarshal([]byte(raw), &tr); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if tr.SpreadWidth != 5 {
		t.Errorf("SpreadWidth = %v, want 5", tr.SpreadWidth)
	}
	if tr.EntryUnderlyingPrice() != 500 || tr.DTEAtEntry() != 30 {
		t.Errorf("user metadata not decoded: %+v", tr.Metadata.User)
	}
}

func TestTrade_Clone_IsDeep(t *testing.T) {
	tr := NewTrade("t1", "SPY", StrategyBullPutSpread, 450, 445, testExpiration(), 1.50, 1)
	tr.Metadata = UserMeta(UserMetadata{EntryPrice: 500})
	if err := tr.Close(StatusClosedManual, ExitManual, 12, time.Now()); err != nil {
		t.Fatal(err)
	}

	c := tr.Clone()
	*c.RealizedPnL = 999
	c.Metadata.User.EntryPrice = 1

	if *tr.RealizedPnL != 12 {
		t.Error("clone shares RealizedPnL pointer")
	}
	if tr.Metadata.User.EntryPrice != 500 {
		t.Error("clone shares metadata pointer")
	}
}
