package detector

import (
	"math"
	"testing"
	"time"

	"ictbot/internal/model"
)

var t0 = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

// series builds consecutive closed 1m candles from {open, high, low, close}.
func series(bars ...[4]float64) []model.Candle {
	out := make([]model.Candle, len(bars))
	for i, b := range bars {
		open := t0.Add(time.Duration(i) * time.Minute)
		out[i] = model.Candle{
			Symbol:    "BTCUSDT",
			Timeframe: "1m",
			Open:      b[0],
			High:      b[1],
			Low:       b[2],
			Close:     b[3],
			Volume:    1,
			OpenTime:  open,
			CloseTime: open.Add(time.Minute - time.Millisecond),
			Closed:    true,
		}
	}
	return out
}

// obScenario is 20 quiet bullish bars of range 2.2, a bearish candle at
// [118,121] and a bullish displacement of range 6.
func obScenario() []model.Candle {
	var bars [][4]float64
	for i := 0; i < 20; i++ {
		bars = append(bars, [4]float64{119.5, 121.1, 118.9, 120.5})
	}
	bars = append(bars, [4]float64{120.5, 121, 118, 118.5})
	bars = append(bars, [4]float64{118.5, 124.2, 118.2, 124})
	return series(bars...)
}

func TestDetectEqualLevels_EqualHighs(t *testing.T) {
	candles := series(
		[4]float64{99.5, 100, 99, 99.8},
		[4]float64{100, 105, 99, 104},
		[4]float64{99.5, 100, 99, 99.8},
		[4]float64{100, 104.9, 99, 104},
		[4]float64{99.5, 100, 99, 99.8},
	)
	p := DefaultParams()
	p.TolerancePercent = 0.1
	p.MinTouches = 2

	levels := DetectEqualLevels(candles, p)
	if len(levels) != 1 {
		t.Fatalf("expected exactly 1 level, got %d: %+v", len(levels), levels)
	}
	l := levels[0]
	if l.Kind != model.BuySide {
		t.Errorf("expected BSL, got %s", l.Kind)
	}
	if math.Abs(l.Price-104.95) > 1e-9 {
		t.Errorf("expected price 104.95, got %.6f", l.Price)
	}
	if l.Strength != 2 {
		t.Errorf("expected strength 2, got %d", l.Strength)
	}
	if l.TriggerIndex != 4 {
		t.Errorf("expected trigger at confirmation bar 4, got %d", l.TriggerIndex)
	}
}

func TestDetectEqualLevels_OutsideTolerance(t *testing.T) {
	candles := series(
		[4]float64{99.5, 100, 99, 99.8},
		[4]float64{100, 105, 99, 104},
		[4]float64{99.5, 100, 99, 99.8},
		[4]float64{100, 104, 99, 103},
		[4]float64{99.5, 100, 99, 99.8},
	)
	if levels := DetectEqualLevels(candles, DefaultParams()); len(levels) != 0 {
		t.Fatalf("expected no level for 1%% apart highs, got %+v", levels)
	}
}

func TestDetectFVGs_Bullish(t *testing.T) {
	candles := series(
		[4]float64{101, 102, 100, 101.5},
		[4]float64{102, 110, 101, 109},
		[4]float64{109, 112, 108, 111},
	)
	gaps := DetectFVGs(candles, DefaultParams())
	if len(gaps) != 1 {
		t.Fatalf("expected 1 FVG, got %d", len(gaps))
	}
	g := gaps[0]
	if g.Direction != model.Bullish || g.GapLow != 102 || g.GapHigh != 108 {
		t.Fatalf("unexpected gap %+v", g)
	}
	if g.GapSize != 6 || g.Index != 1 || g.TriggerIndex != 2 {
		t.Fatalf("unexpected size/index %+v", g)
	}
	if !g.Valid() {
		t.Fatal("gap should satisfy gap_high > gap_low")
	}
}

func TestDetectFVGs_BelowMinimumGap(t *testing.T) {
	candles := series(
		[4]float64{101, 102, 100, 101.5},
		[4]float64{102, 110, 101, 109},
		[4]float64{109, 112, 108, 111},
	)
	p := DefaultParams()
	p.FVGMinGapPercent = 6 // 6/109 is ~5.5%
	if gaps := DetectFVGs(candles, p); len(gaps) != 0 {
		t.Fatalf("expected gap to be filtered, got %+v", gaps)
	}
}

func TestDetectFVGs_Bearish(t *testing.T) {
	candles := series(
		[4]float64{111, 112, 108, 109},
		[4]float64{109, 109, 101, 102},
		[4]float64{102, 103, 100, 101},
	)
	gaps := DetectFVGs(candles, DefaultParams())
	if len(gaps) != 1 || gaps[0].Direction != model.Bearish {
		t.Fatalf("expected 1 bearish FVG, got %+v", gaps)
	}
	if gaps[0].GapLow != 103 || gaps[0].GapHigh != 108 {
		t.Fatalf("unexpected bounds %+v", gaps[0])
	}
}

func TestDetectOrderBlocks_Scenario(t *testing.T) {
	blocks := DetectOrderBlocks(obScenario(), DefaultParams())
	if len(blocks) != 1 {
		t.Fatalf("expected exactly 1 order block, got %d: %+v", len(blocks), blocks)
	}
	ob := blocks[0]
	if ob.Direction != model.Bullish {
		t.Errorf("expected bullish, got %s", ob.Direction)
	}
	if ob.Low != 118 || ob.High != 121 {
		t.Errorf("expected zone [118,121], got [%v,%v]", ob.Low, ob.High)
	}
	if ob.Index != 20 || ob.TriggerIndex != 21 {
		t.Errorf("expected origin 20 trigger 21, got %d/%d", ob.Index, ob.TriggerIndex)
	}
	if ob.Strength < 1.5 || ob.Status != model.StatusActive {
		t.Errorf("unexpected strength/status %+v", ob)
	}
}

func TestDetectOrderBlocks_ShortWindow(t *testing.T) {
	candles := obScenario()[:20]
	if blocks := DetectOrderBlocks(candles, DefaultParams()); len(blocks) != 0 {
		t.Fatalf("expected no blocks before warm-up, got %d", len(blocks))
	}
}

func TestDetectDisplacements(t *testing.T) {
	ds := DetectDisplacements(obScenario(), DefaultParams())
	if len(ds) != 1 {
		t.Fatalf("expected 1 displacement, got %d", len(ds))
	}
	if ds[0].Index != 21 || ds[0].Direction != model.Bullish || ds[0].Ratio < 1.5 {
		t.Fatalf("unexpected displacement %+v", ds[0])
	}
}

func TestDetectSwings_EarliestWinsTies(t *testing.T) {
	candles := series(
		[4]float64{1, 1, 0.5, 1},
		[4]float64{1, 3, 0.6, 2},
		[4]float64{2, 3, 0.7, 2},
		[4]float64{2, 2, 0.8, 1},
	)
	swings := DetectSwings(candles, 1, 1)
	var highs []int
	for _, s := range swings {
		if s.Kind == model.SwingHigh {
			highs = append(highs, s.Index)
		}
	}
	if len(highs) != 1 || highs[0] != 1 {
		t.Fatalf("expected a single swing high at 1, got %v", highs)
	}
}

func TestStructureTracker_BOSThenCHoCH(t *testing.T) {
	tr := NewStructureTracker("BTCUSDT", "1m")
	feed := []struct {
		sp   model.SwingPoint
		want model.BreakKind
		dir  model.Direction
	}{
		{model.SwingPoint{Index: 1, Price: 10, Kind: model.SwingHigh}, "", ""},
		{model.SwingPoint{Index: 3, Price: 5, Kind: model.SwingLow}, "", ""},
		{model.SwingPoint{Index: 5, Price: 12, Kind: model.SwingHigh}, model.BOS, model.Bullish},
		{model.SwingPoint{Index: 7, Price: 7, Kind: model.SwingLow}, "", ""},
		{model.SwingPoint{Index: 9, Price: 11, Kind: model.SwingHigh}, "", ""},
		{model.SwingPoint{Index: 11, Price: 4, Kind: model.SwingLow}, model.CHoCH, model.Bearish},
		{model.SwingPoint{Index: 13, Price: 3, Kind: model.SwingLow}, model.BOS, model.Bearish},
	}
	lastIdx := -1
	for _, f := range feed {
		b := tr.Observe(f.sp)
		if f.want == "" {
			if b != nil {
				t.Fatalf("swing %d: unexpected break %+v", f.sp.Index, b)
			}
			continue
		}
		if b == nil || b.Kind != f.want || b.Direction != f.dir {
			t.Fatalf("swing %d: expected %s %s, got %+v", f.sp.Index, f.want, f.dir, b)
		}
		if b.Index <= lastIdx {
			t.Fatalf("break indexes must increase: %d after %d", b.Index, lastIdx)
		}
		lastIdx = b.Index
	}
	ms, ok := tr.Structure()
	if !ok || ms.Trend != model.TrendBearish {
		t.Fatalf("expected bearish structure, got %+v ok=%v", ms, ok)
	}
	if ms.LastSwingHigh != 11 || ms.LastSwingLow != 3 || ms.PrevSwingLow != 4 {
		t.Fatalf("unexpected swings %+v", ms)
	}
	if !ms.Valid() {
		t.Fatal("structure should satisfy high > low")
	}
}

func TestStructureTracker_CHoCHNeedsOpposingSwing(t *testing.T) {
	tr := NewStructureTracker("BTCUSDT", "1m")
	tr.Observe(model.SwingPoint{Index: 1, Price: 10, Kind: model.SwingHigh})
	tr.Observe(model.SwingPoint{Index: 2, Price: 5, Kind: model.SwingLow})
	if b := tr.Observe(model.SwingPoint{Index: 3, Price: 12, Kind: model.SwingHigh}); b == nil || b.Kind != model.BOS {
		t.Fatalf("expected BOS, got %+v", b)
	}
	tr.Observe(model.SwingPoint{Index: 4, Price: 6, Kind: model.SwingLow})
	if b := tr.Observe(model.SwingPoint{Index: 5, Price: 4, Kind: model.SwingLow}); b != nil {
		t.Fatalf("lower low without an opposing high between should not break, got %+v", b)
	}
	if tr.Trend() != model.TrendBullish {
		t.Fatalf("trend should stay bullish, got %s", tr.Trend())
	}
}

func TestDetectInducements_FakeBreakUp(t *testing.T) {
	candles := series(
		[4]float64{10, 10, 9, 9.5},
		[4]float64{9.5, 11, 9.2, 10},
		[4]float64{10, 10.5, 9.4, 10.2},
		[4]float64{10.2, 12, 10, 11.5},
		[4]float64{11.5, 11.6, 10.5, 10.8},
	)
	ind := DetectInducements(candles, 3)
	if len(ind) != 1 {
		t.Fatalf("expected 1 inducement, got %+v", ind)
	}
	if ind[0].Direction != model.Bearish || ind[0].Level != 11 || ind[0].Index != 3 || ind[0].ConfirmIndex != 4 {
		t.Fatalf("unexpected inducement %+v", ind[0])
	}
}

func TestDetectMitigations(t *testing.T) {
	zone := model.OrderBlock{ID: "ob", Direction: model.Bullish, Low: 118, High: 121}
	candles := series(
		[4]float64{124, 125, 122, 124.5},
		[4]float64{124, 124.5, 119, 123},
		[4]float64{123, 124, 120, 123.5},
	)
	ms := DetectMitigations(candles, []model.Zone{zone}, 0)
	if len(ms) != 1 {
		t.Fatalf("expected 1 mitigation, got %d", len(ms))
	}
	m := ms[0]
	if m.Index != 1 || math.Abs(m.Depth-2.0/3.0) > 1e-9 || m.Status != model.StatusMitigated {
		t.Fatalf("unexpected mitigation %+v", m)
	}
}

func TestDetectors_EmptyOnShortInput(t *testing.T) {
	p := DefaultParams()
	short := series([4]float64{1, 2, 0.5, 1.5}, [4]float64{1.5, 2, 1, 1.8})
	if len(DetectFVGs(short, p)) != 0 {
		t.Error("FVG on 2 candles")
	}
	if len(DetectSwings(short, 2, 2)) != 0 {
		t.Error("swings on 2 candles")
	}
	if len(DetectEqualLevels(short, p)) != 0 {
		t.Error("levels on 2 candles")
	}
	if len(DetectInducements(short, p.InducementLookback)) != 0 {
		t.Error("inducements on 2 candles")
	}
	if len(DetectStructure(nil, 2, 2)) != 0 {
		t.Error("structure on nil")
	}
	if len(DetectMitigations(nil, nil, 0)) != 0 {
		t.Error("mitigations on nil")
	}
}

func TestDetectors_DoNotMutateInput(t *testing.T) {
	candles := obScenario()
	before := make([]model.Candle, len(candles))
	copy(before, candles)
	p := DefaultParams()
	DetectOrderBlocks(candles, p)
	DetectFVGs(candles, p)
	DetectEqualLevels(candles, p)
	DetectStructure(candles, p.SwingLeft, p.SwingRight)
	for i := range candles {
		if candles[i] != before[i] {
			t.Fatalf("candle %d mutated", i)
		}
	}
}

func TestParams_Validate(t *testing.T) {
	if err := DefaultParams().Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	p := DefaultParams()
	p.MinTouches = 1
	if err := p.Validate(); err == nil {
		t.Fatal("expected error for min_touches=1")
	}
	p = DefaultParams()
	p.DisplacementRatio = 0
	if err := p.Validate(); err == nil {
		t.Fatal("expected error for zero displacement ratio")
	}
}
