package indicator

import (
	"math"
	"testing"
)

func assertClose(t *testing.T, label string, got, want, tol float64) {
	t.Helper()
	if math.Abs(got-want) > tol {
		t.Errorf("%s: got %.6f, want %.6f (tol=%.6f)", label, got, want, tol)
	}
}

func TestSMA_Correctness(t *testing.T) {
	// SMA(3) over 100, 102, 104, 103, 105:
	// (100+102+104)/3 = 102, (102+104+103)/3 = 103, (104+103+105)/3 = 104
	sma := NewSMA(3)
	prices := []float64{100, 102, 104, 103, 105}
	expected := []float64{0, 0, 102, 103, 104}

	for i, p := range prices {
		sma.Update(p)
		if sma.Ready() != (i >= 2) {
			t.Errorf("sample %d: Ready()=%v", i, sma.Ready())
		}
		assertClose(t, "SMA(3)", sma.Value(), expected[i], 1e-9)
	}
}

func TestSMA_Peek(t *testing.T) {
	sma := NewSMA(3)
	for _, p := range []float64{100, 102, 104} {
		sma.Update(p)
	}
	// (102+104+106)/3 = 104
	assertClose(t, "SMA Peek", sma.Peek(106), 104, 1e-9)
	assertClose(t, "SMA after Peek", sma.Value(), 102, 1e-9)

	sma.Reset()
	if sma.Ready() || sma.Value() != 0 {
		t.Fatal("expected reset state")
	}
}

func TestEMA_Correctness(t *testing.T) {
	// EMA(3): multiplier 0.5, seed SMA of first 3 = 102
	// 103*0.5 + 102*0.5 = 102.5; 105*0.5 + 102.5*0.5 = 103.75
	ema := NewEMA(3)
	prices := []float64{100, 102, 104, 103, 105}
	expected := []float64{0, 0, 102, 102.5, 103.75}

	for i, p := range prices {
		ema.Update(p)
		assertClose(t, "EMA(3)", ema.Value(), expected[i], 1e-9)
	}
	assertClose(t, "EMA Peek", ema.Peek(107), 105.375, 1e-9)
	assertClose(t, "EMA after Peek", ema.Value(), 103.75, 1e-9)
}

func TestSMMA_Correctness(t *testing.T) {
	// SMMA(3): seed 102, then (102*2+103)/3 = 102.3333
	smma := NewSMMA(3)
	for _, p := range []float64{100, 102, 104, 103} {
		smma.Update(p)
	}
	assertClose(t, "SMMA(3)", smma.Value(), 307.0/3.0, 1e-9)
}

func TestRSI(t *testing.T) {
	up := NewRSI(5)
	down := NewRSI(5)
	for i := 0; i < 10; i++ {
		up.Update(float64(100 + i))
		down.Update(float64(100 - i))
	}
	assertClose(t, "RSI all up", up.Value(), 100, 1e-9)
	assertClose(t, "RSI all down", down.Value(), 0, 1e-9)

	mixed := NewRSI(2)
	// deltas +2, -1 → avgGain 1, avgLoss 0.5 → RS 2 → 66.6667
	for _, p := range []float64{10, 12, 11} {
		mixed.Update(p)
	}
	if !mixed.Ready() {
		t.Fatal("expected RSI(2) ready after 3 samples")
	}
	assertClose(t, "RSI(2)", mixed.Value(), 200.0/3.0, 1e-9)

	before := mixed.Value()
	if mixed.Peek(20) <= before {
		t.Error("Peek with a higher price should raise RSI")
	}
	assertClose(t, "RSI after Peek", mixed.Value(), before, 1e-9)
}

func TestNewAndSeries(t *testing.T) {
	if _, err := New("macd", 3); err == nil {
		t.Fatal("expected unknown kind error")
	}
	if _, err := New("sma", 0); err == nil {
		t.Fatal("expected period error")
	}

	out, err := Series("SMA", 2, []float64{1, 3, 5})
	if err != nil {
		t.Fatal(err)
	}
	want := []float64{0, 2, 4}
	for i := range want {
		assertClose(t, "Series", out[i], want[i], 1e-9)
	}

	if _, err := Last("ema", 5, []float64{1, 2}); err == nil {
		t.Fatal("expected not-ready error")
	}
	v, err := Last("ema", 2, []float64{1, 3, 5})
	if err != nil {
		t.Fatal(err)
	}
	// seed 2, then 5*(2/3) + 2*(1/3) = 4
	assertClose(t, "Last", v, 4, 1e-9)
}
