// Package indicator provides streaming technical indicators over float
// samples (prices, spreads, any numeric series a script produces).
//
// Indicators are fed one sample at a time and keep O(1) state, so a rule can
// hold one across re-runs, or Series can replay a whole array at once.
package indicator

import (
	"fmt"
	"strings"
)

// Indicator is the interface for all streaming indicators.
type Indicator interface {
	// Name returns the indicator kind (e.g. "SMA", "EMA").
	Name() string

	// Update feeds the next sample.
	Update(x float64)

	// Value returns the current value. Returns 0 until Ready.
	Value() float64

	// Ready returns true when enough samples have been seen.
	Ready() bool

	// Peek computes what Value() would be if x were fed next, without
	// mutating state.
	Peek(x float64) float64
}

// New creates an indicator by kind: sma, ema, smma or rsi.
func New(kind string, period int) (Indicator, error) {
	if period <= 0 {
		return nil, fmt.Errorf("indicator: period must be positive, got %d", period)
	}
	switch strings.ToLower(kind) {
	case "sma":
		return NewSMA(period), nil
	case "ema":
		return NewEMA(period), nil
	case "smma":
		return NewSMMA(period), nil
	case "rsi":
		return NewRSI(period), nil
	}
	return nil, fmt.Errorf("indicator: unknown kind %q", kind)
}

// Series feeds xs into a fresh indicator and returns the value after each
// sample; positions before the indicator is ready hold zero.
func Series(kind string, period int, xs []float64) ([]float64, error) {
	ind, err := New(kind, period)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(xs))
	for i, x := range xs {
		ind.Update(x)
		if ind.Ready() {
			out[i] = ind.Value()
		}
	}
	return out, nil
}

// Last returns the final value of Series, or an error if xs is too short for
// the indicator to become ready.
func Last(kind string, period int, xs []float64) (float64, error) {
	ind, err := New(kind, period)
	if err != nil {
		return 0, err
	}
	for _, x := range xs {
		ind.Update(x)
	}
	if !ind.Ready() {
		return 0, fmt.Errorf("indicator: %s(%d) needs more than %d samples", ind.Name(), period, len(xs))
	}
	return ind.Value(), nil
}
