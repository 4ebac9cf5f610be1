package indicator

// EMA calculates Exponential Moving Average, seeded with the SMA of the
// first period samples.
type EMA struct {
	period     int
	multiplier float64
	current    float64
	count      int
	sum        float64
}

// NewEMA creates a new EMA indicator with the given period.
func NewEMA(period int) *EMA {
	return &EMA{
		period:     period,
		multiplier: 2.0 / float64(period+1),
	}
}

func (e *EMA) Name() string { return "EMA" }

func (e *EMA) Update(x float64) {
	e.count++

	if e.count <= e.period {
		e.sum += x
		if e.count == e.period {
			e.current = e.sum / float64(e.period)
		}
		return
	}

	e.current = x*e.multiplier + e.current*(1-e.multiplier)
}

func (e *EMA) Value() float64 { return e.current }
func (e *EMA) Ready() bool    { return e.count >= e.period }

func (e *EMA) Peek(x float64) float64 {
	if e.count < e.period {
		return x
	}
	return x*e.multiplier + e.current*(1-e.multiplier)
}

// Reset clears the EMA state for reuse.
func (e *EMA) Reset() {
	e.current, e.sum = 0, 0
	e.count = 0
}
