package indicator

// RSI calculates the Relative Strength Index using Wilder's smoothing method.
// Update is O(1) per sample.
type RSI struct {
	period  int
	count   int
	prev    float64
	avgGain float64
	avgLoss float64
	current float64
}

// NewRSI creates a new RSI indicator with the given period (typically 14).
func NewRSI(period int) *RSI {
	return &RSI{period: period}
}

func (r *RSI) Name() string { return "RSI" }

func (r *RSI) Update(x float64) {
	r.count++

	if r.count == 1 {
		r.prev = x
		return
	}

	gain, loss := split(x - r.prev)
	r.prev = x

	if r.count <= r.period+1 {
		// accumulation phase: first value is seeded with simple averages
		r.avgGain += gain
		r.avgLoss += loss

		if r.count == r.period+1 {
			r.avgGain /= float64(r.period)
			r.avgLoss /= float64(r.period)
			r.current = rsi(r.avgGain, r.avgLoss)
		}
		return
	}

	p := float64(r.period)
	r.avgGain = (r.avgGain*(p-1) + gain) / p
	r.avgLoss = (r.avgLoss*(p-1) + loss) / p
	r.current = rsi(r.avgGain, r.avgLoss)
}

func (r *RSI) Value() float64 { return r.current }
func (r *RSI) Ready() bool    { return r.count > r.period }

func (r *RSI) Peek(x float64) float64 {
	if r.count <= r.period {
		return r.current
	}
	gain, loss := split(x - r.prev)
	p := float64(r.period)
	return rsi((r.avgGain*(p-1)+gain)/p, (r.avgLoss*(p-1)+loss)/p)
}

func split(delta float64) (gain, loss float64) {
	if delta > 0 {
		return delta, 0
	}
	return 0, -delta
}

func rsi(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100.0
	}
	rs := avgGain / avgLoss
	return 100.0 - (100.0 / (1.0 + rs))
}
