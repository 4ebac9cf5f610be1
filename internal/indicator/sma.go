package indicator

// SMA calculates Simple Moving Average over a rolling window.
// Uses a preallocated circular buffer.
type SMA struct {
	period  int
	buf     []float64
	idx     int
	count   int
	sum     float64
	current float64
}

// NewSMA creates a new SMA indicator with the given period.
func NewSMA(period int) *SMA {
	return &SMA{
		period: period,
		buf:    make([]float64, period),
	}
}

func (s *SMA) Name() string { return "SMA" }

func (s *SMA) Update(x float64) {
	if s.count >= s.period {
		s.sum -= s.buf[s.idx]
	}

	s.buf[s.idx] = x
	s.sum += x
	s.idx = (s.idx + 1) % s.period
	s.count++

	if s.count >= s.period {
		s.current = s.sum / float64(s.period)
	}
}

func (s *SMA) Value() float64 { return s.current }
func (s *SMA) Ready() bool    { return s.count >= s.period }

// Peek computes the average with x appended, replacing the oldest sample once
// the window is full.
func (s *SMA) Peek(x float64) float64 {
	if s.count < s.period {
		return (s.sum + x) / float64(s.count+1)
	}
	return (s.sum - s.buf[s.idx] + x) / float64(s.period)
}

// Reset clears the SMA state for reuse.
func (s *SMA) Reset() {
	s.idx, s.count = 0, 0
	s.sum, s.current = 0, 0
	clear(s.buf)
}
