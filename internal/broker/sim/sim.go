// Package sim is an in-process broker.Service that random-walks prices for
// whatever symbol is asked of it. It backs offline runs and cmd/tickserver.
package sim

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"quote-runtime/internal/broker"
)

// ErrAlreadySent is returned by Request.Send on the second call.
var ErrAlreadySent = errors.New("sim: request already sent")

// Config holds simulation parameters.
type Config struct {
	// Interval between streamed frames. Defaults to 250ms.
	Interval time.Duration

	// Seed for the random walk. Zero seeds from the clock.
	Seed int64

	// Prices holds starting prices by symbol. Unknown symbols start
	// somewhere between 50 and 500.
	Prices map[string]float64

	// NewsRate is the probability a streamed frame carries a headline
	// for requests that asked for news. Defaults to 0.05.
	NewsRate float64
}

func (c *Config) defaults() {
	if c.Interval <= 0 {
		c.Interval = 250 * time.Millisecond
	}
	if c.Seed == 0 {
		c.Seed = time.Now().UnixNano()
	}
	if c.NewsRate == 0 {
		c.NewsRate = 0.05
	}
}

// instrument holds per-symbol simulation state.
type instrument struct {
	conID  int64
	open   float64
	price  float64
	high   float64
	low    float64
	volume int64
	notion float64
	trades int64
	news   int64
}

// Service simulates a broker. It is safe for concurrent use.
type Service struct {
	cfg Config
	now func() time.Time

	mu          sync.Mutex
	rng         *rand.Rand
	instruments map[string]*instrument
	nextConID   int64
}

// New creates a simulated broker.
func New(cfg Config) *Service {
	cfg.defaults()
	return &Service{
		cfg:         cfg,
		now:         time.Now,
		rng:         rand.New(rand.NewSource(cfg.Seed)),
		instruments: make(map[string]*instrument),
		nextConID:   100000,
	}
}

// ResolveSymbol parses description; every well-formed description resolves.
func (s *Service) ResolveSymbol(ctx context.Context, description string) (broker.Contract, error) {
	if err := ctx.Err(); err != nil {
		return broker.Contract{}, err
	}
	c, err := broker.ParseDescription(description)
	if err != nil {
		return broker.Contract{}, fmt.Errorf("%w: %v", broker.ErrContractNotFound, err)
	}
	s.mu.Lock()
	c.ConID = s.instrumentLocked(c.Symbol).conID
	s.mu.Unlock()
	return c, nil
}

// MarketData prepares a simulated subscription.
func (s *Service) MarketData(c broker.Contract, genericTicks string, snapshot, _ bool, h broker.Handler) broker.Request {
	return &request{
		svc:      s,
		contract: c,
		ids:      parseIDs(genericTicks),
		snapshot: snapshot,
		h:        h,
		stop:     make(chan struct{}),
	}
}

// Price returns the current simulated price for symbol.
func (s *Service) Price(symbol string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.instrumentLocked(strings.ToUpper(symbol)).price
}

func (s *Service) instrumentLocked(symbol string) *instrument {
	if in, ok := s.instruments[symbol]; ok {
		return in
	}
	price, ok := s.cfg.Prices[symbol]
	if !ok || price <= 0 {
		price = 50 + s.rng.Float64()*450
	}
	price = round2(price)
	s.nextConID++
	in := &instrument{conID: s.nextConID, open: price, price: price, high: price, low: price}
	s.instruments[symbol] = in
	return in
}

// frame produces one pass of ticks for symbol. walk advances the price and
// prints a trade first; the initial pass reports state unchanged.
func (s *Service) frame(symbol string, ids map[int]bool, walk bool) []broker.Tick {
	s.mu.Lock()
	defer s.mu.Unlock()

	in := s.instrumentLocked(symbol)
	now := s.now()
	size := int64(1 + s.rng.Intn(5)*100)
	if walk {
		in.price = walkPrice(s.rng, in.price)
		in.high = max(in.high, in.price)
		in.low = min(in.low, in.price)
		in.volume += size
		in.notion += in.price * float64(size)
		in.trades++
	}
	spread := max(0.01, round2(in.price*0.0002))

	ticks := []broker.Tick{
		{Name: "BID", Value: price(in.price - spread)},
		{Name: "ASK", Value: price(in.price + spread)},
		{Name: "LAST", Value: price(in.price)},
		{Name: "BID_SIZE", Value: strconv.Itoa(1 + s.rng.Intn(20))},
		{Name: "ASK_SIZE", Value: strconv.Itoa(1 + s.rng.Intn(20))},
		{Name: "LAST_SIZE", Value: strconv.FormatInt(size, 10)},
		{Name: "VOLUME", Value: strconv.FormatInt(in.volume, 10)},
		{Name: "HIGH", Value: price(in.high)},
		{Name: "LOW", Value: price(in.low)},
		{Name: "OPEN", Value: price(in.open)},
		{Name: "LAST_TIMESTAMP", Value: strconv.FormatInt(now.Unix(), 10)},
	}
	if !walk {
		ticks = append(ticks, broker.Tick{Name: "CLOSE", Value: price(in.open)})
	}

	if ids[233] && (walk || in.volume > 0) {
		vwap := in.price
		if in.volume > 0 {
			vwap = in.notion / float64(in.volume)
		}
		ticks = append(ticks, broker.Tick{
			Name:  "RT_VOLUME",
			Value: fmt.Sprintf("%s;%d;%d;%d;%.4f;false", price(in.price), size, now.UnixMilli(), in.volume, vwap),
		})
	}
	if ids[293] {
		ticks = append(ticks, broker.Tick{Name: "TRADE_COUNT", Value: strconv.FormatInt(in.trades, 10)})
	}
	if ids[294] {
		ticks = append(ticks, broker.Tick{Name: "TRADE_RATE", Value: strconv.Itoa(s.rng.Intn(60))})
	}
	if ids[295] {
		ticks = append(ticks, broker.Tick{Name: "VOLUME_RATE", Value: strconv.Itoa(s.rng.Intn(6000))})
	}
	if ids[165] && !walk {
		ticks = append(ticks,
			broker.Tick{Name: "LOW_13_WEEK", Value: price(in.open * 0.85)},
			broker.Tick{Name: "HIGH_13_WEEK", Value: price(in.open * 1.12)},
			broker.Tick{Name: "LOW_52_WEEK", Value: price(in.open * 0.7)},
			broker.Tick{Name: "HIGH_52_WEEK", Value: price(in.open * 1.3)},
		)
	}
	if ids[104] {
		ticks = append(ticks, broker.Tick{Name: "OPTION_HISTORICAL_VOL", Value: ratio(0.15 + s.rng.Float64()*0.2)})
	}
	if ids[106] {
		ticks = append(ticks, broker.Tick{Name: "OPTION_IMPLIED_VOL", Value: ratio(0.18 + s.rng.Float64()*0.25)})
	}
	if ids[100] {
		ticks = append(ticks,
			broker.Tick{Name: "OPTION_CALL_VOLUME", Value: strconv.Itoa(s.rng.Intn(50000))},
			broker.Tick{Name: "OPTION_PUT_VOLUME", Value: strconv.Itoa(s.rng.Intn(50000))},
		)
	}
	if ids[101] {
		ticks = append(ticks,
			broker.Tick{Name: "OPTION_CALL_OPEN_INTEREST", Value: strconv.Itoa(s.rng.Intn(900000))},
			broker.Tick{Name: "OPTION_PUT_OPEN_INTEREST", Value: strconv.Itoa(s.rng.Intn(900000))},
		)
	}
	if ids[588] {
		ticks = append(ticks, broker.Tick{Name: "FUTURES_OPEN_INTEREST", Value: strconv.Itoa(s.rng.Intn(3000000))})
	}
	if ids[236] && !walk {
		ticks = append(ticks, broker.Tick{Name: "SHORTABLE", Value: "3.0"})
	}
	if ids[258] && !walk {
		ticks = append(ticks, broker.Tick{
			Name:  "FUNDAMENTAL_RATIOS",
			Value: fmt.Sprintf("PEEXCL=%s;MKTCAP=%s;BETA=%s", ratio(10+s.rng.Float64()*30), price(in.open*1e7), ratio(0.5+s.rng.Float64())),
		})
	}
	if ids[292] && walk && s.rng.Float64() < s.cfg.NewsRate {
		in.news++
		ticks = append(ticks, broker.Tick{
			Name:  "NEWS_TICK",
			Value: fmt.Sprintf("SIM$%s%d %d SIM %s trades at %s", symbol, in.news, now.UnixMilli(), symbol, price(in.price)),
		})
	}
	return ticks
}

// walkPrice applies a small random walk (within ±0.1%).
func walkPrice(rng *rand.Rand, p float64) float64 {
	pct := (rng.Float64()*0.2 - 0.1) / 100.0
	next := round2(p * (1 + pct))
	if next < 0.01 {
		next = 0.01
	}
	return next
}

func round2(f float64) float64 {
	return float64(int64(f*100+0.5)) / 100
}

func price(f float64) string { return strconv.FormatFloat(f, 'f', 2, 64) }
func ratio(f float64) string { return strconv.FormatFloat(f, 'f', 4, 64) }

func parseIDs(genericTicks string) map[int]bool {
	ids := make(map[int]bool)
	for _, part := range strings.Split(genericTicks, ",") {
		if n, err := strconv.Atoi(strings.TrimSpace(part)); err == nil {
			ids[n] = true
		}
	}
	return ids
}

type request struct {
	svc      *Service
	contract broker.Contract
	ids      map[int]bool
	snapshot bool
	h        broker.Handler

	mu       sync.Mutex
	sent     bool
	stop     chan struct{}
	stopOnce sync.Once
}

func (r *request) Send() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sent {
		return ErrAlreadySent
	}
	r.sent = true
	go r.run()
	return nil
}

func (r *request) Cancel() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *request) stopped() bool {
	select {
	case <-r.stop:
		return true
	default:
		return false
	}
}

func (r *request) deliver(ticks []broker.Tick) bool {
	for _, t := range ticks {
		if r.stopped() {
			return false
		}
		if r.h.Data != nil {
			r.h.Data(t)
		}
	}
	return true
}

func (r *request) run() {
	symbol := strings.ToUpper(r.contract.Symbol)
	if !r.deliver(r.svc.frame(symbol, r.ids, false)) {
		return
	}
	if r.h.End != nil && !r.stopped() {
		r.h.End()
	}
	if r.snapshot {
		return
	}

	ticker := time.NewTicker(r.svc.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			if !r.deliver(r.svc.frame(symbol, r.ids, true)) {
				return
			}
		}
	}
}
