package marketdata

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"quote-runtime/internal/broker"
)

// Generic tick ids requested by the field-group builders.
const (
	TickOptionVolume            = 100
	TickOptionOpenInterest      = 101
	TickHistoricalVolatility    = 104
	TickOptionImpliedVolatility = 106
	TickPriceRange              = 165
	TickRealTimeVolume          = 233
	TickShortable               = 236
	TickFundamentalRatios       = 258
	TickNews                    = 292
	TickTradeCount              = 293
	TickTradeRate               = 294
	TickVolumeRate              = 295
	TickFuturesOpenInterest     = 588
)

// Tick names with a structured decoding.
const (
	NameLastTimestamp     = "LAST_TIMESTAMP"
	NameRealTimeVolume    = "RT_VOLUME"
	NameFundamentalRatios = "FUNDAMENTAL_RATIOS"
	NameNewsTick          = "NEWS_TICK"
)

var (
	ErrMissingTickName  = errors.New("tick key not found")
	ErrMissingTickValue = errors.New("no tick data value found")
)

// DecodeError reports a tick that could not be decoded.
type DecodeError struct {
	Name  string
	Value string
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Name == "" {
		return "decode tick: " + e.Err.Error()
	}
	return fmt.Sprintf("decode tick %s=%q: %v", e.Name, e.Value, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// RTVolume is a decoded RT_VOLUME tick: one trade print.
type RTVolume struct {
	Price       float64   `json:"price"`
	Size        int64     `json:"size"`
	Time        time.Time `json:"time"`
	Volume      int64     `json:"volume"`
	VWAP        float64   `json:"vwap"`
	MarketMaker bool      `json:"marketMaker"`
}

// NewsTick is a decoded NEWS_TICK headline.
type NewsTick struct {
	ID     string    `json:"id"`
	Time   time.Time `json:"time"`
	Source string    `json:"source"`
	Text   string    `json:"text"`
}

// ParseTick decodes a raw tick into its field key and typed value.
// The key is the tick name in lowerCamelCase (RT_VOLUME → rtVolume).
func ParseTick(t broker.Tick) (string, any, error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", nil, &DecodeError{Value: t.Value, Err: ErrMissingTickName}
	}
	if t.Value == "" {
		return "", nil, &DecodeError{Name: t.Name, Err: ErrMissingTickValue}
	}

	var (
		value any = t.Value
		err   error
	)
	switch t.Name {
	case NameLastTimestamp:
		value, err = parseUnixSeconds(t.Value)
	case NameRealTimeVolume:
		value, err = parseRTVolume(t.Value)
	case NameFundamentalRatios:
		value = parseRatios(t.Value)
	case NameNewsTick:
		value, err = parseNews(t.Value)
	}
	if err != nil {
		return "", nil, &DecodeError{Name: t.Name, Value: t.Value, Err: err}
	}
	return lowerCamel(t.Name), value, nil
}

func parseUnixSeconds(s string) (time.Time, error) {
	sec, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0), nil
}

// parseRTVolume decodes "price;size;timeMs;volume;vwap;singleMM".
// Empty numeric fields decode as zero (volume-only prints omit price/size).
func parseRTVolume(s string) (RTVolume, error) {
	parts := strings.Split(s, ";")
	for len(parts) < 6 {
		parts = append(parts, "")
	}

	var (
		v   RTVolume
		err error
		ms  int64
	)
	if v.Price, err = floatField(parts[0]); err != nil {
		return RTVolume{}, fmt.Errorf("price: %w", err)
	}
	if v.Size, err = intField(parts[1]); err != nil {
		return RTVolume{}, fmt.Errorf("size: %w", err)
	}
	if ms, err = intField(parts[2]); err != nil {
		return RTVolume{}, fmt.Errorf("time: %w", err)
	}
	v.Time = time.UnixMilli(ms)
	if v.Volume, err = intField(parts[3]); err != nil {
		return RTVolume{}, fmt.Errorf("volume: %w", err)
	}
	if v.VWAP, err = floatField(parts[4]); err != nil {
		return RTVolume{}, fmt.Errorf("vwap: %w", err)
	}
	v.MarketMaker = flag(parts[5])
	return v, nil
}

// parseRatios decodes "KEY=value;KEY=value". Unparseable values become NaN,
// entries with an empty key are skipped.
func parseRatios(s string) map[string]float64 {
	ratios := make(map[string]float64)
	for _, pair := range strings.Split(s, ";") {
		key, raw, _ := strings.Cut(pair, "=")
		if strings.TrimSpace(key) == "" {
			continue
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			f = math.NaN()
		}
		ratios[key] = f
	}
	return ratios
}

// parseNews decodes "id timeMs source text...".
func parseNews(s string) (NewsTick, error) {
	parts := strings.Split(s, " ")
	for len(parts) < 3 {
		parts = append(parts, "")
	}
	ms, err := intField(parts[1])
	if err != nil {
		return NewsTick{}, fmt.Errorf("time: %w", err)
	}
	return NewsTick{
		ID:     parts[0],
		Time:   time.UnixMilli(ms),
		Source: parts[2],
		Text:   strings.Join(parts[3:], " "),
	}, nil
}

func floatField(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}

func intField(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

func flag(s string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	return err == nil && b
}

// lowerCamel converts SNAKE_CASE tick names to lowerCamelCase.
func lowerCamel(name string) string {
	var sb strings.Builder
	sb.Grow(len(name))
	upper := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r == '_' || r == '-' || r == ' ':
			upper = sb.Len() > 0
		case upper:
			sb.WriteString(strings.ToUpper(string(r)))
			upper = false
		default:
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
