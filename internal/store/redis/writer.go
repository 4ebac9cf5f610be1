// Package redis mirrors live quote fields into Redis so that dashboards and
// other processes can read the latest values (HGETALL quote:<SYMBOL>) or
// follow them (SUBSCRIBE pub:quote:<SYMBOL>).
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

const (
	defaultQuoteTTL = 30 * time.Minute
	// Trade stream trimming: roughly an hour of busy prints.
	tradesMaxLen = 20000
)

// Config configures the Redis writer.
type Config struct {
	Addr     string // e.g. "localhost:6379"
	Password string
	DB       int
}

// Update is one mirrored field change.
type Update struct {
	Symbol string    `json:"symbol"`
	Key    string    `json:"key"`
	Value  any       `json:"value"`
	TS     time.Time `json:"ts"`
}

// Writer writes quote updates to Redis.
type Writer struct {
	client *goredis.Client
	ttl    time.Duration
}

// Client returns the underlying Redis client for health checks.
func (w *Writer) Client() *goredis.Client { return w.client }

// New creates a Writer and pings the server.
func New(cfg Config) (*Writer, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	slog.Info("connected to redis", "component", "redis", "addr", cfg.Addr)
	return &Writer{client: client, ttl: defaultQuoteTTL}, nil
}

func quoteKey(symbol string) string     { return "quote:" + symbol }
func tradesKey(symbol string) string    { return "trades:" + symbol }
func quoteChannel(symbol string) string { return "pub:quote:" + symbol }

// WriteUpdate pipelines HSET + EXPIRE + PUBLISH for one field, plus an XADD
// to the trade stream for trade prints.
func (w *Writer) WriteUpdate(ctx context.Context, u Update) error {
	value, err := json.Marshal(u.Value)
	if err != nil {
		return fmt.Errorf("encode %s.%s: %w", u.Symbol, u.Key, err)
	}
	event, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encode %s.%s: %w", u.Symbol, u.Key, err)
	}

	key := quoteKey(u.Symbol)
	pipe := w.client.Pipeline()
	pipe.HSet(ctx, key, u.Key, string(value), "updatedAt", u.TS.UnixMilli())
	pipe.Expire(ctx, key, w.ttl)
	if u.Key == "rtVolume" {
		pipe.XAdd(ctx, &goredis.XAddArgs{
			Stream: tradesKey(u.Symbol),
			MaxLen: tradesMaxLen,
			Approx: true,
			Values: map[string]interface{}{"data": string(value)},
		})
	}
	pipe.Publish(ctx, quoteChannel(u.Symbol), string(event))

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis mirror %s.%s: %w", u.Symbol, u.Key, err)
	}
	return nil
}

// Latest returns the mirrored fields of symbol, JSON-encoded as written.
func (w *Writer) Latest(ctx context.Context, symbol string) (map[string]string, error) {
	fields, err := w.client.HGetAll(ctx, quoteKey(symbol)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis HGETALL %s: %w", quoteKey(symbol), err)
	}
	return fields, nil
}

// Close closes the Redis client.
func (w *Writer) Close() error {
	return w.client.Close()
}
