package wsfeed

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"

	"quote-runtime/internal/broker"
	"quote-runtime/internal/broker/brokertest"
	"quote-runtime/internal/broker/sim"
	"quote-runtime/internal/marketdata"
)

func startServer(t *testing.T, svc broker.Service, cfg ServerConfig) (*Server, string) {
	t.Helper()
	feed := NewServer(svc, cfg)
	srv := httptest.NewServer(feed)
	t.Cleanup(func() {
		feed.Close()
		srv.Close()
	})
	return feed, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialTest(t *testing.T, cfg Config) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, cfg)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestResolveAndSnapshot(t *testing.T) {
	_, url := startServer(t, sim.New(sim.Config{Seed: 1, Prices: map[string]float64{"AAPL": 190}}), ServerConfig{})
	client := dialTest(t, Config{URL: url})
	ctx := context.Background()

	c, err := client.ResolveSymbol(ctx, "aapl stock")
	if err != nil {
		t.Fatalf("ResolveSymbol: %v", err)
	}
	if c.Symbol != "AAPL" || c.ConID == 0 {
		t.Errorf("contract = %+v", c)
	}

	if _, err := client.ResolveSymbol(ctx, "AAPL 1 2 3 nonsense"); !errors.Is(err, broker.ErrContractNotFound) {
		t.Errorf("bad description err = %v, want ErrContractNotFound", err)
	}

	snapCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	fields, err := marketdata.NewQuote(client, c).Ticks().SnapshotContext(snapCtx)
	if err != nil {
		t.Fatalf("SnapshotContext: %v", err)
	}
	if fields["last"] != "190.00" {
		t.Errorf("last = %v", fields["last"])
	}
	if _, ok := fields["rtVolume"]; ok {
		t.Error("snapshot before any trade carried rtVolume")
	}
}

func TestTOTPRequired(t *testing.T) {
	key, err := totp.Generate(totp.GenerateOpts{Issuer: "quote-runtime", AccountName: "feed"})
	if err != nil {
		t.Fatal(err)
	}
	_, url := startServer(t, brokertest.New("AAPL"), ServerConfig{TOTPSecret: key.Secret()})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if c, err := Dial(ctx, Config{URL: url}); err == nil {
		c.Close()
		t.Fatal("dial without code succeeded")
	}

	client := dialTest(t, Config{URL: url, TOTPSecret: key.Secret()})
	if _, err := client.ResolveSymbol(ctx, "AAPL"); err != nil {
		t.Fatalf("ResolveSymbol: %v", err)
	}
}

type collector struct {
	mu    sync.Mutex
	ticks []broker.Tick
	errs  []error
	ends  int
}

func (c *collector) handler() broker.Handler {
	return broker.Handler{
		Data: func(t broker.Tick) {
			c.mu.Lock()
			c.ticks = append(c.ticks, t)
			c.mu.Unlock()
		},
		Error: func(err error) {
			c.mu.Lock()
			c.errs = append(c.errs, err)
			c.mu.Unlock()
		},
		End: func() {
			c.mu.Lock()
			c.ends++
			c.mu.Unlock()
		},
	}
}

func (c *collector) snapshot() (ticks []broker.Tick, errs []error, ends int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]broker.Tick(nil), c.ticks...), append([]error(nil), c.errs...), c.ends
}

func TestStreamRelayAndCancel(t *testing.T) {
	svc := brokertest.New("AAPL")
	_, url := startServer(t, svc, ServerConfig{})
	client := dialTest(t, Config{URL: url})

	var got collector
	req := client.MarketData(svc.Contracts["AAPL"], "233", false, false, got.handler())
	if err := req.Send(); err != nil {
		t.Fatalf("Send: %v", err)
	}
	eventually(t, "upstream subscription", func() bool { return len(svc.Streams("AAPL")) == 1 })

	up := svc.Streams("AAPL")[0]
	if up.GenericTicks != "233" {
		t.Errorf("generic ticks = %q", up.GenericTicks)
	}
	up.Emit("LAST", "101.5")
	up.End()
	up.Fail(errors.New("pacing violation"))

	eventually(t, "relayed events", func() bool {
		ticks, errs, ends := got.snapshot()
		return len(ticks) == 1 && len(errs) == 1 && ends == 1
	})
	ticks, errs, _ := got.snapshot()
	if ticks[0] != (broker.Tick{Name: "LAST", Value: "101.5"}) {
		t.Errorf("tick = %+v", ticks[0])
	}
	var remote *RemoteError
	if !errors.As(errs[0], &remote) || remote.Message != "pacing violation" {
		t.Errorf("error = %v", errs[0])
	}

	req.Cancel()
	req.Cancel()
	eventually(t, "upstream cancel", func() bool { return up.Cancelled() == 1 })
}

func TestReconnectResubscribes(t *testing.T) {
	svc := brokertest.New("AAPL")
	feed, url := startServer(t, svc, ServerConfig{})

	var reconnects sync.WaitGroup
	reconnects.Add(1)
	var once sync.Once
	client := dialTest(t, Config{
		URL:            url,
		ReconnectDelay: 10 * time.Millisecond,
		OnReconnect:    func() { once.Do(reconnects.Done) },
	})

	var got collector
	if err := client.MarketData(svc.Contracts["AAPL"], "", false, false, got.handler()).Send(); err != nil {
		t.Fatal(err)
	}
	eventually(t, "first subscription", func() bool { return len(svc.Streams("AAPL")) == 1 })

	feed.Close()
	reconnects.Wait()
	eventually(t, "resubscription", func() bool { return len(svc.Streams("AAPL")) == 2 })

	eventually(t, "upstream cancel on drop", func() bool { return svc.Streams("AAPL")[0].Cancelled() == 1 })
	_, errs, _ := got.snapshot()
	if len(errs) == 0 || !errors.Is(errs[0], ErrDisconnected) {
		t.Errorf("errors = %v, want ErrDisconnected first", errs)
	}

	svc.Streams("AAPL")[1].Emit("BID", "100")
	eventually(t, "tick after reconnect", func() bool {
		ticks, _, _ := got.snapshot()
		return len(ticks) == 1
	})
}

func TestCloseFailsCalls(t *testing.T) {
	_, url := startServer(t, brokertest.New("AAPL"), ServerConfig{})
	client := dialTest(t, Config{URL: url})
	client.Close()

	select {
	case <-client.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed")
	}
	if _, err := client.ResolveSymbol(context.Background(), "AAPL"); !errors.Is(err, ErrClosed) {
		t.Errorf("ResolveSymbol after Close err = %v, want ErrClosed", err)
	}
}
