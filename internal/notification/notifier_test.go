package notification

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"quote-runtime/internal/logger"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]AlertLevel{
		"warn":     AlertWarning,
		"Warning":  AlertWarning,
		"critical": AlertCritical,
		"error":    AlertCritical,
		"":         AlertInfo,
		"debug":    AlertInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestWebhookNotifier(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	ctx := logger.WithRunID(context.Background(), "run-7")
	err := NewWebhookNotifier(srv.URL).Send(ctx, Alert{
		Level: AlertWarning, Title: "AAPL", Message: "above 190", Source: "alerts.r.js",
	})
	if err != nil {
		t.Fatal(err)
	}
	if got["title"] != "AAPL" || got["level"] != "WARNING" || got["source"] != "alerts.r.js" {
		t.Fatalf("unexpected payload %v", got)
	}
	if _, ok := got["ts"]; !ok {
		t.Fatal("expected ts field")
	}
	if got["run_id"] != "run-7" {
		t.Fatalf("run_id = %v", got["run_id"])
	}
}

func TestWebhookNotifier_Status(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookNotifier(srv.URL).Send(context.Background(), Alert{Title: "x"})
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Fatalf("err = %v, want status 502", err)
	}
}

func TestTelegramNotifier(t *testing.T) {
	var body string
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		b, _ := io.ReadAll(r.Body)
		body = string(b)
	}))
	defer srv.Close()

	n := NewTelegramNotifier("TOKEN", "42")
	n.baseURL = srv.URL
	if err := n.Send(context.Background(), Alert{Level: AlertCritical, Title: "SPX.down", Message: "-2%"}); err != nil {
		t.Fatal(err)
	}
	if path != "/botTOKEN/sendMessage" {
		t.Fatalf("unexpected path %s", path)
	}
	if !strings.Contains(body, `SPX\\.down`) || !strings.Contains(body, `\\-2%`) {
		t.Fatalf("expected escaped markdown in %s", body)
	}
}

type failing struct{ err error }

func (f failing) Send(context.Context, Alert) error { return f.err }

func TestMulti(t *testing.T) {
	boom := errors.New("boom")
	m := Multi{NewLogNotifier(nil), failing{boom}}
	if err := m.Send(context.Background(), Alert{Title: "t"}); !errors.Is(err, boom) {
		t.Fatalf("expected joined error, got %v", err)
	}
	if err := (Multi{NewLogNotifier(nil)}).Send(context.Background(), Alert{}); err != nil {
		t.Fatal(err)
	}
}
