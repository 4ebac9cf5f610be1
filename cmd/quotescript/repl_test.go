package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"quote-runtime/internal/script"
)

func TestREPL(t *testing.T) {
	sc := script.New(script.Options{})
	defer sc.Close()

	in := strings.NewReader(strings.Join([]string{
		"var total = 1 +",
		"  2",
		"total * 2",
		"",
		"'a' + 'b'",
		"throw new Error('nope')",
		"({ b: 1 }",
		")",
		".exit",
		"total",
	}, "\n"))
	var out bytes.Buffer

	if err := repl(context.Background(), sc, in, &out); err != nil {
		t.Fatalf("repl: %v", err)
	}

	got := out.String()
	for _, want := range []string{"... ", "6\n", "\"ab\"\n", "error: ", "nope", `{"b":1}`} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
	if strings.Count(got, "error: ") != 1 {
		t.Errorf("expected exactly one error line:\n%s", got)
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{int64(3), "3"},
		{"x", `"x"`},
		{[]any{int64(1), "a"}, `[1,"a"]`},
		{true, "true"},
	}
	for _, tt := range tests {
		if got := format(tt.in); got != tt.want {
			t.Errorf("format(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
