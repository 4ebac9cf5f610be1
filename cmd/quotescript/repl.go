package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"quote-runtime/internal/script"
)

const (
	prompt     = "> "
	contPrompt = "... "
)

// evaluator is the slice of *script.Context the prompt needs.
type evaluator interface {
	RunInContext(ctx context.Context, src, file string) (any, error)
}

// repl reads statements from in and evaluates them until EOF or ".exit".
// Input that ends mid-statement is held and extended with the next line.
func repl(ctx context.Context, ev evaluator, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	var pending strings.Builder

	fmt.Fprint(out, prompt)
	for scanner.Scan() {
		line := scanner.Text()
		if pending.Len() == 0 {
			switch strings.TrimSpace(line) {
			case "":
				fmt.Fprint(out, prompt)
				continue
			case ".exit":
				return nil
			}
		}
		if pending.Len() > 0 {
			pending.WriteByte('\n')
		}
		pending.WriteString(line)

		v, err := ev.RunInContext(ctx, pending.String(), "<repl>")
		var incomplete *script.IncompleteInputError
		if errors.As(err, &incomplete) {
			fmt.Fprint(out, contPrompt)
			continue
		}
		pending.Reset()

		switch {
		case err != nil:
			fmt.Fprintf(out, "error: %v\n", err)
		case v != nil:
			fmt.Fprintln(out, format(v))
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fmt.Fprint(out, prompt)
	}
	return scanner.Err()
}

// format renders an evaluation result for the prompt.
func format(v any) string {
	switch x := v.(type) {
	case string:
		return fmt.Sprintf("%q", x)
	case time.Time:
		return x.Format(time.RFC3339Nano)
	case fmt.Stringer:
		return x.String()
	case map[string]any, []any:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprintf("%v", x)
		}
		return string(b)
	default:
		return fmt.Sprintf("%v", x)
	}
}
