// Package rules lowers labelled rule statements into reactive computations.
//
//	when: if (cond) body   →  computed(async () => { if (cond) body })
//	set: stmt              →  computed(async () => { stmt })
//
// Only top-level labels are rewritten. Everything else, including comments
// and semicolons between statements, is copied through unchanged.
package rules

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/dop251/goja/ast"
	"github.com/dop251/goja/file"
	"github.com/dop251/goja/parser"
)

const (
	// Suffix marks a rule script by file name.
	Suffix = ".r.js"
	// Marker marks a rule script by a leading comment.
	Marker = "/*rules*/"
)

// ErrWhenRequiresIf is returned when a when: label wraps anything but an if.
var ErrWhenRequiresIf = errors.New("when statement must take an if condition")

// IsRuleScript reports whether a script uses the rule convention.
func IsRuleScript(path, src string) bool {
	return strings.HasSuffix(filepath.Base(path), Suffix) ||
		strings.HasPrefix(strings.TrimLeft(src, " \t\r\n\ufeff"), Marker)
}

// Translate rewrites top-level when:/set: statements. It is pure and
// deterministic; the caller runs it once per raw script.
func Translate(src string) (string, error) {
	program, err := parser.ParseFile(nil, "", src, 0)
	if err != nil {
		return "", fmt.Errorf("rules: %w", err)
	}

	var (
		sb   strings.Builder
		last int
	)
	for _, stmt := range program.Body {
		labelled, ok := stmt.(*ast.LabelledStatement)
		if !ok {
			continue
		}

		var body ast.Statement
		switch string(labelled.Label.Name) {
		case "when":
			if _, ok := labelled.Statement.(*ast.IfStatement); !ok {
				return "", fmt.Errorf("rules: line %d: %w", lineOf(src, labelled.Idx0()), ErrWhenRequiresIf)
			}
			body = labelled.Statement
		case "set":
			body = labelled.Statement
		default:
			continue
		}

		start := offset(labelled.Idx0())
		end := offset(body.Idx1())
		// IfStatement.If is never populated by the parser, so the body
		// start is taken from the colon rather than body.Idx0().
		from := skipSpace(src, offset(labelled.Colon)+1)
		if from > end {
			from = end
		}
		bodySrc := src[from:end]

		sb.WriteString(src[last:start])
		sb.WriteString("computed(async () => { ")
		sb.WriteString(bodySrc)
		sb.WriteString(" })")
		last = end
	}
	sb.WriteString(src[last:])
	return sb.String(), nil
}

// offset converts a parser index (1-based, no file set) to a byte offset.
func offset(idx file.Idx) int {
	if idx < 1 {
		return 0
	}
	return int(idx) - 1
}

// skipSpace returns the first offset at or after off that is not
// whitespace or part of a comment.
func skipSpace(src string, off int) int {
	for off < len(src) {
		switch {
		case src[off] == ' ' || src[off] == '\t' || src[off] == '\r' || src[off] == '\n':
			off++
		case strings.HasPrefix(src[off:], "//"):
			nl := strings.IndexByte(src[off:], '\n')
			if nl < 0 {
				return len(src)
			}
			off += nl + 1
		case strings.HasPrefix(src[off:], "/*"):
			end := strings.Index(src[off+2:], "*/")
			if end < 0 {
				return len(src)
			}
			off += end + 4
		default:
			return off
		}
	}
	return off
}

func lineOf(src string, idx file.Idx) int {
	off := offset(idx)
	if off > len(src) {
		off = len(src)
	}
	return strings.Count(src[:off], "\n") + 1
}
