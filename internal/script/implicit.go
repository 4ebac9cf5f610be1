package script

import (
	"unicode"
	"unicode/utf8"
)

// ScanImplicitIdentifiers returns the distinct $-prefixed identifiers longer
// than one character that appear in src as code, in order of first
// appearance. String literals, regular expression literals, comments and the
// literal parts of template strings are skipped; template substitutions are
// scanned. Member names
// after a dot (obj.$x) are not implicit identifiers.
func ScanImplicitIdentifiers(src string) []string {
	s := scanner{src: src, seen: make(map[string]struct{})}
	s.code(false)
	return s.ids
}

type scanner struct {
	src  string
	pos  int
	ids  []string
	seen map[string]struct{}
	prev rune   // last significant code rune, for member and regex detection
	word string // last identifier, when prev is 'a'
}

// keywordsBeforeExpr are the keywords after which a slash opens a regular
// expression rather than dividing.
var keywordsBeforeExpr = map[string]bool{
	"return": true, "typeof": true, "instanceof": true, "in": true, "of": true,
	"new": true, "delete": true, "void": true, "throw": true, "case": true,
	"do": true, "else": true, "yield": true, "await": true,
}

func (s *scanner) peek(off int) rune {
	if s.pos+off >= len(s.src) {
		return -1
	}
	r, _ := utf8.DecodeRuneInString(s.src[s.pos+off:])
	return r
}

func (s *scanner) next() rune {
	r, n := utf8.DecodeRuneInString(s.src[s.pos:])
	s.pos += n
	return r
}

// code scans code until end of input or, inside a template substitution,
// the brace that closes it.
func (s *scanner) code(inSubst bool) {
	depth := 0
	for s.pos < len(s.src) {
		r := s.peek(0)
		switch {
		case r == '/' && s.peek(1) == '/':
			s.lineComment()
		case r == '/' && s.peek(1) == '*':
			s.blockComment()
		case r == '/' && s.regexAllowed():
			s.next()
			s.regex()
			s.prev = '0'
		case r == '\'' || r == '"':
			s.next()
			s.quoted(r)
			s.prev = r
		case r == '`':
			s.next()
			s.template()
			s.prev = '`'
		case r == '{':
			s.next()
			depth++
			s.prev = r
		case r == '}':
			s.next()
			if inSubst && depth == 0 {
				return
			}
			depth--
			s.prev = r
		case isIdentStart(r):
			s.ident()
		case unicode.IsDigit(r):
			s.number()
		case unicode.IsSpace(r):
			s.next()
		default:
			s.prev = s.next()
		}
	}
}

func (s *scanner) lineComment() {
	for s.pos < len(s.src) && s.peek(0) != '\n' {
		s.next()
	}
}

func (s *scanner) blockComment() {
	s.pos += 2
	for s.pos < len(s.src) {
		if s.peek(0) == '*' && s.peek(1) == '/' {
			s.pos += 2
			return
		}
		s.next()
	}
}

// regexAllowed reports whether a slash at the current position starts a
// regular expression literal, judged from the preceding token.
func (s *scanner) regexAllowed() bool {
	switch s.prev {
	case 'a':
		return keywordsBeforeExpr[s.word]
	case '0', ')', ']', '\'', '"', '`':
		return false
	}
	return true
}

// regex skips a regular expression body and its flags. A slash inside a
// character class does not end the body.
func (s *scanner) regex() {
	class := false
	for s.pos < len(s.src) {
		switch s.peek(0) {
		case '\\':
			s.next()
			if s.pos < len(s.src) && s.peek(0) != '\n' {
				s.next()
			}
			continue
		case '\n':
			return
		case '[':
			class = true
		case ']':
			class = false
		case '/':
			if !class {
				s.next()
				for s.pos < len(s.src) && isIdentPart(s.peek(0)) {
					s.next()
				}
				return
			}
		}
		s.next()
	}
}

func (s *scanner) quoted(quote rune) {
	for s.pos < len(s.src) {
		switch s.next() {
		case '\\':
			if s.pos < len(s.src) {
				s.next()
			}
		case quote, '\n':
			return
		}
	}
}

func (s *scanner) template() {
	for s.pos < len(s.src) {
		switch r := s.next(); {
		case r == '\\':
			if s.pos < len(s.src) {
				s.next()
			}
		case r == '`':
			return
		case r == '$' && s.peek(0) == '{':
			s.next()
			s.prev = '{'
			s.code(true)
		}
	}
}

func (s *scanner) ident() {
	start := s.pos
	s.next()
	for s.pos < len(s.src) && isIdentPart(s.peek(0)) {
		s.next()
	}
	id := s.src[start:s.pos]
	member := s.prev == '.'
	s.prev = 'a'
	s.word = id

	if member || len(id) < 2 || id[0] != '$' {
		return
	}
	if _, ok := s.seen[id]; ok {
		return
	}
	s.seen[id] = struct{}{}
	s.ids = append(s.ids, id)
}

func (s *scanner) number() {
	for s.pos < len(s.src) {
		r := s.peek(0)
		if !isIdentPart(r) && r != '.' {
			break
		}
		s.next()
	}
	s.prev = '0'
}

func isIdentStart(r rune) bool {
	return r == '$' || r == '_' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return isIdentStart(r) || unicode.IsDigit(r) || r == '\u200c' || r == '\u200d'
}
