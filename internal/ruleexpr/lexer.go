// Package ruleexpr implements the expression language used by automation
// triggers and composite-tool conditionals: literals, variables, function
// calls, unary !, and the usual arithmetic, comparison, and logical
// operators. Evaluation is total; type mismatches and division by zero
// produce null values rather than errors.
package ruleexpr

import (
	"fmt"
	"strconv"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokString
	tokIdent
	tokOp     // one of the operator strings
	tokLParen
	tokRParen
	tokComma
)

type token struct {
	kind tokenKind
	num  float64
	str  string // string literal, identifier name, or operator text
	pos  int
}

// tokenize scans a borrowed expression buffer in a single pass.
func tokenize(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c >= '0' && c <= '9':
			start := i
			for i < len(src) && (src[i] >= '0' && src[i] <= '9' || src[i] == '.') {
				i++
			}
			n, err := strconv.ParseFloat(src[start:i], 64)
			if err != nil {
				return nil, fmt.Errorf("ruleexpr: bad number %q at %d", src[start:i], start)
			}
			toks = append(toks, token{kind: tokNumber, num: n, pos: start})
		case c == '"' || c == '\'':
			quote := c
			start := i
			i++
			var buf []byte
			for i < len(src) && src[i] != quote {
				if src[i] == '\\' && i+1 < len(src) {
					i++
				}
				buf = append(buf, src[i])
				i++
			}
			if i >= len(src) {
				return nil, fmt.Errorf("ruleexpr: unterminated string at %d", start)
			}
			i++
			toks = append(toks, token{kind: tokString, str: string(buf), pos: start})
		case isIdentStart(c):
			start := i
			for i < len(src) && isIdentPart(src[i]) {
				i++
			}
			toks = append(toks, token{kind: tokIdent, str: src[start:i], pos: start})
		case c == '(':
			toks = append(toks, token{kind: tokLParen, pos: i})
			i++
		case c == ')':
			toks = append(toks, token{kind: tokRParen, pos: i})
			i++
		case c == ',':
			toks = append(toks, token{kind: tokComma, pos: i})
			i++
		default:
			op, n := scanOp(src[i:])
			if n == 0 {
				return nil, fmt.Errorf("ruleexpr: unexpected character %q at %d", c, i)
			}
			toks = append(toks, token{kind: tokOp, str: op, pos: i})
			i += n
		}
	}
	toks = append(toks, token{kind: tokEOF, pos: len(src)})
	return toks, nil
}

func scanOp(s string) (string, int) {
	two := []string{"==", "!=", "<=", ">=", "&&", "||"}
	if len(s) >= 2 {
		for _, op := range two {
			if s[:2] == op {
				return op, 2
			}
		}
	}
	switch s[0] {
	case '+', '-', '*', '/', '%', '<', '>', '!':
		return s[:1], 1
	}
	return "", 0
}

func isIdentStart(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_'
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c >= '0' && c <= '9' || c == '.'
}
