package jsonval

import (
	"fmt"
	"strconv"
)

// Parse decodes a JSON document into a value tree. The full grammar is
// accepted except that \uXXXX escapes are copied verbatim into the string
// payload rather than expanded; all other escapes are decoded.
func Parse(data []byte) (*Value, error) {
	p := &parser{buf: data}
	p.skipSpace()
	v, err := p.parseValue()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos != len(p.buf) {
		return nil, fmt.Errorf("trailing data at offset %d", p.pos)
	}
	return v, nil
}

// ParseString is Parse over a string.
func ParseString(s string) (*Value, error) { return Parse([]byte(s)) }

type parser struct {
	buf []byte
	pos int
}

func (p *parser) errf(format string, args ...any) error {
	return fmt.Errorf("json: %s (offset %d)", fmt.Sprintf(format, args...), p.pos)
}

func (p *parser) skipSpace() {
	for p.pos < len(p.buf) {
		switch p.buf[p.pos] {
		case ' ', '\t', '\n', '\r':
			p.pos++
		default:
			return
		}
	}
}

func (p *parser) peek() (byte, bool) {
	if p.pos >= len(p.buf) {
		return 0, false
	}
	return p.buf[p.pos], true
}

func (p *parser) parseValue() (*Value, error) {
	c, ok := p.peek()
	if !ok {
		return nil, p.errf("unexpected end of input")
	}
	switch {
	case c == '{':
		return p.parseObject()
	case c == '[':
		return p.parseArray()
	case c == '"':
		s, err := p.parseRawString()
		if err != nil {
			return nil, err
		}
		return &Value{kind: KindString, str: s}, nil
	case c == 't', c == 'f':
		return p.parseBool()
	case c == 'n':
		if err := p.expectWord("null"); err != nil {
			return nil, err
		}
		return Null(), nil
	case c == '-' || (c >= '0' && c <= '9'):
		return p.parseNumber()
	}
	return nil, p.errf("unexpected character %q", c)
}

func (p *parser) expectWord(w string) error {
	if p.pos+len(w) > len(p.buf) || string(p.buf[p.pos:p.pos+len(w)]) != w {
		return p.errf("expected %q", w)
	}
	p.pos += len(w)
	return nil
}

func (p *parser) parseBool() (*Value, error) {
	if p.buf[p.pos] == 't' {
		if err := p.expectWord("true"); err != nil {
			return nil, err
		}
		return Bool(true), nil
	}
	if err := p.expectWord("false"); err != nil {
		return nil, err
	}
	return Bool(false), nil
}

func (p *parser) parseNumber() (*Value, error) {
	start := p.pos
	if c, ok := p.peek(); ok && c == '-' {
		p.pos++
	}
	digits := func() int {
		n := 0
		for p.pos < len(p.buf) && p.buf[p.pos] >= '0' && p.buf[p.pos] <= '9' {
			p.pos++
			n++
		}
		return n
	}
	if digits() == 0 {
		return nil, p.errf("malformed number")
	}
	if c, ok := p.peek(); ok && c == '.' {
		p.pos++
		if digits() == 0 {
			return nil, p.errf("malformed fraction")
		}
	}
	if c, ok := p.peek(); ok && (c == 'e' || c == 'E') {
		p.pos++
		if c, ok := p.peek(); ok && (c == '+' || c == '-') {
			p.pos++
		}
		if digits() == 0 {
			return nil, p.errf("malformed exponent")
		}
	}
	raw := string(p.buf[start:p.pos])
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, p.errf("number %q out of range", raw)
	}
	return &Value{kind: KindNumber, num: n, raw: raw}, nil
}

// parseRawString decodes a quoted string. \uXXXX sequences are preserved
// byte-for-byte; the remaining escapes decode to their characters.
func (p *parser) parseRawString() (string, error) {
	if p.buf[p.pos] != '"' {
		return "", p.errf("expected string")
	}
	p.pos++
	var out []byte
	for {
		if p.pos >= len(p.buf) {
			return "", p.errf("unterminated string")
		}
		c := p.buf[p.pos]
		switch {
		case c == '"':
			p.pos++
			return string(out), nil
		case c == '\\':
			if p.pos+1 >= len(p.buf) {
				return "", p.errf("unterminated escape")
			}
			esc := p.buf[p.pos+1]
			switch esc {
			case '"':
				out = append(out, '"')
			case '\\':
				out = append(out, '\\')
			case '/':
				out = append(out, '/')
			case 'b':
				out = append(out, '\b')
			case 'f':
				out = append(out, '\f')
			case 'n':
				out = append(out, '\n')
			case 'r':
				out = append(out, '\r')
			case 't':
				out = append(out, '\t')
			case 'u':
				if p.pos+6 > len(p.buf) {
					return "", p.errf("truncated \\u escape")
				}
				for _, h := range p.buf[p.pos+2 : p.pos+6] {
					if !isHex(h) {
						return "", p.errf("bad \\u escape")
					}
				}
				out = append(out, p.buf[p.pos:p.pos+6]...)
				p.pos += 6
				continue
			default:
				return "", p.errf("bad escape \\%c", esc)
			}
			p.pos += 2
		case c < 0x20:
			return "", p.errf("control character in string")
		default:
			out = append(out, c)
			p.pos++
		}
	}
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func (p *parser) parseArray() (*Value, error) {
	p.pos++ // '['
	arr := &Value{kind: KindArray}
	p.skipSpace()
	if c, ok := p.peek(); ok && c == ']' {
		p.pos++
		return arr, nil
	}
	for {
		p.skipSpace()
		elem, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		arr.arr = append(arr.arr, elem)
		p.skipSpace()
		c, ok := p.peek()
		if !ok {
			return nil, p.errf("unterminated array")
		}
		switch c {
		case ',':
			p.pos++
		case ']':
			p.pos++
			return arr, nil
		default:
			return nil, p.errf("expected ',' or ']'")
		}
	}
}

func (p *parser) parseObject() (*Value, error) {
	p.pos++ // '{'
	obj := &Value{kind: KindObject}
	p.skipSpace()
	if c, ok := p.peek(); ok && c == '}' {
		p.pos++
		return obj, nil
	}
	for {
		p.skipSpace()
		if c, ok := p.peek(); !ok || c != '"' {
			return nil, p.errf("expected object key")
		}
		key, err := p.parseRawString()
		if err != nil {
			return nil, err
		}
		p.skipSpace()
		if c, ok := p.peek(); !ok || c != ':' {
			return nil, p.errf("expected ':'")
		}
		p.pos++
		p.skipSpace()
		val, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		obj.obj = append(obj.obj, Field{Name: key, Value: val})
		p.skipSpace()
		c, ok := p.peek()
		if !ok {
			return nil, p.errf("unterminated object")
		}
		switch c {
		case ',':
			p.pos++
		case '}':
			p.pos++
			return obj, nil
		default:
			return nil, p.errf("expected ',' or '}'")
		}
	}
}
