package ruleexpr

import "fmt"

// node is one parsed expression node.
type node interface{}

type numNode float64
type strNode string
type boolNode bool
type varNode string

type callNode struct {
	name string
	args []node
}

type unaryNode struct {
	op      string
	operand node
}

type binaryNode struct {
	op          string
	left, right node
}

// binaryPrecedence is the single operator table; the parser climbs it
// instead of hardcoding per-level productions.
func binaryPrecedence(op string) int {
	switch op {
	case "||":
		return 1
	case "&&":
		return 2
	case "==", "!=":
		return 3
	case "<", ">", "<=", ">=":
		return 4
	case "+", "-":
		return 5
	case "*", "/", "%":
		return 6
	}
	return 0
}

// Program is a compiled expression, reusable across evaluations.
type Program struct {
	src  string
	root node
}

// Source returns the original expression text.
func (p *Program) Source() string { return p.src }

// Compile parses an expression into a reusable Program.
func Compile(src string) (*Program, error) {
	toks, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &exprParser{toks: toks}
	root, err := p.parseBinary(1)
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, fmt.Errorf("ruleexpr: trailing tokens at %d", p.peek().pos)
	}
	return &Program{src: src, root: root}, nil
}

type exprParser struct {
	toks []token
	pos  int
}

func (p *exprParser) peek() token { return p.toks[p.pos] }
func (p *exprParser) next() token { t := p.toks[p.pos]; p.pos++; return t }

// parseBinary implements precedence climbing: parse a unary operand, then
// fold in binary operators of at least minPrec, left-associatively.
func (p *exprParser) parseBinary(minPrec int) (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != tokOp {
			return left, nil
		}
		prec := binaryPrecedence(t.str)
		if prec == 0 || prec < minPrec {
			return left, nil
		}
		p.next()
		right, err := p.parseBinary(prec + 1)
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: t.str, left: left, right: right}
	}
}

func (p *exprParser) parseUnary() (node, error) {
	if t := p.peek(); t.kind == tokOp && t.str == "!" {
		p.next()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return unaryNode{op: "!", operand: operand}, nil
	}
	// Unary minus parses as a negative literal or 0-x.
	if t := p.peek(); t.kind == tokOp && t.str == "-" {
		p.next()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		if n, ok := operand.(numNode); ok {
			return numNode(-float64(n)), nil
		}
		return binaryNode{op: "-", left: numNode(0), right: operand}, nil
	}
	return p.parseFactor()
}

func (p *exprParser) parseFactor() (node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		return numNode(t.num), nil
	case tokString:
		return strNode(t.str), nil
	case tokIdent:
		switch t.str {
		case "true":
			return boolNode(true), nil
		case "false":
			return boolNode(false), nil
		}
		if p.peek().kind == tokLParen {
			p.next()
			args, err := p.parseArgs()
			if err != nil {
				return nil, err
			}
			return callNode{name: t.str, args: args}, nil
		}
		return varNode(t.str), nil
	case tokLParen:
		inner, err := p.parseBinary(1)
		if err != nil {
			return nil, err
		}
		if p.peek().kind != tokRParen {
			return nil, fmt.Errorf("ruleexpr: expected ')' at %d", p.peek().pos)
		}
		p.next()
		return inner, nil
	}
	return nil, fmt.Errorf("ruleexpr: unexpected token at %d", t.pos)
}

func (p *exprParser) parseArgs() ([]node, error) {
	var args []node
	if p.peek().kind == tokRParen {
		p.next()
		return args, nil
	}
	for {
		arg, err := p.parseBinary(1)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		switch t := p.next(); t.kind {
		case tokComma:
		case tokRParen:
			return args, nil
		default:
			return nil, fmt.Errorf("ruleexpr: expected ',' or ')' at %d", t.pos)
		}
	}
}
