// Package condition implements the predicate language used on workflow
// transitions. Expressions compare values in a session context map and combine
// the results with boolean operators:
//
//	review.verdict == "approved" && !blocked
//	(attempts < 3 or force) and risk != 'high'
//
// The language has no functions, loops or assignment, so evaluation always
// terminates and never touches anything outside the context it is given.
package condition

import (
	"fmt"
	"strconv"
	"strings"
)

// Expr is a compiled condition. The zero value is not usable; use Compile.
type Expr struct {
	src  string
	root node
}

// Compile parses src. An empty (or blank) expression is always true.
func Compile(src string) (*Expr, error) {
	if strings.TrimSpace(src) == "" {
		return &Expr{src: src, root: literal{value: true}}, nil
	}

	tokens, err := lex(src)
	if err != nil {
		return nil, err
	}

	p := &parser{src: src, tokens: tokens}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return nil, p.errorf(tok, "unexpected %s", tok.kind)
	}
	return &Expr{src: src, root: root}, nil
}

// Validate reports whether src compiles.
func Validate(src string) error {
	_, err := Compile(src)
	return err
}

// Eval evaluates the expression against ctx. Missing keys read as null.
func (e *Expr) Eval(ctx map[string]any) bool {
	return truthy(e.root.eval(ctx))
}

func (e *Expr) String() string {
	return e.src
}

// Evaluate compiles and evaluates src in one step.
func Evaluate(src string, ctx map[string]any) (bool, error) {
	expr, err := Compile(src)
	if err != nil {
		return false, err
	}
	return expr.Eval(ctx), nil
}

type parser struct {
	src    string
	tokens []token
	pos    int
}

func (p *parser) peek() token {
	return p.tokens[p.pos]
}

func (p *parser) next() token {
	tok := p.tokens[p.pos]
	if tok.kind != tokEOF {
		p.pos++
	}
	return tok
}

func (p *parser) errorf(tok token, format string, args ...any) error {
	return &SyntaxError{Expr: p.src, Pos: tok.pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOr {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = orNode{left, right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokAnd {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = andNode{left, right}
	}
	return left, nil
}

func (p *parser) parseUnary() (node, error) {
	if p.peek().kind == tokNot {
		p.next()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return notNode{operand}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (node, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}

	switch op := p.peek(); op.kind {
	case tokEq, tokNe, tokLt, tokLe, tokGt, tokGe:
		p.next()
		right, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		return compareNode{op: op.kind, left: left, right: right}, nil
	}
	return left, nil
}

// parsePrimary reads a value or a parenthesized expression.
func (p *parser) parsePrimary() (node, error) {
	if p.peek().kind != tokLParen {
		return p.parseOperand()
	}
	p.next()
	inner, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if tok := p.next(); tok.kind != tokRParen {
		return nil, p.errorf(tok, "expected ')' but found %s", tok.kind)
	}
	return inner, nil
}

func (p *parser) parseOperand() (node, error) {
	tok := p.next()
	switch tok.kind {
	case tokString:
		return literal{value: tok.text}, nil
	case tokNumber:
		f, err := strconv.ParseFloat(tok.text, 64)
		if err != nil {
			return nil, p.errorf(tok, "invalid number %q", tok.text)
		}
		return literal{value: f}, nil
	case tokIdent:
		switch tok.text {
		case "true":
			return literal{value: true}, nil
		case "false":
			return literal{value: false}, nil
		case "null", "nil":
			return literal{value: nil}, nil
		}
		parts := strings.Split(tok.text, ".")
		for _, part := range parts {
			if part == "" {
				return nil, p.errorf(tok, "invalid key path %q", tok.text)
			}
		}
		return path{parts: parts}, nil
	default:
		return nil, p.errorf(tok, "expected a value but found %s", tok.kind)
	}
}
