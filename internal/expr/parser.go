package expr

import (
	"fmt"
	"strings"
)

// builtins maps function name to expected arity (-1 means at least one).
var builtins = map[string]int{
	"always":     0,
	"success":    0,
	"failure":    0,
	"cancelled":  0,
	"contains":   2,
	"startsWith": 2,
	"endsWith":   2,
}

// Parse compiles source into an expression tree. A surrounding ${{ ... }}
// wrapper is tolerated so gate strings can be written either bare or in
// interpolation form.
func Parse(source string) (Node, error) {
	src := strings.TrimSpace(source)
	if strings.HasPrefix(src, "${{") && strings.HasSuffix(src, "}}") {
		src = strings.TrimSpace(src[3 : len(src)-2])
	}
	if src == "" {
		return nil, &SyntaxError{0, "empty expression"}
	}

	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	n, err := p.ternary()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, &SyntaxError{p.peek().pos, fmt.Sprintf("unexpected %q after expression", p.peek().text)}
	}
	return n, nil
}

type parser struct {
	toks []token
	i    int
}

func (p *parser) peek() token { return p.toks[p.i] }

func (p *parser) next() token {
	t := p.toks[p.i]
	if t.kind != tokEOF {
		p.i++
	}
	return t
}

func (p *parser) expect(kind tokenKind, what string) (token, error) {
	t := p.peek()
	if t.kind != kind {
		return token{}, &SyntaxError{t.pos, fmt.Sprintf("expected %s, got %q", what, t.text)}
	}
	return p.next(), nil
}

// ternary := or ('?' ternary ':' ternary)?
func (p *parser) ternary() (Node, error) {
	cond, err := p.or()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokQuestion {
		return cond, nil
	}
	p.next()
	then, err := p.ternary()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(tokColon, "':'"); err != nil {
		return nil, err
	}
	els, err := p.ternary()
	if err != nil {
		return nil, err
	}
	return Ternary{Cond: cond, Then: then, Else: els}, nil
}

func (p *parser) or() (Node, error) {
	left, err := p.and()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOr {
		p.next()
		right, err := p.and()
		if err != nil {
			return nil, err
		}
		left = Binary{Op: OpOr, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) and() (Node, error) {
	left, err := p.equality()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokAnd {
		p.next()
		right, err := p.equality()
		if err != nil {
			return nil, err
		}
		left = Binary{Op: OpAnd, Left: left, Right: right}
	}
	return left, nil
}

// equality := concat (('==' | '!=') concat | 'in' concat)?
func (p *parser) equality() (Node, error) {
	left, err := p.concat()
	if err != nil {
		return nil, err
	}
	switch t := p.peek(); {
	case t.kind == tokEq, t.kind == tokNe:
		op := OpEq
		if t.kind == tokNe {
			op = OpNe
		}
		p.next()
		right, err := p.concat()
		if err != nil {
			return nil, err
		}
		return Binary{Op: op, Left: left, Right: right}, nil
	case t.kind == tokIdent && t.text == "in":
		p.next()
		right, err := p.concat()
		if err != nil {
			return nil, err
		}
		return Binary{Op: OpIn, Left: left, Right: right}, nil
	}
	return left, nil
}

func (p *parser) concat() (Node, error) {
	left, err := p.unary()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokPlus {
		p.next()
		right, err := p.unary()
		if err != nil {
			return nil, err
		}
		left = Binary{Op: OpConcat, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) unary() (Node, error) {
	if p.peek().kind == tokBang {
		p.next()
		inner, err := p.unary()
		if err != nil {
			return nil, err
		}
		return Not{Expr: inner}, nil
	}
	return p.primary()
}

func (p *parser) primary() (Node, error) {
	t := p.peek()
	switch t.kind {
	case tokString:
		p.next()
		return Literal{Value: t.text}, nil

	case tokLParen:
		p.next()
		inner, err := p.ternary()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return inner, nil

	case tokLBracket:
		return p.list()

	case tokIdent:
		switch t.text {
		case "true":
			p.next()
			return Literal{Value: true}, nil
		case "false":
			p.next()
			return Literal{Value: false}, nil
		case "null":
			p.next()
			return Literal{Value: nil}, nil
		case "in":
			return nil, &SyntaxError{t.pos, "'in' is an operator, not a value"}
		}
		return p.refOrCall()

	default:
		return nil, &SyntaxError{t.pos, fmt.Sprintf("unexpected %q", t.text)}
	}
}

func (p *parser) list() (Node, error) {
	open := p.next() // '['
	var elems []Node
	if p.peek().kind == tokRBracket {
		p.next()
		return List{}, nil
	}
	for {
		e, err := p.ternary()
		if err != nil {
			return nil, err
		}
		elems = append(elems, e)
		switch p.peek().kind {
		case tokComma:
			p.next()
		case tokRBracket:
			p.next()
			return List{Elems: elems}, nil
		case tokEOF:
			return nil, &SyntaxError{open.pos, "unterminated list"}
		default:
			return nil, &SyntaxError{p.peek().pos, fmt.Sprintf("expected ',' or ']', got %q", p.peek().text)}
		}
	}
}

func (p *parser) refOrCall() (Node, error) {
	first, err := p.expect(tokIdent, "identifier")
	if err != nil {
		return nil, err
	}

	// Function call.
	if p.peek().kind == tokLParen {
		p.next()
		var args []Node
		if p.peek().kind != tokRParen {
			for {
				a, err := p.ternary()
				if err != nil {
					return nil, err
				}
				args = append(args, a)
				if p.peek().kind != tokComma {
					break
				}
				p.next()
			}
		}
		if _, err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		arity, known := builtins[first.text]
		if !known {
			return nil, &SyntaxError{first.pos, fmt.Sprintf("unknown function %q", first.text)}
		}
		if len(args) != arity {
			return nil, &SyntaxError{first.pos, fmt.Sprintf("%s() takes %d argument(s), got %d", first.text, arity, len(args))}
		}
		return Call{Name: first.text, Args: args}, nil
	}

	// Dotted reference.
	path := []string{first.text}
	for p.peek().kind == tokDot {
		p.next()
		seg, err := p.expect(tokIdent, "identifier after '.'")
		if err != nil {
			return nil, err
		}
		path = append(path, seg.text)
	}
	return Ref{Path: path}, nil
}
