package auth

import (
	"fmt"
	"strconv"
	"strings"
)

// Expr is a parsed access-control expression evaluated against verified
// claims and field arguments after authentication succeeds.
//
// Grammar (precedence low to high):
//
//	or    := and ("||" and)*
//	and   := atom ("&&" atom)*
//	atom  := "!" atom | "(" or ")" | operand ("==" | "!=") operand
//	operand := path | 'string' | integer | true | false
//
// Comparisons are strictly typed: values of different kinds never compare
// equal, and a missing path resolves to null, which equals no literal.
type Expr struct {
	root exprNode
	src  string
}

// ParseExpr parses an access expression. The whole input must be consumed.
func ParseExpr(input string) (*Expr, error) {
	p := &exprParser{input: input}
	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos != len(p.input) {
		return nil, fmt.Errorf("access expression: unexpected trailing input %q", p.input[p.pos:])
	}
	return &Expr{root: node, src: input}, nil
}

func (e *Expr) String() string { return e.src }

// Eval evaluates the expression. scope maps the leading path segment
// ("claims", "args") to its value tree.
func (e *Expr) Eval(scope map[string]any) bool {
	return e.root.eval(scope)
}

type exprNode interface {
	eval(scope map[string]any) bool
}

type andNode struct{ left, right exprNode }
type orNode struct{ left, right exprNode }
type notNode struct{ inner exprNode }

type cmpNode struct {
	left, right operand
	negate      bool
}

func (n andNode) eval(s map[string]any) bool { return n.left.eval(s) && n.right.eval(s) }
func (n orNode) eval(s map[string]any) bool  { return n.left.eval(s) || n.right.eval(s) }
func (n notNode) eval(s map[string]any) bool { return !n.inner.eval(s) }

func (n cmpNode) eval(s map[string]any) bool {
	eq := operandsEqual(n.left.resolve(s), n.right.resolve(s))
	if n.negate {
		return !eq
	}
	return eq
}

type operandKind int

const (
	opPath operandKind = iota
	opString
	opNumber
	opBool
)

type operand struct {
	kind operandKind
	path []string
	str  string
	num  int64
	b    bool
}

func (o operand) resolve(scope map[string]any) any {
	switch o.kind {
	case opString:
		return o.str
	case opNumber:
		return o.num
	case opBool:
		return o.b
	default:
		var cur any = scope
		for _, seg := range o.path {
			m, ok := cur.(map[string]any)
			if !ok {
				return nil
			}
			cur, ok = m[seg]
			if !ok {
				return nil
			}
		}
		return cur
	}
}

// operandsEqual applies the strict typing rule: null equals nothing
// (including null literals are unrepresentable here), booleans only compare
// with booleans, strings with strings, and numbers with numbers (numeric
// comparison across int/float representations).
func operandsEqual(a, b any) bool {
	if a == nil || b == nil {
		return false
	}
	switch av := a.(type) {
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	default:
		af, aok := toFloat(a)
		bf, bok := toFloat(b)
		return aok && bok && af == bf
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	return 0, false
}

// ---- recursive-descent parser ----

type exprParser struct {
	input string
	pos   int
}

func (p *exprParser) skipSpace() {
	for p.pos < len(p.input) && (p.input[p.pos] == ' ' || p.input[p.pos] == '\t' || p.input[p.pos] == '\n') {
		p.pos++
	}
}

func (p *exprParser) consume(tok string) bool {
	p.skipSpace()
	if strings.HasPrefix(p.input[p.pos:], tok) {
		p.pos += len(tok)
		return true
	}
	return false
}

func (p *exprParser) parseOr() (exprNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.consume("||") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = orNode{left, right}
	}
	return left, nil
}

func (p *exprParser) parseAnd() (exprNode, error) {
	left, err := p.parseAtom()
	if err != nil {
		return nil, err
	}
	for p.consume("&&") {
		right, err := p.parseAtom()
		if err != nil {
			return nil, err
		}
		left = andNode{left, right}
	}
	return left, nil
}

func (p *exprParser) parseAtom() (exprNode, error) {
	if p.consume("!") {
		inner, err := p.parseAtom()
		if err != nil {
			return nil, err
		}
		return notNode{inner}, nil
	}
	if p.consume("(") {
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if !p.consume(")") {
			return nil, fmt.Errorf("access expression: missing closing parenthesis")
		}
		return inner, nil
	}
	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	negate := false
	if p.consume("!=") {
		negate = true
	} else if !p.consume("==") {
		return nil, fmt.Errorf("access expression: expected == or != at offset %d", p.pos)
	}
	right, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	return cmpNode{left: left, right: right, negate: negate}, nil
}

func (p *exprParser) parseOperand() (operand, error) {
	p.skipSpace()
	if p.pos >= len(p.input) {
		return operand{}, fmt.Errorf("access expression: unexpected end of input")
	}
	switch c := p.input[p.pos]; {
	case c == '\'':
		end := strings.IndexByte(p.input[p.pos+1:], '\'')
		if end < 0 {
			return operand{}, fmt.Errorf("access expression: unterminated string literal")
		}
		s := p.input[p.pos+1 : p.pos+1+end]
		p.pos += end + 2
		return operand{kind: opString, str: s}, nil
	case c == '-' || (c >= '0' && c <= '9'):
		start := p.pos
		p.pos++
		for p.pos < len(p.input) && p.input[p.pos] >= '0' && p.input[p.pos] <= '9' {
			p.pos++
		}
		n, err := strconv.ParseInt(p.input[start:p.pos], 10, 64)
		if err != nil {
			return operand{}, fmt.Errorf("access expression: bad number %q", p.input[start:p.pos])
		}
		return operand{kind: opNumber, num: n}, nil
	default:
		start := p.pos
		for p.pos < len(p.input) && isIdentChar(p.input[p.pos]) {
			p.pos++
		}
		if p.pos == start {
			return operand{}, fmt.Errorf("access expression: unexpected character %q", string(c))
		}
		word := p.input[start:p.pos]
		switch word {
		case "true":
			return operand{kind: opBool, b: true}, nil
		case "false":
			return operand{kind: opBool, b: false}, nil
		}
		segs := []string{word}
		for p.pos < len(p.input) && p.input[p.pos] == '.' {
			p.pos++
			segStart := p.pos
			for p.pos < len(p.input) && isIdentChar(p.input[p.pos]) {
				p.pos++
			}
			if p.pos == segStart {
				return operand{}, fmt.Errorf("access expression: empty path segment in %q", p.input)
			}
			segs = append(segs, p.input[segStart:p.pos])
		}
		return operand{kind: opPath, path: segs}, nil
	}
}

func isIdentChar(c byte) bool {
	return c == '_' || c == '-' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
