// Package expr implements the small if/then/else expression blocks used in
// configuration to compute per-event report settings, such as a throttle rate
// or a destination address.
//
// An expression is a boolean condition over named variables, e.g.:
//
//	kind == 'dmarc' && policydomain != 'example.org'
//
// A block is a list of if/then pairs with a default. Evaluating a block
// returns the "then" value of the first condition that holds, otherwise the
// default. Blocks are parsed once at configuration load, and evaluated once
// per event, outside the aggregation core.
package expr

import (
	"fmt"
	"strings"
)

// Vars are the named variables an expression can reference, e.g. "kind",
// "policydomain", "disposition", "sourceip".
type Vars map[string]string

// Expr is a parsed boolean condition.
type Expr struct {
	root node
}

// Eval evaluates the condition against vars. Unknown variables evaluate as
// empty strings.
func (e *Expr) Eval(vars Vars) bool {
	return e.root.eval(vars)
}

// IfThen is a single condition with its result value.
type IfThen struct {
	If   *Expr
	Then string
}

// Block is an if/then/else chain with a default value.
type Block struct {
	IfThens []IfThen
	Default string
}

// Eval returns the value of the first matching condition, or the default.
func (b Block) Eval(vars Vars) string {
	for _, it := range b.IfThens {
		if it.If.Eval(vars) {
			return it.Then
		}
	}
	return b.Default
}

type node interface {
	eval(Vars) bool
}

type orNode struct{ l, r node }
type andNode struct{ l, r node }
type notNode struct{ n node }

// cmpNode compares a variable to a literal. With eq false the comparison is
// "!=". A literal of the form "*suffix" or "prefix*" matches with wildcard,
// like the address patterns in report analysis configuration.
type cmpNode struct {
	variable string
	literal  string
	eq       bool
}

func (n orNode) eval(v Vars) bool  { return n.l.eval(v) || n.r.eval(v) }
func (n andNode) eval(v Vars) bool { return n.l.eval(v) && n.r.eval(v) }
func (n notNode) eval(v Vars) bool { return !n.n.eval(v) }

func (n cmpNode) eval(v Vars) bool {
	val := v[n.variable]
	var match bool
	if strings.HasPrefix(n.literal, "*") {
		match = strings.HasSuffix(val, n.literal[1:])
	} else if strings.HasSuffix(n.literal, "*") {
		match = strings.HasPrefix(val, n.literal[:len(n.literal)-1])
	} else {
		match = val == n.literal
	}
	return match == n.eq
}

// Parse parses a condition.
func Parse(s string) (*Expr, error) {
	p := &parser{s: s}
	p.next()
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.tok != tokEOF {
		return nil, fmt.Errorf("parsing expression %q: trailing data at %q", s, p.text)
	}
	return &Expr{n}, nil
}

type tokKind int

const (
	tokEOF tokKind = iota
	tokIdent
	tokString
	tokEq
	tokNeq
	tokAnd
	tokOr
	tokNot
	tokOpen
	tokClose
	tokBad
)

type parser struct {
	s    string
	tok  tokKind
	text string
}

func (p *parser) next() {
	p.s = strings.TrimLeft(p.s, " \t")
	if p.s == "" {
		p.tok, p.text = tokEOF, ""
		return
	}
	c := p.s[0]
	switch {
	case strings.HasPrefix(p.s, "=="):
		p.tok, p.text, p.s = tokEq, "==", p.s[2:]
	case strings.HasPrefix(p.s, "!="):
		p.tok, p.text, p.s = tokNeq, "!=", p.s[2:]
	case strings.HasPrefix(p.s, "&&"):
		p.tok, p.text, p.s = tokAnd, "&&", p.s[2:]
	case strings.HasPrefix(p.s, "||"):
		p.tok, p.text, p.s = tokOr, "||", p.s[2:]
	case c == '!':
		p.tok, p.text, p.s = tokNot, "!", p.s[1:]
	case c == '(':
		p.tok, p.text, p.s = tokOpen, "(", p.s[1:]
	case c == ')':
		p.tok, p.text, p.s = tokClose, ")", p.s[1:]
	case c == '\'':
		end := strings.IndexByte(p.s[1:], '\'')
		if end < 0 {
			p.tok, p.text = tokBad, p.s
			return
		}
		p.tok, p.text = tokString, p.s[1:1+end]
		p.s = p.s[end+2:]
	default:
		i := 0
		for i < len(p.s) {
			c := p.s[i]
			if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_' || c == '.' || c == '-' || c == '*' || c == ':' || c == '@' {
				i++
				continue
			}
			break
		}
		if i == 0 {
			p.tok, p.text = tokBad, p.s
			return
		}
		p.tok, p.text = tokIdent, p.s[:i]
		p.s = p.s[i:]
	}
}

func (p *parser) parseOr() (node, error) {
	l, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.tok == tokOr {
		p.next()
		r, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		l = orNode{l, r}
	}
	return l, nil
}

func (p *parser) parseAnd() (node, error) {
	l, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.tok == tokAnd {
		p.next()
		r, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		l = andNode{l, r}
	}
	return l, nil
}

func (p *parser) parseUnary() (node, error) {
	switch p.tok {
	case tokNot:
		p.next()
		n, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return notNode{n}, nil
	case tokOpen:
		p.next()
		n, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.tok != tokClose {
			return nil, fmt.Errorf("missing closing parenthesis at %q", p.text)
		}
		p.next()
		return n, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (node, error) {
	if p.tok != tokIdent {
		return nil, fmt.Errorf("expected variable, saw %q", p.text)
	}
	variable := p.text
	p.next()
	var eq bool
	switch p.tok {
	case tokEq:
		eq = true
	case tokNeq:
		eq = false
	default:
		return nil, fmt.Errorf("expected comparison operator after %q, saw %q", variable, p.text)
	}
	p.next()
	if p.tok != tokString && p.tok != tokIdent {
		return nil, fmt.Errorf("expected literal after comparison, saw %q", p.text)
	}
	lit := p.text
	p.next()
	return cmpNode{variable: variable, literal: lit, eq: eq}, nil
}
