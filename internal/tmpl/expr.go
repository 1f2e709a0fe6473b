package tmpl

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ohler55/ojg/jp"
)

// Operand is a literal or a dotted variable reference.
type Operand struct {
	IsLiteral bool
	Literal   interface{}

	// Path holds the variable name followed by its attribute segments.
	Path []string
	// Call is set when the last segment was invoked with arguments, as in
	// items.filter(active=True). Segments after the call are not kept.
	Call bool

	lookup jp.Expr
}

// Var returns the top-level variable name, or "" for literals.
func (o *Operand) Var() string {
	if o.IsLiteral || len(o.Path) == 0 {
		return ""
	}
	return o.Path[0]
}

// Attrs returns the segments after the variable name.
func (o *Operand) Attrs() []string {
	if o.IsLiteral || len(o.Path) < 2 {
		return nil
	}
	return o.Path[1:]
}

func (o *Operand) String() string {
	if o.IsLiteral {
		if s, ok := o.Literal.(string); ok {
			return strconv.Quote(s)
		}
		return fmt.Sprint(o.Literal)
	}
	return strings.Join(o.Path, ".")
}

// Filter is one |name:arg application.
type Filter struct {
	Name string
	Arg  *Operand
}

// Expr is an operand with filters. When Cond is set the expression is the
// inline form "a if cond else b": Operand and Filters describe a, Else is b.
type Expr struct {
	Operand Operand
	Filters []Filter
	Cond    *Cond
	Else    *Expr
}

// CondKind discriminates Cond nodes.
type CondKind int

const (
	CondValue CondKind = iota
	CondNot
	CondAnd
	CondOr
	CondCompare
)

// Cond is a boolean expression used by if, elif and inline conditionals.
type Cond struct {
	Kind  CondKind
	Value *Expr
	Op    string
	Right *Expr
	Args  []*Cond
}

// Walk calls fn for every expression reachable from c.
func (c *Cond) Walk(fn func(*Expr)) {
	if c == nil {
		return
	}
	if c.Value != nil {
		fn(c.Value)
	}
	if c.Right != nil {
		fn(c.Right)
	}
	for _, a := range c.Args {
		a.Walk(fn)
	}
}

type exprTokKind int

const (
	tIdent exprTokKind = iota
	tString
	tNumber
	tPipe
	tColon
	tComma
	tOp
	tLParen
	tRParen
)

type exprTok struct {
	kind exprTokKind
	text string
}

var keywords = map[string]bool{
	"and": true, "or": true, "not": true, "in": true, "is": true,
	"if": true, "else": true,
}

// pseudoMethods are segments resolved by the renderer itself rather than by
// key lookup, so a compiled lookup cannot be used for paths containing them.
var pseudoMethods = map[string]bool{
	"all": true, "count": true, "length": true, "first": true, "last": true,
	"exists": true, "items": true, "keys": true, "values": true,
}

func isIdentByte(c byte) bool {
	return c == '_' || c == '.' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func tokenizeExpr(s string) ([]exprTok, error) {
	toks := make([]exprTok, 0, 8)
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '"' || c == '\'':
			var b strings.Builder
			j := i + 1
			for ; j < len(s) && s[j] != c; j++ {
				if s[j] == '\\' && j+1 < len(s) {
					j++
				}
				b.WriteByte(s[j])
			}
			if j >= len(s) {
				return nil, fmt.Errorf("unterminated string in %q", s)
			}
			toks = append(toks, exprTok{tString, b.String()})
			i = j + 1
		case (c >= '0' && c <= '9') || (c == '-' && i+1 < len(s) && s[i+1] >= '0' && s[i+1] <= '9' && !lastIsOperand(toks)):
			j := i + 1
			for j < len(s) && ((s[j] >= '0' && s[j] <= '9') || s[j] == '.') {
				j++
			}
			if j < len(s) && isIdentByte(s[j]) {
				// items.0.name style segments start with a digit only after a dot.
				return nil, fmt.Errorf("invalid number %q", s[i:j+1])
			}
			toks = append(toks, exprTok{tNumber, s[i:j]})
			i = j
		case isIdentByte(c):
			j := i
			for j < len(s) && isIdentByte(s[j]) {
				j++
			}
			toks = append(toks, exprTok{tIdent, s[i:j]})
			i = j
		case c == '|':
			toks = append(toks, exprTok{tPipe, "|"})
			i++
		case c == ':':
			toks = append(toks, exprTok{tColon, ":"})
			i++
		case c == ',':
			toks = append(toks, exprTok{tComma, ","})
			i++
		case c == '(':
			toks = append(toks, exprTok{tLParen, "("})
			i++
		case c == ')':
			toks = append(toks, exprTok{tRParen, ")"})
			i++
		case c == '=' || c == '!' || c == '<' || c == '>':
			if i+1 < len(s) && s[i+1] == '=' {
				toks = append(toks, exprTok{tOp, s[i : i+2]})
				i += 2
				continue
			}
			if c == '!' {
				return nil, fmt.Errorf("unexpected '!' in %q", s)
			}
			toks = append(toks, exprTok{tOp, string(c)})
			i++
		default:
			return nil, fmt.Errorf("unexpected character %q in %q", c, s)
		}
	}
	return toks, nil
}

func lastIsOperand(toks []exprTok) bool {
	if len(toks) == 0 {
		return false
	}
	last := toks[len(toks)-1]
	switch last.kind {
	case tString, tNumber, tRParen:
		return true
	case tIdent:
		return !keywords[last.text]
	}
	return false
}

type exprParser struct {
	toks []exprTok
	pos  int
	src  string
}

func newExprParser(src string) (*exprParser, error) {
	toks, err := tokenizeExpr(src)
	if err != nil {
		return nil, err
	}
	return &exprParser{toks: toks, src: src}, nil
}

func (p *exprParser) done() bool { return p.pos >= len(p.toks) }

func (p *exprParser) peek() (exprTok, bool) {
	if p.done() {
		return exprTok{}, false
	}
	return p.toks[p.pos], true
}

func (p *exprParser) peekIdent(word string) bool {
	t, ok := p.peek()
	return ok && t.kind == tIdent && t.text == word
}

func (p *exprParser) next() (exprTok, error) {
	if p.done() {
		return exprTok{}, fmt.Errorf("unexpected end of expression %q", p.src)
	}
	t := p.toks[p.pos]
	p.pos++
	return t, nil
}

func (p *exprParser) expectEnd() error {
	if t, ok := p.peek(); ok {
		return fmt.Errorf("unexpected %q in %q", t.text, p.src)
	}
	return nil
}

// parseExpr parses an operand with filters and an optional inline
// conditional.
func (p *exprParser) parseExpr() (*Expr, error) {
	e, err := p.parseFilterExpr()
	if err != nil {
		return nil, err
	}
	if !p.peekIdent("if") {
		return e, nil
	}
	p.pos++
	cond, err := p.parseCond()
	if err != nil {
		return nil, err
	}
	if !p.peekIdent("else") {
		return nil, fmt.Errorf("inline if without else in %q", p.src)
	}
	p.pos++
	alt, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	e.Cond = cond
	e.Else = alt
	return e, nil
}

func (p *exprParser) parseFilterExpr() (*Expr, error) {
	op, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	e := &Expr{Operand: *op}
	for {
		t, ok := p.peek()
		if !ok || t.kind != tPipe {
			return e, nil
		}
		p.pos++
		name, err := p.next()
		if err != nil {
			return nil, err
		}
		if name.kind != tIdent || strings.Contains(name.text, ".") {
			return nil, fmt.Errorf("invalid filter name %q", name.text)
		}
		f := Filter{Name: name.text}
		if t, ok := p.peek(); ok && t.kind == tColon {
			p.pos++
			arg, err := p.parseOperand()
			if err != nil {
				return nil, err
			}
			f.Arg = arg
		}
		e.Filters = append(e.Filters, f)
	}
}

func (p *exprParser) parseOperand() (*Operand, error) {
	t, err := p.next()
	if err != nil {
		return nil, err
	}
	switch t.kind {
	case tString:
		return &Operand{IsLiteral: true, Literal: t.text}, nil
	case tNumber:
		if strings.Contains(t.text, ".") {
			f, err := strconv.ParseFloat(t.text, 64)
			if err != nil {
				return nil, err
			}
			return &Operand{IsLiteral: true, Literal: f}, nil
		}
		n, err := strconv.ParseInt(t.text, 10, 64)
		if err != nil {
			return nil, err
		}
		return &Operand{IsLiteral: true, Literal: n}, nil
	case tIdent:
	default:
		return nil, fmt.Errorf("unexpected %q in %q", t.text, p.src)
	}

	switch t.text {
	case "True":
		return &Operand{IsLiteral: true, Literal: true}, nil
	case "False":
		return &Operand{IsLiteral: true, Literal: false}, nil
	case "None":
		return &Operand{IsLiteral: true, Literal: nil}, nil
	}
	if keywords[t.text] {
		return nil, fmt.Errorf("unexpected keyword %q in %q", t.text, p.src)
	}

	path, err := splitPath(t.text)
	if err != nil {
		return nil, err
	}
	op := &Operand{Path: path}

	if next, ok := p.peek(); ok && next.kind == tLParen {
		if err := p.skipCall(); err != nil {
			return nil, err
		}
		op.Call = true
		// Chained segments after a call cannot be attributed to a field.
		for {
			next, ok := p.peek()
			if !ok || next.kind != tIdent || !strings.HasPrefix(next.text, ".") {
				break
			}
			p.pos++
		}
	}

	op.lookup = compileLookup(op.Path[1:])
	return op, nil
}

func (p *exprParser) skipCall() error {
	depth := 0
	for !p.done() {
		t := p.toks[p.pos]
		p.pos++
		switch t.kind {
		case tLParen:
			depth++
		case tRParen:
			depth--
			if depth == 0 {
				return nil
			}
		}
	}
	return fmt.Errorf("unbalanced parenthesis in %q", p.src)
}

func splitPath(s string) ([]string, error) {
	if s[0] == '.' || s[len(s)-1] == '.' || strings.Contains(s, "..") {
		return nil, fmt.Errorf("invalid variable %q", s)
	}
	if s[0] >= '0' && s[0] <= '9' {
		return nil, fmt.Errorf("invalid variable %q", s)
	}
	return strings.Split(s, "."), nil
}

// compileLookup builds a jsonpath for a run of plain key and index
// segments. It returns nil when any segment needs renderer handling.
func compileLookup(segs []string) jp.Expr {
	if len(segs) == 0 {
		return nil
	}
	x := jp.R()
	for _, seg := range segs {
		if pseudoMethods[seg] {
			return nil
		}
		if n, err := strconv.Atoi(seg); err == nil {
			x = x.N(n)
			continue
		}
		x = x.C(seg)
	}
	return x
}

func (p *exprParser) parseCond() (*Cond, error) {
	return p.parseOr()
}

func (p *exprParser) parseOr() (*Cond, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	if !p.peekIdent("or") {
		return left, nil
	}
	c := &Cond{Kind: CondOr, Args: []*Cond{left}}
	for p.peekIdent("or") {
		p.pos++
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		c.Args = append(c.Args, right)
	}
	return c, nil
}

func (p *exprParser) parseAnd() (*Cond, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	if !p.peekIdent("and") {
		return left, nil
	}
	c := &Cond{Kind: CondAnd, Args: []*Cond{left}}
	for p.peekIdent("and") {
		p.pos++
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		c.Args = append(c.Args, right)
	}
	return c, nil
}

func (p *exprParser) parseNot() (*Cond, error) {
	if p.peekIdent("not") {
		p.pos++
		inner, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &Cond{Kind: CondNot, Args: []*Cond{inner}}, nil
	}
	return p.parseCompare()
}

func (p *exprParser) parseCompare() (*Cond, error) {
	left, err := p.parseFilterExpr()
	if err != nil {
		return nil, err
	}

	var op string
	t, ok := p.peek()
	switch {
	case !ok:
		return &Cond{Kind: CondValue, Value: left}, nil
	case t.kind == tOp && t.text != "=":
		op = t.text
		p.pos++
	case t.kind == tIdent && t.text == "in":
		op = "in"
		p.pos++
	case t.kind == tIdent && t.text == "not" && p.pos+1 < len(p.toks) && p.toks[p.pos+1].text == "in":
		op = "not in"
		p.pos += 2
	case t.kind == tIdent && t.text == "is":
		op = "is"
		p.pos++
		if p.peekIdent("not") {
			op = "is not"
			p.pos++
		}
	default:
		return &Cond{Kind: CondValue, Value: left}, nil
	}

	right, err := p.parseFilterExpr()
	if err != nil {
		return nil, err
	}
	return &Cond{Kind: CondCompare, Value: left, Op: op, Right: right}, nil
}

// ParseExpr parses the content of a {{ }} tag.
func ParseExpr(src string) (*Expr, error) {
	p, err := newExprParser(src)
	if err != nil {
		return nil, err
	}
	if p.done() {
		return nil, fmt.Errorf("empty expression")
	}
	e, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	return e, p.expectEnd()
}

// ParseCond parses the argument of an if or elif tag.
func ParseCond(src string) (*Cond, error) {
	p, err := newExprParser(src)
	if err != nil {
		return nil, err
	}
	if p.done() {
		return nil, fmt.Errorf("empty condition")
	}
	c, err := p.parseCond()
	if err != nil {
		return nil, err
	}
	return c, p.expectEnd()
}
