package tmpl

import (
	"fmt"
	"strings"
)

// Node is an element of a parsed template.
type Node interface {
	node()
}

type TextNode struct {
	Text string
}

type VarNode struct {
	Expr *Expr
	Line int
}

type IfBranch struct {
	Cond *Cond
	Body []Node
}

type IfNode struct {
	Branches []IfBranch
	Else     []Node
	Line     int
}

type ForNode struct {
	Vars     []string
	Source   *Expr
	Reversed bool
	Body     []Node
	Empty    []Node
	Line     int
}

// Binding is one name=value pair of a with or include tag.
type Binding struct {
	Name  string
	Value *Expr
}

type WithNode struct {
	Bindings []Binding
	Body     []Node
	Line     int
}

type BlockNode struct {
	Name string
	Body []Node
}

// IncludeNode is an include the loader could not substitute. It renders
// nothing.
type IncludeNode struct {
	Template *Expr
	With     []Binding
	Only     bool
	Raw      string
	Line     int
}

// TagNode is any other tag. Args holds the arguments that parsed as
// expressions.
type TagNode struct {
	Name string
	Args []*Expr
	Raw  string
	Line int
}

func (*TextNode) node()    {}
func (*VarNode) node()     {}
func (*IfNode) node()      {}
func (*ForNode) node()     {}
func (*WithNode) node()    {}
func (*BlockNode) node()   {}
func (*IncludeNode) node() {}
func (*TagNode) node()     {}

// Template is a parsed template.
type Template struct {
	Nodes  []Node
	Source string
}

// opaqueTags take arguments that are not variable references.
var opaqueTags = map[string]bool{
	"load": true, "csrf_token": true, "now": true, "extends": true,
	"static": true, "spaceless": true, "endspaceless": true,
	"autoescape": true, "endautoescape": true, "verbatim": true, "endverbatim": true,
}

type parser struct {
	tokens []Token
	pos    int
}

// Parse lexes and parses src.
func Parse(src string) (*Template, error) {
	tokens, err := Lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	nodes, end, err := p.parseUntil()
	if err != nil {
		return nil, err
	}
	if end != nil {
		return nil, syntaxErrorf(end.Line, "unexpected {%% %s %%}", end.Value)
	}
	return &Template{Nodes: nodes, Source: src}, nil
}

// MustParse is Parse for templates known to be valid, such as test fixtures.
func MustParse(src string) *Template {
	t, err := Parse(src)
	if err != nil {
		panic(err)
	}
	return t
}

func tagName(value string) (string, string) {
	name, rest, _ := strings.Cut(value, " ")
	return name, strings.TrimSpace(rest)
}

// parseUntil parses nodes until one of the stop tags or the end of input.
// It returns the stop token, or nil at end of input.
func (p *parser) parseUntil(stops ...string) ([]Node, *Token, error) {
	var nodes []Node
	for p.pos < len(p.tokens) {
		tok := p.tokens[p.pos]
		p.pos++

		switch tok.Kind {
		case TokenText:
			nodes = append(nodes, &TextNode{Text: tok.Value})
		case TokenComment:
		case TokenVar:
			expr, err := ParseExpr(tok.Value)
			if err != nil {
				return nil, nil, syntaxErrorf(tok.Line, "%v", err)
			}
			nodes = append(nodes, &VarNode{Expr: expr, Line: tok.Line})
		case TokenBlock:
			name, args := tagName(tok.Value)
			for _, stop := range stops {
				if name == stop {
					return nodes, &tok, nil
				}
			}
			n, err := p.parseTag(tok, name, args)
			if err != nil {
				return nil, nil, err
			}
			if n != nil {
				nodes = append(nodes, n)
			}
		}
	}
	if len(stops) > 0 {
		return nil, nil, syntaxErrorf(p.lastLine(), "missing {%% %s %%}", stops[len(stops)-1])
	}
	return nodes, nil, nil
}

func (p *parser) lastLine() int {
	if len(p.tokens) == 0 {
		return 1
	}
	return p.tokens[len(p.tokens)-1].Line
}

func (p *parser) parseTag(tok Token, name, args string) (Node, error) {
	switch name {
	case "if":
		return p.parseIf(tok, args)
	case "for":
		return p.parseFor(tok, args)
	case "with":
		return p.parseWith(tok, args)
	case "block":
		return p.parseBlock(tok, args)
	case "include":
		return parseInclude(tok, args)
	case "comment":
		_, _, err := p.parseUntil("endcomment")
		return nil, err
	case "elif", "else", "endif", "endfor", "empty", "endwith", "endblock", "endcomment":
		return nil, syntaxErrorf(tok.Line, "unexpected {%% %s %%}", name)
	}

	n := &TagNode{Name: name, Raw: tok.Raw, Line: tok.Line}
	if opaqueTags[name] || args == "" {
		return n, nil
	}
	// Unknown tags are best effort: keep whatever parses as an expression.
	for _, field := range splitArgs(args) {
		if field == "as" {
			break
		}
		if e, err := ParseExpr(field); err == nil {
			n.Args = append(n.Args, e)
		}
	}
	return n, nil
}

func (p *parser) parseIf(tok Token, args string) (Node, error) {
	n := &IfNode{Line: tok.Line}
	cond, err := ParseCond(args)
	if err != nil {
		return nil, syntaxErrorf(tok.Line, "%v", err)
	}
	for {
		body, end, err := p.parseUntil("elif", "else", "endif")
		if err != nil {
			return nil, err
		}
		n.Branches = append(n.Branches, IfBranch{Cond: cond, Body: body})

		endName, endArgs := tagName(end.Value)
		switch endName {
		case "endif":
			return n, nil
		case "else":
			n.Else, _, err = p.parseUntil("endif")
			if err != nil {
				return nil, err
			}
			return n, nil
		case "elif":
			cond, err = ParseCond(endArgs)
			if err != nil {
				return nil, syntaxErrorf(end.Line, "%v", err)
			}
		}
	}
}

func (p *parser) parseFor(tok Token, args string) (Node, error) {
	fields := strings.Fields(args)
	in := -1
	for i, f := range fields {
		if f == "in" {
			in = i
			break
		}
	}
	if in < 1 || in == len(fields)-1 {
		return nil, syntaxErrorf(tok.Line, "malformed for tag %q", tok.Value)
	}

	var vars []string
	for _, v := range strings.Split(strings.Join(fields[:in], ""), ",") {
		v = strings.TrimSpace(v)
		if v == "" || strings.Contains(v, ".") || keywords[v] {
			return nil, syntaxErrorf(tok.Line, "invalid loop variable %q", v)
		}
		vars = append(vars, v)
	}

	srcFields := fields[in+1:]
	reversed := false
	if srcFields[len(srcFields)-1] == "reversed" {
		reversed = true
		srcFields = srcFields[:len(srcFields)-1]
	}
	if len(srcFields) == 0 {
		return nil, syntaxErrorf(tok.Line, "for tag without a source")
	}
	source, err := ParseExpr(strings.Join(srcFields, " "))
	if err != nil {
		return nil, syntaxErrorf(tok.Line, "%v", err)
	}

	n := &ForNode{Vars: vars, Source: source, Reversed: reversed, Line: tok.Line}
	body, end, err := p.parseUntil("empty", "endfor")
	if err != nil {
		return nil, err
	}
	n.Body = body
	if end.Value == "empty" {
		n.Empty, _, err = p.parseUntil("endfor")
		if err != nil {
			return nil, err
		}
	}
	return n, nil
}

func (p *parser) parseWith(tok Token, args string) (Node, error) {
	bindings, err := parseBindings(args)
	if err != nil {
		return nil, syntaxErrorf(tok.Line, "%v", err)
	}
	if len(bindings) == 0 {
		return nil, syntaxErrorf(tok.Line, "with tag without bindings")
	}
	body, _, err := p.parseUntil("endwith")
	if err != nil {
		return nil, err
	}
	return &WithNode{Bindings: bindings, Body: body, Line: tok.Line}, nil
}

func (p *parser) parseBlock(tok Token, args string) (Node, error) {
	name := strings.TrimSpace(args)
	if name == "" {
		return nil, syntaxErrorf(tok.Line, "block tag without a name")
	}
	body, _, err := p.parseUntil("endblock")
	if err != nil {
		return nil, err
	}
	return &BlockNode{Name: name, Body: body}, nil
}

func parseInclude(tok Token, args string) (Node, error) {
	fields := splitArgs(args)
	if len(fields) == 0 {
		return nil, syntaxErrorf(tok.Line, "include tag without a template")
	}
	target, err := ParseExpr(fields[0])
	if err != nil {
		return nil, syntaxErrorf(tok.Line, "%v", err)
	}
	n := &IncludeNode{Template: target, Raw: tok.Raw, Line: tok.Line}
	rest := fields[1:]
	if len(rest) > 0 && rest[len(rest)-1] == "only" {
		n.Only = true
		rest = rest[:len(rest)-1]
	}
	if len(rest) > 0 && rest[0] == "with" {
		n.With, err = parseBindings(strings.Join(rest[1:], " "))
		if err != nil {
			return nil, syntaxErrorf(tok.Line, "%v", err)
		}
	}
	return n, nil
}

// parseBindings accepts "a=x b=y.z" and the legacy "y.z as a".
func parseBindings(args string) ([]Binding, error) {
	fields := splitArgs(args)
	if len(fields) == 3 && fields[1] == "as" {
		value, err := ParseExpr(fields[0])
		if err != nil {
			return nil, err
		}
		return []Binding{{Name: fields[2], Value: value}}, nil
	}

	bindings := make([]Binding, 0, len(fields))
	for _, f := range fields {
		name, value, ok := strings.Cut(f, "=")
		if !ok || name == "" || value == "" {
			return nil, fmt.Errorf("invalid binding %q", f)
		}
		expr, err := ParseExpr(value)
		if err != nil {
			return nil, err
		}
		bindings = append(bindings, Binding{Name: name, Value: expr})
	}
	return bindings, nil
}

// splitArgs splits on whitespace outside quotes.
func splitArgs(s string) []string {
	var out []string
	var b strings.Builder
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			b.WriteByte(c)
			if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
			b.WriteByte(c)
		case c == ' ' || c == '\t' || c == '\n':
			if b.Len() > 0 {
				out = append(out, b.String())
				b.Reset()
			}
		default:
			b.WriteByte(c)
		}
	}
	if b.Len() > 0 {
		out = append(out, b.String())
	}
	return out
}

// ParseInclude parses the content of an include tag, without the leading
// "include" keyword.
func ParseInclude(args string) (*IncludeNode, error) {
	n, err := parseInclude(Token{Kind: TokenBlock, Value: "include " + args, Raw: "{% include " + args + " %}", Line: 1}, args)
	if err != nil {
		return nil, err
	}
	return n.(*IncludeNode), nil
}
